package observer

import (
	"context"
	"time"

	"github.com/nevindra/mnemo"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrWorkspace = attribute.Key("mnemo.workspace")
	attrSignal    = attribute.Key("mnemo.signal")
)

// Recorder implements mnemo.Metrics on top of the OTEL instruments.
// Pass it to the core with mnemo.WithMetrics(observer.NewRecorder(inst)).
type Recorder struct {
	inst *Instruments
}

var _ mnemo.Metrics = (*Recorder)(nil)

// NewRecorder creates a Metrics sink over the given instruments.
func NewRecorder(inst *Instruments) *Recorder {
	return &Recorder{inst: inst}
}

func (r *Recorder) IngestObserved(ctx context.Context, workspace string, created, updated int, elapsed time.Duration) {
	ws := metric.WithAttributes(attrWorkspace.String(workspace))
	if created > 0 {
		r.inst.ItemsCreated.Add(ctx, int64(created), ws)
	}
	if updated > 0 {
		r.inst.ItemsUpdated.Add(ctx, int64(updated), ws)
	}
	r.inst.IngestDuration.Record(ctx, float64(elapsed.Milliseconds()), ws)
}

func (r *Recorder) RecallObserved(ctx context.Context, workspace string, items int, elapsed time.Duration) {
	r.inst.RecallDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attrWorkspace.String(workspace)))
}

func (r *Recorder) FeedbackObserved(ctx context.Context, workspace string, signal mnemo.Signal) {
	r.inst.FeedbackEvents.Add(ctx, 1, metric.WithAttributes(
		attrWorkspace.String(workspace),
		attrSignal.String(string(signal)),
	))
}
