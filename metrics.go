package mnemo

import (
	"context"
	"time"
)

// Metrics receives operation-level counters and timings from the core.
// The observer package provides an OTEL-backed implementation via
// NewRecorder(). When no Metrics is configured, recording is skipped.
type Metrics interface {
	// IngestObserved reports one completed ingestion: how many items it
	// created and updated, and how long it took.
	IngestObserved(ctx context.Context, workspace string, created, updated int, elapsed time.Duration)
	// RecallObserved reports one completed recall or working-set build.
	RecallObserved(ctx context.Context, workspace string, items int, elapsed time.Duration)
	// FeedbackObserved reports one applied feedback signal.
	FeedbackObserved(ctx context.Context, workspace string, signal Signal)
}
