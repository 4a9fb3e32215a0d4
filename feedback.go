package mnemo

import (
	"context"
	"log/slog"
	"math"
)

// Salience deltas per feedback signal.
const (
	helpfulDelta    = 0.05
	notHelpfulDelta = -0.05
	outdatedDelta   = -0.20
	duplicateDelta  = -0.10

	// An outdated item whose salience drops to this floor retires.
	retireFloor = 0.1
)

// Applier folds client feedback into item salience and usage and appends
// to the journal. Concurrent feedback on one item applies in some serial
// order; the outcome is the saturated sum of deltas plus the logical OR of
// retirement.
type Applier struct {
	store  Store
	logger *slog.Logger
	now    func() int64
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// ApplierLogger sets the structured logger.
func ApplierLogger(l *slog.Logger) ApplierOption {
	return func(a *Applier) { a.logger = l }
}

// NewApplier creates a feedback Applier over the store.
func NewApplier(store Store, opts ...ApplierOption) *Applier {
	a := &Applier{store: store, logger: nopLogger, now: NowUnix}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply records one feedback signal. magnitude is clamped to [-1, +1].
// canonicalID names the canonical item for duplicate signals; it is
// ignored for the others. The salience mutation saturates at [0, 1].
func (a *Applier) Apply(ctx context.Context, workspace, itemID string, signal Signal, magnitude float64, actor, canonicalID, comment string) (FeedbackResult, error) {
	magnitude = clampMagnitude(magnitude)

	items, err := a.store.GetItems(ctx, workspace, []string{itemID})
	if err != nil {
		return FeedbackResult{}, err
	}
	if len(items) == 0 {
		return FeedbackResult{}, &ErrNotFound{ID: itemID}
	}
	prev := items[0].Salience

	var delta float64
	usage := 0
	switch signal {
	case SignalHelpful:
		delta = helpfulDelta * magnitude
		usage = 1
	case SignalNotHelpful:
		delta = notHelpfulDelta * math.Abs(magnitude)
	case SignalOutdated:
		delta = outdatedDelta
	case SignalDuplicate:
		delta = duplicateDelta
	default:
		return FeedbackResult{}, &ErrInvalidInput{Field: "signal", Reason: "unknown signal " + string(signal)}
	}

	updated, err := a.store.UpdateItem(ctx, workspace, itemID, Mutation{
		SalienceDelta:  &delta,
		UsageIncrement: usage,
		TouchAccess:    usage > 0,
	})
	if err != nil {
		return FeedbackResult{}, err
	}

	if signal == SignalOutdated && updated.Salience <= retireFloor && updated.State != StateRetired {
		retired := true
		if updated, err = a.store.UpdateItem(ctx, workspace, itemID, Mutation{Retired: &retired}); err != nil {
			return FeedbackResult{}, err
		}
		a.logger.Info("item retired on outdated feedback", "workspace", workspace, "item", itemID)
	}

	if signal == SignalDuplicate && canonicalID != "" {
		err := a.store.AddLink(ctx, Link{
			Workspace: workspace,
			FromID:    itemID,
			ToID:      canonicalID,
			Type:      LinkDuplicateOf,
			CreatedAt: a.now(),
		})
		if err != nil {
			return FeedbackResult{}, err
		}
	}

	if err := a.store.AppendFeedback(ctx, FeedbackRecord{
		Workspace: workspace,
		ItemID:    itemID,
		Signal:    signal,
		Magnitude: magnitude,
		At:        a.now(),
		Actor:     actor,
		Comment:   comment,
	}); err != nil {
		return FeedbackResult{}, err
	}

	return FeedbackResult{
		PreviousSalience: prev,
		NewSalience:      updated.Salience,
		Delta:            updated.Salience - prev,
	}, nil
}

func clampMagnitude(m float64) float64 {
	if m < -1 {
		return -1
	}
	if m > 1 {
		return 1
	}
	return m
}
