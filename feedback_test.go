package mnemo

import (
	"context"
	"math"
	"testing"
)

func newTestApplier(t *testing.T) (*memStore, *Applier) {
	t.Helper()
	s := newMemStore()
	return s, NewApplier(s)
}

func seedPlainItem(t *testing.T, s *memStore, salience float64) Item {
	t.Helper()
	ctx := context.Background()
	id, err := s.MintID(ctx, "w", ClassSemantic)
	if err != nil {
		t.Fatal(err)
	}
	it := Item{Workspace: "w", ID: id, ThreadID: "T1", Kind: KindSemantic,
		Subtype: SubtypeDecision, Summary: "s", Body: "b", Salience: salience, State: StateActive}
	if err := s.CreateItem(ctx, it); err != nil {
		t.Fatal(err)
	}
	return it
}

func TestApply_Helpful(t *testing.T) {
	s, a := newTestApplier(t)
	it := seedPlainItem(t, s, 0.5)

	res, err := a.Apply(context.Background(), "w", it.ID, SignalHelpful, 1.0, "actor", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.NewSalience-0.55) > 1e-9 || math.Abs(res.Delta-0.05) > 1e-9 {
		t.Errorf("salience %f delta %f, want 0.55 / 0.05", res.NewSalience, res.Delta)
	}
	items, _ := s.GetItems(context.Background(), "w", []string{it.ID})
	if items[0].UsageCount != 1 {
		t.Errorf("usage = %d, want 1", items[0].UsageCount)
	}
	if len(s.feedback) != 1 || s.feedback[0].Signal != SignalHelpful {
		t.Errorf("journal = %+v", s.feedback)
	}
}

// Thirty helpful signals saturate salience at 1.0 and add thirty uses.
func TestApply_SaturationAtOne(t *testing.T) {
	s, a := newTestApplier(t)
	it := seedPlainItem(t, s, 0.5)

	var last FeedbackResult
	for i := 0; i < 30; i++ {
		var err error
		last, err = a.Apply(context.Background(), "w", it.ID, SignalHelpful, 1.0, "actor", "", "")
		if err != nil {
			t.Fatal(err)
		}
	}
	if last.NewSalience != 1.0 {
		t.Errorf("salience = %f, want 1.0", last.NewSalience)
	}
	items, _ := s.GetItems(context.Background(), "w", []string{it.ID})
	if items[0].UsageCount != 30 {
		t.Errorf("usage = %d, want 30", items[0].UsageCount)
	}
	if len(s.feedback) != 30 {
		t.Errorf("journal entries = %d, want 30", len(s.feedback))
	}
}

func TestApply_NotHelpfulUsesAbsoluteMagnitude(t *testing.T) {
	s, a := newTestApplier(t)
	it := seedPlainItem(t, s, 0.5)

	res, err := a.Apply(context.Background(), "w", it.ID, SignalNotHelpful, -1.0, "actor", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.NewSalience-0.45) > 1e-9 {
		t.Errorf("salience = %f, want 0.45", res.NewSalience)
	}
	items, _ := s.GetItems(context.Background(), "w", []string{it.ID})
	if items[0].UsageCount != 0 {
		t.Errorf("usage changed on not_helpful: %d", items[0].UsageCount)
	}
}

func TestApply_SaturationAtZero(t *testing.T) {
	s, a := newTestApplier(t)
	it := seedPlainItem(t, s, 0.05)

	res, err := a.Apply(context.Background(), "w", it.ID, SignalNotHelpful, 1.0, "actor", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.NewSalience != 0 {
		t.Errorf("salience = %f, want 0 (saturated)", res.NewSalience)
	}
}

func TestApply_OutdatedRetiresAtFloor(t *testing.T) {
	s, a := newTestApplier(t)
	it := seedPlainItem(t, s, 0.25)

	res, err := a.Apply(context.Background(), "w", it.ID, SignalOutdated, 1.0, "actor", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.NewSalience-0.05) > 1e-9 {
		t.Errorf("salience = %f, want 0.05", res.NewSalience)
	}
	items, _ := s.GetItems(context.Background(), "w", []string{it.ID})
	if items[0].State != StateRetired || items[0].RetiredAt == 0 {
		t.Errorf("item not retired: %+v", items[0])
	}
}

func TestApply_OutdatedAboveFloorStaysActive(t *testing.T) {
	s, a := newTestApplier(t)
	it := seedPlainItem(t, s, 0.9)

	if _, err := a.Apply(context.Background(), "w", it.ID, SignalOutdated, 1.0, "actor", "", ""); err != nil {
		t.Fatal(err)
	}
	items, _ := s.GetItems(context.Background(), "w", []string{it.ID})
	if items[0].State != StateActive {
		t.Errorf("state = %s, want active", items[0].State)
	}
}

func TestApply_DuplicateLinksCanonical(t *testing.T) {
	s, a := newTestApplier(t)
	dup := seedPlainItem(t, s, 0.5)
	canonical := seedPlainItem(t, s, 0.8)

	if _, err := a.Apply(context.Background(), "w", dup.ID, SignalDuplicate, 1.0, "actor", canonical.ID, ""); err != nil {
		t.Fatal(err)
	}
	links, _ := s.GetLinks(context.Background(), "w", []string{dup.ID})
	if len(links) != 1 || links[0].Type != LinkDuplicateOf || links[0].ToID != canonical.ID {
		t.Errorf("links = %+v", links)
	}
}

func TestApply_UnknownItem(t *testing.T) {
	_, a := newTestApplier(t)
	if _, err := a.Apply(context.Background(), "w", "S99", SignalHelpful, 1.0, "actor", "", ""); !IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestApply_MagnitudeClamped(t *testing.T) {
	s, a := newTestApplier(t)
	it := seedPlainItem(t, s, 0.5)

	res, err := a.Apply(context.Background(), "w", it.ID, SignalHelpful, 50.0, "actor", "", "")
	if err != nil {
		t.Fatal(err)
	}
	// Clamped to 1.0 -> +0.05, not +2.5.
	if math.Abs(res.NewSalience-0.55) > 1e-9 {
		t.Errorf("salience = %f, want 0.55", res.NewSalience)
	}
}
