package mnemo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestCore(t *testing.T) (*memStore, *fakeEmbedder, *Core) {
	t.Helper()
	s := newMemStore()
	f := newFakeEmbedder()
	g := NewGateway(f, "test-model", GatewayBaseDelay(time.Millisecond))
	return s, f, New(s, s, g)
}

const s1Chat = "User: We must use JWT for auth.\nAssistant: Agreed. We will store refresh tokens in httpOnly cookies."

func TestCore_IngestAndRecall(t *testing.T) {
	_, _, core := newTestCore(t)
	ctx := context.Background()

	res, err := core.Ingest(ctx, "w", "T1", Materials{Chat: s1Chat})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ArtifactIDs) != 1 || res.ArtifactIDs[0] != "A1" {
		t.Errorf("artifacts = %v", res.ArtifactIDs)
	}
	if len(res.CreatedItemIDs) != 2 {
		t.Fatalf("created = %v, want 2 items", res.CreatedItemIDs)
	}

	recall, err := core.Recall(ctx, "w", "T1", "implement token refresh", 4000, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recall.Items) != 2 {
		t.Fatalf("recall returned %d items, want 2", len(recall.Items))
	}
	// The decision outranks the requirement (higher initial salience; no
	// purpose cue applies).
	if recall.Items[0].Subtype != SubtypeDecision || recall.Items[1].Subtype != SubtypeRequirement {
		t.Errorf("order = %s, %s", recall.Items[0].Subtype, recall.Items[1].Subtype)
	}
	if recall.TokensUsed <= 0 || recall.TokensUsed > 4000 {
		t.Errorf("tokens_used = %d", recall.TokensUsed)
	}
	if recall.TokensAvailable != 4000-recall.TokensUsed {
		t.Errorf("tokens_available = %d", recall.TokensAvailable)
	}
}

func TestCore_DuplicateIngestion(t *testing.T) {
	s, _, core := newTestCore(t)
	ctx := context.Background()

	first, err := core.Ingest(ctx, "w", "T1", Materials{Chat: s1Chat})
	if err != nil {
		t.Fatal(err)
	}
	second, err := core.Ingest(ctx, "w", "T1", Materials{Chat: s1Chat})
	if err != nil {
		t.Fatal(err)
	}
	if len(second.CreatedItemIDs) != 0 {
		t.Fatalf("second ingestion created %v", second.CreatedItemIDs)
	}
	if len(second.UpdatedItemIDs) != 2 {
		t.Fatalf("second ingestion updated %v, want both items", second.UpdatedItemIDs)
	}
	items, _ := s.GetItems(ctx, "w", first.CreatedItemIDs)
	for _, it := range items {
		if it.UsageCount != 2 {
			t.Errorf("%s usage = %d, want 2", it.ID, it.UsageCount)
		}
	}
}

func TestCore_Supersession(t *testing.T) {
	s, f, core := newTestCore(t)
	ctx := context.Background()

	// Pin purpose-independent embeddings so the second decision lands in
	// the supersede band relative to the first.
	f.pin("Let's use JWT.", []float32{1, 0})
	f.pin("Instead of JWT, use opaque session tokens.", []float32{0.9, 0.4358899})

	first, err := core.Ingest(ctx, "w", "T1", Materials{Chat: "User: Let's use JWT."})
	if err != nil {
		t.Fatal(err)
	}
	second, err := core.Ingest(ctx, "w", "T1", Materials{Chat: "User: Instead of JWT, use opaque session tokens."})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.CreatedItemIDs) != 1 || len(second.CreatedItemIDs) != 1 {
		t.Fatalf("created %v / %v", first.CreatedItemIDs, second.CreatedItemIDs)
	}

	links, _ := s.GetLinks(ctx, "w", second.CreatedItemIDs)
	hasSupersede := false
	for _, l := range links {
		if l.Type == LinkSupersedes && l.FromID == second.CreatedItemIDs[0] && l.ToID == first.CreatedItemIDs[0] {
			hasSupersede = true
		}
	}
	if !hasSupersede {
		t.Fatalf("supersedes link missing: %+v", links)
	}

	f.pin("session strategy", []float32{1, 0})
	recall, err := core.Recall(ctx, "w", "T1", "session strategy", 4000, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recall.Items) != 2 {
		t.Fatalf("recall returned %d items, want both", len(recall.Items))
	}
	if recall.Items[0].ID != second.CreatedItemIDs[0] {
		t.Errorf("superseding decision must rank strictly higher, got %s first", recall.Items[0].ID)
	}
}

func TestCore_RedactionBeforePersistence(t *testing.T) {
	s, _, core := newTestCore(t)
	ctx := context.Background()

	res, err := core.Ingest(ctx, "w", "T1",
		Materials{Logs: "2025-01-01 ERROR user=alice@example.com token=abcd1234efgh5678"})
	if err != nil {
		t.Fatal(err)
	}

	a, err := s.GetArtifact(ctx, "w", res.ArtifactIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(a.Body, "[REDACTED_EMAIL]") || !strings.Contains(a.Body, "[REDACTED_TOKEN]") {
		t.Errorf("artifact body not redacted: %q", a.Body)
	}
	if strings.Contains(a.Body, "alice@example.com") {
		t.Errorf("raw email persisted: %q", a.Body)
	}

	items, _ := s.GetItems(ctx, "w", res.CreatedItemIDs)
	if len(items) == 0 {
		t.Fatal("no items created")
	}
	it := items[0]
	if it.Subtype != SubtypeError {
		t.Errorf("subtype = %s, want error", it.Subtype)
	}
	if strings.Contains(it.Summary, "alice@example.com") || strings.Contains(it.Body, "abcd1234efgh5678") {
		t.Errorf("raw secrets reached the item: %q / %q", it.Summary, it.Body)
	}
	// The content hash covers the redacted form.
	if it.ContentHash != ContentHash(it.Summary, it.Body) {
		t.Error("content hash not computed over redacted text")
	}
}

func TestCore_WorkspaceIsolation(t *testing.T) {
	_, _, core := newTestCore(t)
	ctx := context.Background()

	res, err := core.Ingest(ctx, "tenant-a", "T1", Materials{Chat: s1Chat})
	if err != nil {
		t.Fatal(err)
	}

	// Another workspace can neither recall nor expand tenant-a's items.
	recall, err := core.Recall(ctx, "tenant-b", "T1", "implement token refresh", 4000, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recall.Items) != 0 {
		t.Fatalf("workspace leak: %+v", recall.Items)
	}

	if _, err := core.Expand(ctx, "tenant-b", res.CreatedItemIDs[0], ExpandSummary); !IsNotFound(err) {
		t.Errorf("cross-workspace expand: err = %v, want not found", err)
	}
	if _, err := core.Feedback(ctx, "tenant-b", res.CreatedItemIDs[0], SignalHelpful, 1, "a", "", ""); !IsNotFound(err) {
		t.Errorf("cross-workspace feedback: err = %v, want not found", err)
	}
}

func TestCore_BuildWorkingSet(t *testing.T) {
	_, _, core := newTestCore(t)
	ctx := context.Background()

	chat := strings.Join([]string{
		"User: We will use opaque session tokens everywhere.",
		"User: Do not log raw session tokens anywhere.",
		"User: Implement the session rotation job today.",
		"User: The gateway must answer health checks, right?",
	}, "\n")
	if _, err := core.Ingest(ctx, "w", "T1", Materials{Chat: chat}); err != nil {
		t.Fatal(err)
	}

	ws, err := core.BuildWorkingSet(ctx, "w", "T1", "plan the session work", 4000, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ws.FocusDecisions) != 1 {
		t.Errorf("focus_decisions = %v", ws.FocusDecisions)
	}
	if len(ws.Constraints) == 0 {
		t.Errorf("constraints empty")
	}
	if len(ws.FocusTasks) != 1 {
		t.Errorf("focus_tasks = %v", ws.FocusTasks)
	}
	if len(ws.Runbook) == 0 {
		t.Errorf("runbook empty")
	}
	if len(ws.Artifacts) != 1 || ws.Artifacts[0].ID != "A1" {
		t.Errorf("artifacts = %+v", ws.Artifacts)
	}
	if ws.TokensUsed > 4000 {
		t.Errorf("budget exceeded: %d", ws.TokensUsed)
	}
}

func TestCore_Expand(t *testing.T) {
	_, _, core := newTestCore(t)
	ctx := context.Background()

	res, err := core.Ingest(ctx, "w", "T1", Materials{Chat: s1Chat})
	if err != nil {
		t.Fatal(err)
	}
	id := res.CreatedItemIDs[0]

	sum, err := core.Expand(ctx, "w", id, ExpandSummary)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Item.ID != id || sum.Raw != "" {
		t.Errorf("summary expand = %+v", sum)
	}

	full, err := core.Expand(ctx, "w", id, ExpandFull)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(full.Raw, "JWT") {
		t.Errorf("full expand raw = %q", full.Raw)
	}

	if _, err := core.Expand(ctx, "w", id, ExpandForm("bogus")); err == nil {
		t.Error("bogus form accepted")
	}
	if _, err := core.Expand(ctx, "w", "S999", ExpandFull); !IsNotFound(err) {
		t.Errorf("unknown item: err = %v", err)
	}
}

func TestCore_InputValidation(t *testing.T) {
	_, _, core := newTestCore(t)
	ctx := context.Background()

	var invalid *ErrInvalidInput
	if _, err := core.Ingest(ctx, "w", "", Materials{Chat: "x"}); !errors.As(err, &invalid) {
		t.Errorf("empty thread: %v", err)
	}
	if _, err := core.Ingest(ctx, "w", "T1", Materials{}); !errors.As(err, &invalid) {
		t.Errorf("empty materials: %v", err)
	}
	if _, err := core.Recall(ctx, "w", "T1", "", 100, Filter{}); !errors.As(err, &invalid) {
		t.Errorf("empty purpose: %v", err)
	}
	if _, err := core.Recall(ctx, "w", "T1", "p", 0, Filter{}); !errors.As(err, &invalid) {
		t.Errorf("zero budget: %v", err)
	}
	if _, err := core.BuildWorkingSet(ctx, "w", "T1", "p", -5, Filter{}); !errors.As(err, &invalid) {
		t.Errorf("negative budget: %v", err)
	}
}

func TestCore_MonotonicIDsAcrossKinds(t *testing.T) {
	_, _, core := newTestCore(t)
	ctx := context.Background()

	if _, err := core.Ingest(ctx, "w", "T1", Materials{
		Chat: "User: We will ship the rotation job this sprint.",
		Logs: "2025-01-01 10:00:00 ERROR rotation panicked",
	}); err != nil {
		t.Fatal(err)
	}
	res, err := core.Ingest(ctx, "w", "T1", Materials{
		Chat: "User: We will also ship the cleanup job.",
		Logs: "2025-01-01 10:05:00 ERROR cleanup panicked",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Semantic and episodic sequences advance independently: S2 and E2.
	var sawS2, sawE2 bool
	for _, id := range res.CreatedItemIDs {
		switch id {
		case "S2":
			sawS2 = true
		case "E2":
			sawE2 = true
		}
	}
	if !sawS2 || !sawE2 {
		t.Errorf("created ids = %v, want S2 and E2", res.CreatedItemIDs)
	}
	if len(res.ArtifactIDs) != 2 {
		t.Errorf("artifacts = %v, want chat + logs", res.ArtifactIDs)
	}
}

// fakeMetrics records Metrics callbacks for assertion.
type fakeMetrics struct {
	ingests, recalls, feedbacks int
	created, updated            int
}

func (m *fakeMetrics) IngestObserved(_ context.Context, _ string, created, updated int, _ time.Duration) {
	m.ingests++
	m.created += created
	m.updated += updated
}

func (m *fakeMetrics) RecallObserved(_ context.Context, _ string, _ int, _ time.Duration) {
	m.recalls++
}

func (m *fakeMetrics) FeedbackObserved(_ context.Context, _ string, _ Signal) {
	m.feedbacks++
}

func TestCore_MetricsObserved(t *testing.T) {
	s := newMemStore()
	f := newFakeEmbedder()
	g := NewGateway(f, "test-model", GatewayBaseDelay(time.Millisecond))
	metrics := &fakeMetrics{}
	core := New(s, s, g, WithMetrics(metrics))
	ctx := context.Background()

	res, err := core.Ingest(ctx, "w", "T1", Materials{Chat: s1Chat})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := core.Recall(ctx, "w", "T1", "implement token refresh", 4000, Filter{}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.BuildWorkingSet(ctx, "w", "T1", "plan the work", 4000, Filter{}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.Feedback(ctx, "w", res.CreatedItemIDs[0], SignalHelpful, 1, "a", "", ""); err != nil {
		t.Fatal(err)
	}

	if metrics.ingests != 1 || metrics.created != 2 || metrics.updated != 0 {
		t.Errorf("ingest metrics = %+v", metrics)
	}
	if metrics.recalls != 2 { // Recall + BuildWorkingSet
		t.Errorf("recalls = %d, want 2", metrics.recalls)
	}
	if metrics.feedbacks != 1 {
		t.Errorf("feedbacks = %d, want 1", metrics.feedbacks)
	}
}

func TestCore_DefaultWorkspace(t *testing.T) {
	s, _, core := newTestCore(t)
	ctx := context.Background()

	if _, err := core.Ingest(ctx, "", "T1", Materials{Chat: s1Chat}); err != nil {
		t.Fatal(err)
	}
	if len(s.items[DefaultWorkspace]) == 0 {
		t.Error("empty workspace id did not fall back to the default workspace")
	}
}
