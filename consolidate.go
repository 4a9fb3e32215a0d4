package mnemo

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// ConsolidateResult reports what one consolidation pass did.
type ConsolidateResult struct {
	CreatedIDs []string
	UpdatedIDs []string
	Rejected   []RejectedCandidate
}

// Consolidator deduplicates and links extraction candidates against
// existing memory in the same workspace, using exact content hashes first
// and vector similarity second.
type Consolidator struct {
	store   Store
	index   VectorIndex
	gateway *Gateway

	nearThreshold      float64 // near-duplicate merge
	supersedeThreshold float64 // contradictory decision supersession
	referThreshold     float64 // weak association floor
	neighborK          int

	logger *slog.Logger
	now    func() int64
}

// ConsolidatorOption configures a Consolidator.
type ConsolidatorOption func(*Consolidator)

// ConsolidationThresholds overrides the similarity cut-offs. near is the
// near-duplicate merge threshold (default 0.94), refer the weak
// association floor (default 0.86).
func ConsolidationThresholds(near, refer float64) ConsolidatorOption {
	return func(c *Consolidator) {
		c.nearThreshold = near
		c.referThreshold = refer
	}
}

// ConsolidatorLogger sets the structured logger.
func ConsolidatorLogger(l *slog.Logger) ConsolidatorOption {
	return func(c *Consolidator) { c.logger = l }
}

// NewConsolidator creates a Consolidator over the given store, index, and
// embedding gateway.
func NewConsolidator(store Store, index VectorIndex, gateway *Gateway, opts ...ConsolidatorOption) *Consolidator {
	c := &Consolidator{
		store:              store,
		index:              index,
		gateway:            gateway,
		nearThreshold:      0.94,
		supersedeThreshold: 0.88,
		referThreshold:     0.86,
		neighborK:          16,
		logger:             nopLogger,
		now:                NowUnix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consolidate processes candidates strictly in extraction order, so
// candidate N sees the effects of candidates 1..N-1. Embeddings for the
// whole batch are resolved up front (bounded fan-out inside the gateway);
// the store walk itself is sequential. A persistence failure for one
// candidate is logged and reported, never aborting the batch.
func (c *Consolidator) Consolidate(ctx context.Context, workspace, thread, artifactID string, cands []Candidate) (ConsolidateResult, error) {
	var res ConsolidateResult
	if len(cands) == 0 {
		return res, nil
	}

	texts := make([]string, len(cands))
	for i, cand := range cands {
		texts[i] = embeddingText(cand.Summary, cand.Body)
	}
	vecs, err := c.gateway.Embed(ctx, texts)
	if err != nil {
		// Zero vectors produced. Consolidation still proceeds on exact
		// hashes; every created item stays embedding-pending.
		c.logger.Warn("embedding unavailable, consolidating on hashes only", "error", err)
		vecs = make([][]float32, len(cands))
	}

	for i, cand := range cands {
		if err := ctx.Err(); err != nil {
			// Deadline expired: everything persisted so far stands.
			return res, err
		}
		if err := c.consolidateOne(ctx, workspace, thread, artifactID, cand, vecs[i], &res); err != nil {
			c.logger.Warn("candidate rejected", "summary", cand.Summary, "error", err)
			res.Rejected = append(res.Rejected, RejectedCandidate{Summary: cand.Summary, Reason: err.Error()})
		}
	}
	return res, nil
}

func (c *Consolidator) consolidateOne(ctx context.Context, workspace, thread, artifactID string, cand Candidate, vec []float32, res *ConsolidateResult) error {
	hash := ContentHash(cand.Summary, cand.Body)

	// Exact duplicate: bump usage on the existing item and drop.
	if existing, ok, err := c.store.LookupByHash(ctx, workspace, hash); err != nil {
		return err
	} else if ok {
		if _, err := c.store.UpdateItem(ctx, workspace, existing.ID, Mutation{UsageIncrement: 1, TouchAccess: true}); err != nil {
			return err
		}
		res.UpdatedIDs = appendUnique(res.UpdatedIDs, existing.ID)
		return nil
	}

	// Near-neighbor pass.
	var supersedeTargets, referTargets []string
	if vec != nil {
		matches, err := c.index.Search(ctx, workspace, vec, c.neighborK, VectorFilter{
			Kind:    cand.Kind,
			ModelID: c.gateway.ModelID(),
		})
		if err != nil {
			return err
		}
		for _, m := range matches {
			if m.Similarity < c.referThreshold {
				break
			}
			items, err := c.store.GetItems(ctx, workspace, []string{m.ItemID})
			if err != nil {
				return err
			}
			if len(items) == 0 {
				continue
			}
			neighbor := items[0]

			if m.Similarity >= c.nearThreshold && neighbor.Subtype == cand.Subtype {
				return c.mergeInto(ctx, workspace, neighbor, cand, res)
			}
			if m.Similarity >= c.supersedeThreshold &&
				cand.Subtype == SubtypeDecision && neighbor.Subtype == SubtypeDecision &&
				contradicts(cand.Body, neighbor.Body) {
				supersedeTargets = append(supersedeTargets, neighbor.ID)
				continue
			}
			referTargets = append(referTargets, neighbor.ID)
		}
	}

	// Persist as a new item.
	id, err := c.store.MintID(ctx, workspace, ClassForKind(cand.Kind))
	if err != nil {
		return err
	}
	now := c.now()
	item := Item{
		Workspace:        workspace,
		ID:               id,
		ThreadID:         thread,
		Kind:             cand.Kind,
		Subtype:          cand.Subtype,
		Summary:          cand.Summary,
		Body:             cand.Body,
		Salience:         cand.Salience,
		UsageCount:       1, // creation counts as the first use
		LastAccessedAt:   now,
		CreatedAt:        now,
		State:            StateActive,
		Payload:          cand.Payload,
		SourceArtifactID: artifactID,
		SpanStart:        cand.SpanStart,
		SpanEnd:          cand.SpanEnd,
		ContentHash:      hash,
	}
	if vec != nil {
		item.EmbeddingModelID = c.gateway.ModelID()
	}
	if err := c.store.CreateItem(ctx, item); err != nil {
		return err
	}
	if vec != nil {
		if err := c.index.Upsert(ctx, workspace, id, vec, c.gateway.ModelID()); err != nil {
			return err
		}
	}
	for _, target := range supersedeTargets {
		if err := c.store.AddLink(ctx, Link{Workspace: workspace, FromID: id, ToID: target, Type: LinkSupersedes, CreatedAt: now}); err != nil {
			c.logger.Warn("supersedes link rejected", "from", id, "to", target, "error", err)
		}
	}
	for _, target := range referTargets {
		if err := c.store.AddLink(ctx, Link{Workspace: workspace, FromID: id, ToID: target, Type: LinkRefersTo, CreatedAt: now}); err != nil {
			c.logger.Warn("refers_to link rejected", "from", id, "to", target, "error", err)
		}
	}
	res.CreatedIDs = append(res.CreatedIDs, id)
	return nil
}

// mergeInto folds a near-duplicate candidate into an existing item: the
// longer summary wins (the candidate on ties, being more recent), the
// candidate body is appended under the revisions payload, and usage is
// bumped.
func (c *Consolidator) mergeInto(ctx context.Context, workspace string, neighbor Item, cand Candidate, res *ConsolidateResult) error {
	m := Mutation{UsageIncrement: 1, TouchAccess: true}
	if len(cand.Summary) >= len(neighbor.Summary) {
		m.Summary = &cand.Summary
	}
	if NormalizeText(cand.Body) != NormalizeText(neighbor.Body) {
		revisions := cand.Body
		if prev := neighbor.Payload["revisions"]; prev != "" {
			revisions = prev + "\n---\n" + cand.Body
		}
		m.Payload = map[string]string{"revisions": revisions}
	}
	if _, err := c.store.UpdateItem(ctx, workspace, neighbor.ID, m); err != nil {
		return err
	}
	res.UpdatedIDs = appendUnique(res.UpdatedIDs, neighbor.ID)
	return nil
}

var negationCue = regexp.MustCompile(`(?i)\b(not|never|don'?t|won'?t|no\s+longer|stop\s+using|drop)\b`)

// contradicts detects opposite polarity between two decision texts: an
// explicit "instead of", or a negation cue present on exactly one side.
func contradicts(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if strings.Contains(la, "instead of") || strings.Contains(lb, "instead of") {
		return true
	}
	return negationCue.MatchString(la) != negationCue.MatchString(lb)
}

// embeddingText is the canonical text embedded for an item.
func embeddingText(summary, body string) string {
	if body == "" || body == summary {
		return summary
	}
	return summary + "\n" + body
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}
