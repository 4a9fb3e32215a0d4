package mnemo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"time"
)

// RankWeights are the multipliers of the ranking signals. They must sum to
// 1.0 (±0.01) so that scores stay in [0, 1] when all signals do.
type RankWeights struct {
	Similarity float64 `toml:"similarity"`
	Salience   float64 `toml:"salience"`
	Recency    float64 `toml:"recency"`
	Usage      float64 `toml:"usage"`
	KindPrior  float64 `toml:"kind_prior"`
	Freshness  float64 `toml:"freshness"`
}

// DefaultRankWeights returns the standard weighting.
func DefaultRankWeights() RankWeights {
	return RankWeights{
		Similarity: 0.45,
		Salience:   0.15,
		Recency:    0.15,
		Usage:      0.10,
		KindPrior:  0.10,
		Freshness:  0.05,
	}
}

// Validate checks the weights sum to 1.0 within ±0.01.
func (w RankWeights) Validate() error {
	sum := w.Similarity + w.Salience + w.Recency + w.Usage + w.KindPrior + w.Freshness
	if math.Abs(sum-1.0) > 0.01 {
		return &ErrInvalidInput{Field: "rank.weights", Reason: fmt.Sprintf("sum %.3f, want 1.0 ±0.01", sum)}
	}
	return nil
}

// Recency decay time constants per kind: the recency signal is
// exp(-Δt/τ), so it falls to 1/e (not 1/2) after τ.
const (
	DefaultTauSemantic = 7 * 24 * time.Hour
	DefaultTauEpisodic = 36 * time.Hour
)

// DefaultPoolSize is the default candidate pool for ranking.
const DefaultPoolSize = 64

var (
	cueEpisodicBoost = regexp.MustCompile(`(?i)\b(fix|error|bug)\b`)
	cueDecisionBoost = regexp.MustCompile(`(?i)\b(plan|design|decide)\b`)
)

// Ranker scores workspace items against a purpose under the weighted
// signal model and returns an ordered candidate set.
type Ranker struct {
	store   Store
	index   VectorIndex
	gateway *Gateway

	weights     RankWeights
	tauSemantic time.Duration
	tauEpisodic time.Duration
	poolSize    int

	now    func() time.Time
	logger *slog.Logger
}

// RankerOption configures a Ranker.
type RankerOption func(*Ranker)

// RankerWeights overrides the signal weights.
func RankerWeights(w RankWeights) RankerOption {
	return func(r *Ranker) { r.weights = w }
}

// RankerTau overrides the recency decay time constants.
func RankerTau(semantic, episodic time.Duration) RankerOption {
	return func(r *Ranker) {
		r.tauSemantic = semantic
		r.tauEpisodic = episodic
	}
}

// RankerPoolSize sets the default candidate pool size.
func RankerPoolSize(n int) RankerOption {
	return func(r *Ranker) { r.poolSize = n }
}

// RankerLogger sets the structured logger.
func RankerLogger(l *slog.Logger) RankerOption {
	return func(r *Ranker) { r.logger = l }
}

// NewRanker creates a Ranker over the given store, index, and gateway.
func NewRanker(store Store, index VectorIndex, gateway *Gateway, opts ...RankerOption) *Ranker {
	r := &Ranker{
		store:       store,
		index:       index,
		gateway:     gateway,
		weights:     DefaultRankWeights(),
		tauSemantic: DefaultTauSemantic,
		tauEpisodic: DefaultTauEpisodic,
		poolSize:    DefaultPoolSize,
		now:         time.Now,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rank builds the candidate pool (vector retrieval, with a chronological
// store fallback when the pool runs thin) and scores it against the
// purpose. Results are ordered by descending score; exact ties break by
// ascending item identifier. poolSize <= 0 uses the configured default.
func (r *Ranker) Rank(ctx context.Context, workspace, thread, purpose string, f Filter, poolSize int) ([]ScoredItem, error) {
	if poolSize <= 0 {
		poolSize = r.poolSize
	}
	if f.ThreadID == "" {
		f.ThreadID = thread
	}

	similarity := make(map[string]float64)
	var ids []string

	vecs, err := r.gateway.Embed(ctx, []string{purpose})
	if err != nil {
		r.logger.Warn("purpose embedding unavailable, falling back to chronological pool", "error", err)
	}
	if err == nil && vecs[0] != nil {
		vf := VectorFilter{
			IncludeRetired: f.IncludeRetired,
			ModelID:        r.gateway.ModelID(),
		}
		if !f.CrossThread {
			vf.ThreadID = f.ThreadID
		}
		if len(f.IncludeKinds) == 1 {
			vf.Kind = f.IncludeKinds[0]
		}
		matches, err := r.index.Search(ctx, workspace, vecs[0], poolSize, vf)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			similarity[m.ItemID] = m.Similarity
			ids = append(ids, m.ItemID)
		}
	}

	items, err := r.store.GetItems(ctx, workspace, ids)
	if err != nil {
		return nil, err
	}
	pool := items[:0]
	for _, it := range items {
		if f.Matches(it) {
			pool = append(pool, it)
		}
	}

	// Backfill from the store when vector retrieval returned too few
	// candidates (cold workspace, embeddings pending).
	if len(pool) < poolSize/2 {
		recent, err := r.store.ListCandidates(ctx, workspace, f, poolSize-len(pool))
		if err != nil {
			return nil, err
		}
		have := make(map[string]bool, len(pool))
		for _, it := range pool {
			have[it.ID] = true
		}
		for _, it := range recent {
			if !have[it.ID] {
				pool = append(pool, it)
			}
		}
	}

	boostEpisodic := cueEpisodicBoost.MatchString(purpose)
	boostDecision := cueDecisionBoost.MatchString(purpose)

	now := r.now()
	scored := make([]ScoredItem, 0, len(pool))
	for _, it := range pool {
		sim := clamp01(similarity[it.ID])
		scored = append(scored, ScoredItem{
			Item:       it,
			Similarity: sim,
			Score:      r.score(it, sim, now, boostEpisodic, boostDecision),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return IDLess(scored[i].ID, scored[j].ID)
	})
	return scored, nil
}

func (r *Ranker) score(it Item, sim float64, now time.Time, boostEpisodic, boostDecision bool) float64 {
	tau := r.tauSemantic
	if it.Kind == KindEpisodic {
		tau = r.tauEpisodic
	}
	dt := float64(now.Unix() - it.LastAccessedAt)
	if dt < 0 {
		dt = 0
	}
	sRec := math.Exp(-dt / tau.Seconds())

	sUse := math.Log2(1+float64(it.UsageCount)) / 6
	if sUse > 1 {
		sUse = 1
	}

	sKind := 0.0
	if boostEpisodic && it.Kind == KindEpisodic {
		sKind += 0.2
	}
	if boostDecision && it.Subtype == SubtypeDecision {
		sKind += 0.2
	}
	if sKind > 1 {
		sKind = 1
	}

	sFresh := 1.0
	if it.State == StateSuperseded {
		sFresh = 0
	}

	w := r.weights
	return w.Similarity*sim +
		w.Salience*clamp01(it.Salience) +
		w.Recency*sRec +
		w.Usage*sUse +
		w.KindPrior*sKind +
		w.Freshness*sFresh
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
