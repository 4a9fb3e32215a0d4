package mnemo

import (
	"context"
	"log/slog"
	"time"
)

// DefaultWorkspace is used when the caller passes an empty workspace id.
// Single-tenant embedders of the library can ignore workspaces entirely;
// the isolation boundary still exists underneath.
const DefaultWorkspace = "default"

// Timeouts are the default per-operation deadlines, applied only when the
// caller's context carries none.
type Timeouts struct {
	Ingest   time.Duration
	Recall   time.Duration
	Build    time.Duration
	Feedback time.Duration
}

// DefaultTimeouts returns the standard deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Ingest:   30 * time.Second,
		Recall:   5 * time.Second,
		Build:    time.Second,
		Feedback: time.Second,
	}
}

// Core is the context memory core facade: ingestion, recall, working-set
// assembly, expansion, and feedback over one Store/VectorIndex pair.
// Safe for concurrent use; requests across workspaces and threads proceed
// independently, while writes to a single item serialize.
type Core struct {
	store   Store
	index   VectorIndex
	gateway *Gateway

	redactor     *Redactor
	extractor    *Extractor
	consolidator *Consolidator
	ranker       *Ranker
	builder      *Builder
	applier      *Applier

	locks    *lockTable
	timeouts Timeouts
	tracer   Tracer
	metrics  Metrics
	logger   *slog.Logger
}

// Option configures a Core.
type Option func(*coreConfig)

type coreConfig struct {
	logger       *slog.Logger
	tracer       Tracer
	metrics      Metrics
	timeouts     Timeouts
	weights      RankWeights
	tauSemantic  time.Duration
	tauEpisodic  time.Duration
	poolSize     int
	near         float64
	refer        float64
	estimator    TokenEstimator
	redactorOpts []RedactorOption
}

// WithLogger sets the structured logger for the core and its components.
func WithLogger(l *slog.Logger) Option {
	return func(c *coreConfig) { c.logger = l }
}

// WithTracer sets the Tracer for core operations. The observer package
// provides an OTEL-backed implementation.
func WithTracer(t Tracer) Option {
	return func(c *coreConfig) { c.tracer = t }
}

// WithMetrics sets the Metrics sink for core operations. The observer
// package provides an OTEL-backed implementation.
func WithMetrics(m Metrics) Option {
	return func(c *coreConfig) { c.metrics = m }
}

// WithTimeouts overrides the default per-operation deadlines.
func WithTimeouts(t Timeouts) Option {
	return func(c *coreConfig) { c.timeouts = t }
}

// WithRankWeights overrides the ranking signal weights.
func WithRankWeights(w RankWeights) Option {
	return func(c *coreConfig) { c.weights = w }
}

// WithRecencyTau overrides the recency decay time constants.
func WithRecencyTau(semantic, episodic time.Duration) Option {
	return func(c *coreConfig) {
		c.tauSemantic = semantic
		c.tauEpisodic = episodic
	}
}

// WithPoolSize sets the ranker candidate pool size.
func WithPoolSize(n int) Option {
	return func(c *coreConfig) { c.poolSize = n }
}

// WithConsolidationThresholds overrides the near-duplicate and weak
// association similarity cut-offs.
func WithConsolidationThresholds(near, refer float64) Option {
	return func(c *coreConfig) {
		c.near = near
		c.refer = refer
	}
}

// WithTokenEstimator sets the working-set token estimator.
func WithTokenEstimator(e TokenEstimator) Option {
	return func(c *coreConfig) { c.estimator = e }
}

// WithRedactorOptions forwards options to the core's Redactor.
func WithRedactorOptions(opts ...RedactorOption) Option {
	return func(c *coreConfig) { c.redactorOpts = append(c.redactorOpts, opts...) }
}

// New creates a Core over the given store, vector index, and embedding
// gateway.
func New(store Store, index VectorIndex, gateway *Gateway, opts ...Option) *Core {
	cfg := coreConfig{
		logger:      nopLogger,
		timeouts:    DefaultTimeouts(),
		weights:     DefaultRankWeights(),
		tauSemantic: DefaultTauSemantic,
		tauEpisodic: DefaultTauEpisodic,
		poolSize:    DefaultPoolSize,
		near:        0.94,
		refer:       0.86,
		estimator:   EstimateCharsOver4,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Core{
		store:     store,
		index:     index,
		gateway:   gateway,
		redactor:  NewRedactor(append([]RedactorOption{RedactorLogger(cfg.logger)}, cfg.redactorOpts...)...),
		extractor: NewExtractor(ExtractorLogger(cfg.logger)),
		consolidator: NewConsolidator(store, index, gateway,
			ConsolidationThresholds(cfg.near, cfg.refer),
			ConsolidatorLogger(cfg.logger)),
		ranker: NewRanker(store, index, gateway,
			RankerWeights(cfg.weights),
			RankerTau(cfg.tauSemantic, cfg.tauEpisodic),
			RankerPoolSize(cfg.poolSize),
			RankerLogger(cfg.logger)),
		builder:  NewBuilder(BuilderEstimator(cfg.estimator)),
		applier:  NewApplier(store, ApplierLogger(cfg.logger)),
		locks:    newLockTable(),
		timeouts: cfg.timeouts,
		tracer:   cfg.tracer,
		metrics:  cfg.metrics,
		logger:   cfg.logger,
	}
}

// Ingest redacts, extracts, and consolidates one batch of materials into
// the thread's memory. On deadline expiry the items persisted so far are
// returned alongside the context error; each candidate's persistence is
// individually atomic, so partial progress is safe.
func (c *Core) Ingest(ctx context.Context, workspace, thread string, m Materials) (IngestResult, error) {
	workspace = orDefault(workspace)
	var result IngestResult
	if thread == "" {
		return result, &ErrInvalidInput{Field: "thread_id", Reason: "empty"}
	}
	if m.Empty() {
		return result, &ErrInvalidInput{Field: "materials", Reason: "at least one of chat, diffs, logs required"}
	}

	ctx, cancel := c.withDeadline(ctx, c.timeouts.Ingest)
	defer cancel()
	ctx, span := c.startSpan(ctx, "mnemo.ingest",
		StringAttr("workspace", workspace), StringAttr("thread", thread))
	defer span.End()
	start := time.Now()

	type material struct {
		ct   ContentType
		body string
	}
	materials := []material{}
	if m.Chat != "" {
		materials = append(materials, material{ContentChat, m.Chat})
	}
	if m.Diffs != "" {
		materials = append(materials, material{ContentDiff, m.Diffs})
	}
	if m.Logs != "" {
		materials = append(materials, material{ContentLogs, m.Logs})
	}

	for _, mat := range materials {
		redacted := c.redactor.Redact(mat.body)
		artifact := Artifact{
			Workspace:   workspace,
			ThreadID:    thread,
			ContentType: mat.ct,
			Body:        redacted,
			CreatedAt:   NowUnix(),
		}
		artifactID, err := c.store.CreateArtifact(ctx, artifact)
		if err != nil {
			span.Error(err)
			return result, err
		}
		result.ArtifactIDs = append(result.ArtifactIDs, artifactID)
		artifact.ID = artifactID

		cands := c.extractor.Extract(artifact)
		cres, err := c.consolidator.Consolidate(ctx, workspace, thread, artifactID, cands)
		result.CreatedItemIDs = append(result.CreatedItemIDs, cres.CreatedIDs...)
		result.UpdatedItemIDs = append(result.UpdatedItemIDs, cres.UpdatedIDs...)
		result.Rejected = append(result.Rejected, cres.Rejected...)
		if err != nil {
			span.Error(err)
			return result, err
		}
	}

	span.SetAttr(IntAttr("created", len(result.CreatedItemIDs)),
		IntAttr("updated", len(result.UpdatedItemIDs)))
	if c.metrics != nil {
		c.metrics.IngestObserved(ctx, workspace,
			len(result.CreatedItemIDs), len(result.UpdatedItemIDs), time.Since(start))
	}
	c.logger.Info("ingested materials",
		"workspace", workspace, "thread", thread,
		"artifacts", len(result.ArtifactIDs),
		"created", len(result.CreatedItemIDs),
		"updated", len(result.UpdatedItemIDs),
		"rejected", len(result.Rejected))
	return result, nil
}

// Recall ranks memory against the purpose and returns a budgeted flat item
// list. Returned items have their last-accessed time touched.
func (c *Core) Recall(ctx context.Context, workspace, thread, purpose string, budget int, f Filter) (RecallResult, error) {
	workspace = orDefault(workspace)
	if purpose == "" {
		return RecallResult{}, &ErrInvalidInput{Field: "purpose", Reason: "empty"}
	}
	if budget <= 0 {
		return RecallResult{}, &ErrInvalidInput{Field: "token_budget", Reason: "must be positive"}
	}

	ctx, cancel := c.withDeadline(ctx, c.timeouts.Recall)
	defer cancel()
	ctx, span := c.startSpan(ctx, "mnemo.recall",
		StringAttr("workspace", workspace), StringAttr("thread", thread))
	defer span.End()
	start := time.Now()

	ranked, err := c.ranker.Rank(ctx, workspace, thread, purpose, f, 0)
	if err != nil {
		span.Error(err)
		if IsCancelled(err) {
			return RecallResult{}, err
		}
		return RecallResult{}, err
	}

	result := RecallResult{Items: []ScoredItem{}}
	estimate := c.builder.estimate
	for _, si := range ranked {
		cost := estimate(si.Summary)
		if result.TokensUsed+cost > budget {
			continue
		}
		result.Items = append(result.Items, si)
		result.TokensUsed += cost
	}
	result.TokensAvailable = budget - result.TokensUsed

	c.touchItems(ctx, workspace, result.Items)
	span.SetAttr(IntAttr("items", len(result.Items)), IntAttr("tokens_used", result.TokensUsed))
	if c.metrics != nil {
		c.metrics.RecallObserved(ctx, workspace, len(result.Items), time.Since(start))
	}
	return result, nil
}

// BuildWorkingSet ranks memory against the purpose and assembles the
// structured, budgeted working set. Assembly is all-or-nothing: a deadline
// mid-build fails the call rather than exposing a partial set.
func (c *Core) BuildWorkingSet(ctx context.Context, workspace, thread, purpose string, budget int, f Filter) (WorkingSet, error) {
	workspace = orDefault(workspace)
	if purpose == "" {
		return WorkingSet{}, &ErrInvalidInput{Field: "purpose", Reason: "empty"}
	}
	if budget <= 0 {
		return WorkingSet{}, &ErrInvalidInput{Field: "token_budget", Reason: "must be positive"}
	}

	ctx, cancel := c.withDeadline(ctx, c.timeouts.Build)
	defer cancel()
	ctx, span := c.startSpan(ctx, "mnemo.build_working_set",
		StringAttr("workspace", workspace), StringAttr("thread", thread))
	defer span.End()
	start := time.Now()

	ranked, err := c.ranker.Rank(ctx, workspace, thread, purpose, f, 0)
	if err != nil {
		span.Error(err)
		return WorkingSet{}, err
	}

	artifacts := make(map[string]Artifact)
	for _, si := range ranked {
		aid := si.SourceArtifactID
		if aid == "" {
			continue
		}
		if _, ok := artifacts[aid]; ok {
			continue
		}
		a, err := c.store.GetArtifact(ctx, workspace, aid)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			span.Error(err)
			return WorkingSet{}, err
		}
		artifacts[aid] = a
	}
	if err := ctx.Err(); err != nil {
		span.Error(err)
		return WorkingSet{}, err
	}

	ws := c.builder.Build(ranked, purpose, budget, artifacts)

	// Touch only the items that made it into the set.
	cited := map[string]bool{}
	var citedItems []ScoredItem
	for _, ids := range ws.Citations {
		for _, id := range ids {
			cited[id] = true
		}
	}
	for _, si := range ranked {
		if cited[si.ID] {
			citedItems = append(citedItems, si)
		}
	}
	c.touchItems(ctx, workspace, citedItems)

	span.SetAttr(IntAttr("tokens_used", ws.TokensUsed))
	if c.metrics != nil {
		c.metrics.RecallObserved(ctx, workspace, len(citedItems), time.Since(start))
	}
	return ws, nil
}

// Expand returns the full item record and, for ExpandFull, the raw
// redacted artifact span the item was extracted from.
func (c *Core) Expand(ctx context.Context, workspace, itemID string, form ExpandForm) (ExpandResult, error) {
	workspace = orDefault(workspace)
	if form != ExpandSummary && form != ExpandFull {
		return ExpandResult{}, &ErrInvalidInput{Field: "form", Reason: "want summary or full"}
	}

	items, err := c.store.GetItems(ctx, workspace, []string{itemID})
	if err != nil {
		return ExpandResult{}, err
	}
	if len(items) == 0 {
		return ExpandResult{}, &ErrNotFound{ID: itemID}
	}
	res := ExpandResult{Item: items[0]}
	if form == ExpandSummary {
		return res, nil
	}

	a, err := c.store.GetArtifact(ctx, workspace, res.Item.SourceArtifactID)
	if err != nil {
		return ExpandResult{}, err
	}
	start, end := res.Item.SpanStart, res.Item.SpanEnd
	if start < 0 {
		start = 0
	}
	if end > len(a.Body) {
		end = len(a.Body)
	}
	if start > end {
		start = end
	}
	res.Raw = a.Body[start:end]
	return res, nil
}

// Feedback applies one feedback signal to an item under its write lock.
func (c *Core) Feedback(ctx context.Context, workspace, itemID string, signal Signal, magnitude float64, actor, canonicalID, comment string) (FeedbackResult, error) {
	workspace = orDefault(workspace)
	ctx, cancel := c.withDeadline(ctx, c.timeouts.Feedback)
	defer cancel()
	ctx, span := c.startSpan(ctx, "mnemo.feedback",
		StringAttr("workspace", workspace), StringAttr("item", itemID), StringAttr("signal", string(signal)))
	defer span.End()

	unlock := c.locks.lock(workspace, itemID)
	defer unlock()

	res, err := c.applier.Apply(ctx, workspace, itemID, signal, magnitude, actor, canonicalID, comment)
	if err != nil {
		span.Error(err)
		return res, err
	}
	span.SetAttr(Float64Attr("salience_delta", res.Delta))
	if c.metrics != nil {
		c.metrics.FeedbackObserved(ctx, workspace, signal)
	}
	return res, nil
}

// touchItems updates last-accessed times, best effort.
func (c *Core) touchItems(ctx context.Context, workspace string, items []ScoredItem) {
	for _, si := range items {
		if _, err := c.store.UpdateItem(ctx, workspace, si.ID, Mutation{TouchAccess: true}); err != nil {
			c.logger.Debug("touch failed", "item", si.ID, "error", err)
			return
		}
	}
}

func (c *Core) withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// startSpan opens a span when a tracer is configured; otherwise it returns
// a no-op span so call sites stay unconditional.
func (c *Core) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if c.tracer == nil {
		return ctx, nopSpan{}
	}
	return c.tracer.Start(ctx, name, attrs...)
}

type nopSpan struct{}

func (nopSpan) SetAttr(...SpanAttr)       {}
func (nopSpan) Event(string, ...SpanAttr) {}
func (nopSpan) Error(error)               {}
func (nopSpan) End()                      {}

func orDefault(workspace string) string {
	if workspace == "" {
		return DefaultWorkspace
	}
	return workspace
}
