// Package postgres implements mnemo.Store and mnemo.VectorIndex using
// PostgreSQL with pgvector for native cosine similarity search.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/mnemo"
)

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

type pgConfig struct {
	embeddingDimension int // 0 = untyped vector column
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
}

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536).
// When set, CREATE TABLE uses vector(N) instead of untyped vector,
// catching dimension mismatches at insert time. Only affects new table
// creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// Store implements mnemo.Store and mnemo.VectorIndex backed by PostgreSQL
// with pgvector. Vector search orders by cosine distance. Init creates an
// HNSW index only when an embedding dimension is configured; with an
// untyped vector column no vector index is built and the HNSW options
// have no effect.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

var (
	_ mnemo.Store       = (*Store)(nil)
	_ mnemo.VectorIndex = (*Store)(nil)
)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the schema. Requires the pgvector extension.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			workspace_id TEXT NOT NULL,
			id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (workspace_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			workspace_id TEXT NOT NULL,
			id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			subtype TEXT NOT NULL,
			summary TEXT NOT NULL,
			body TEXT NOT NULL,
			salience DOUBLE PRECISION NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			retired_at BIGINT NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'active',
			payload_json TEXT NOT NULL DEFAULT '',
			source_artifact_id TEXT NOT NULL DEFAULT '',
			span_start INTEGER NOT NULL DEFAULT 0,
			span_end INTEGER NOT NULL DEFAULT 0,
			content_hash BIGINT NOT NULL,
			embedding_model_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (workspace_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_thread
			ON items (workspace_id, thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_items_hash
			ON items (workspace_id, content_hash)`,
		`CREATE TABLE IF NOT EXISTS links (
			workspace_id TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE (workspace_id, from_id, to_id, type)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vectors (
			workspace_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			embedding %s NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE (workspace_id, item_id, model_id)
		)`, s.vectorType()),
		`CREATE TABLE IF NOT EXISTS feedback (
			workspace_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			signal TEXT NOT NULL,
			magnitude DOUBLE PRECISION NOT NULL,
			at BIGINT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS id_counters (
			workspace_id TEXT NOT NULL,
			class TEXT NOT NULL,
			next BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (workspace_id, class)
		)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	if s.cfg.embeddingDimension > 0 {
		idx := `CREATE INDEX IF NOT EXISTS idx_vectors_hnsw
			ON vectors USING hnsw (embedding vector_cosine_ops)` + s.hnswWithClause()
		if _, err := s.pool.Exec(ctx, idx); err != nil {
			return fmt.Errorf("init hnsw index: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is externally owned.
func (s *Store) Close() error { return nil }

// --- identifiers ---

func (s *Store) MintID(ctx context.Context, workspace string, class mnemo.IDClass) (string, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO id_counters (workspace_id, class, next) VALUES ($1, $2, 1)
		 ON CONFLICT (workspace_id, class) DO UPDATE SET next = id_counters.next + 1
		 RETURNING next`,
		workspace, string(rune(class))).Scan(&n)
	if err != nil {
		return "", err
	}
	return mnemo.FormatID(class, n), nil
}

// --- artifacts ---

func (s *Store) CreateArtifact(ctx context.Context, a mnemo.Artifact) (string, error) {
	id, err := s.MintID(ctx, a.Workspace, mnemo.ClassArtifact)
	if err != nil {
		return "", err
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().Unix()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO artifacts (workspace_id, id, thread_id, content_type, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.Workspace, id, a.ThreadID, string(a.ContentType), a.Body, a.CreatedAt)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetArtifact(ctx context.Context, workspace, id string) (mnemo.Artifact, error) {
	var a mnemo.Artifact
	var ct string
	err := s.pool.QueryRow(ctx,
		`SELECT workspace_id, id, thread_id, content_type, body, created_at
		 FROM artifacts WHERE workspace_id = $1 AND id = $2`,
		workspace, id).Scan(&a.Workspace, &a.ID, &a.ThreadID, &ct, &a.Body, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mnemo.Artifact{}, &mnemo.ErrNotFound{ID: id}
	}
	if err != nil {
		return mnemo.Artifact{}, err
	}
	a.ContentType = mnemo.ContentType(ct)
	return a, nil
}

// --- items ---

const itemColumns = `workspace_id, id, thread_id, kind, subtype, summary, body,
	salience, usage_count, last_accessed_at, created_at, retired_at, state,
	payload_json, source_artifact_id, span_start, span_end, content_hash,
	embedding_model_id`

type rowScanner interface{ Scan(...any) error }

func scanItem(sc rowScanner) (mnemo.Item, error) {
	var it mnemo.Item
	var kind, subtype, state, payload string
	var hash int64
	err := sc.Scan(&it.Workspace, &it.ID, &it.ThreadID, &kind, &subtype,
		&it.Summary, &it.Body, &it.Salience, &it.UsageCount,
		&it.LastAccessedAt, &it.CreatedAt, &it.RetiredAt, &state,
		&payload, &it.SourceArtifactID, &it.SpanStart, &it.SpanEnd,
		&hash, &it.EmbeddingModelID)
	if err != nil {
		return it, err
	}
	it.Kind = mnemo.Kind(kind)
	it.Subtype = mnemo.Subtype(subtype)
	it.State = mnemo.State(state)
	it.ContentHash = uint64(hash)
	it.Payload = parsePayload(payload)
	return it, nil
}

func (s *Store) CreateItem(ctx context.Context, it mnemo.Item) error {
	if it.State == "" {
		it.State = mnemo.StateActive
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO items (`+itemColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		it.Workspace, it.ID, it.ThreadID, string(it.Kind), string(it.Subtype),
		it.Summary, it.Body, it.Salience, it.UsageCount, it.LastAccessedAt,
		it.CreatedAt, it.RetiredAt, string(it.State),
		mnemo.PayloadJSON(it.Payload), it.SourceArtifactID,
		it.SpanStart, it.SpanEnd, int64(it.ContentHash), it.EmbeddingModelID)
	return err
}

func (s *Store) GetItems(ctx context.Context, workspace string, ids []string) ([]mnemo.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE workspace_id = $1 AND id = ANY($2)`,
		workspace, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]mnemo.Item)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		byID[it.ID] = it
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]mnemo.Item, 0, len(byID))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *Store) UpdateItem(ctx context.Context, workspace, id string, m mnemo.Mutation) (mnemo.Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mnemo.Item{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE workspace_id = $1 AND id = $2 FOR UPDATE`,
		workspace, id)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return mnemo.Item{}, &mnemo.ErrNotFound{ID: id}
	}
	if err != nil {
		return mnemo.Item{}, err
	}

	now := time.Now().Unix()
	if m.Summary != nil {
		it.Summary = *m.Summary
	}
	if m.Body != nil {
		it.Body = *m.Body
	}
	if len(m.Payload) > 0 {
		if it.Payload == nil {
			it.Payload = map[string]string{}
		}
		for k, v := range m.Payload {
			it.Payload[k] = v
		}
	}
	if m.SalienceDelta != nil {
		it.Salience += *m.SalienceDelta
		if it.Salience < 0 {
			it.Salience = 0
		}
		if it.Salience > 1 {
			it.Salience = 1
		}
	}
	if m.UsageIncrement > 0 {
		it.UsageCount += m.UsageIncrement
	}
	if m.TouchAccess {
		it.LastAccessedAt = now
	}
	if m.Retired != nil && *m.Retired && it.State != mnemo.StateRetired {
		it.State = mnemo.StateRetired
		it.RetiredAt = now
	}
	if m.EmbeddingModel != nil {
		it.EmbeddingModelID = *m.EmbeddingModel
	}
	if m.ContentHash != nil {
		it.ContentHash = *m.ContentHash
	}

	_, err = tx.Exec(ctx,
		`UPDATE items SET summary = $1, body = $2, salience = $3, usage_count = $4,
			last_accessed_at = $5, retired_at = $6, state = $7, payload_json = $8,
			content_hash = $9, embedding_model_id = $10
		 WHERE workspace_id = $11 AND id = $12`,
		it.Summary, it.Body, it.Salience, it.UsageCount,
		it.LastAccessedAt, it.RetiredAt, string(it.State),
		mnemo.PayloadJSON(it.Payload), int64(it.ContentHash), it.EmbeddingModelID,
		workspace, id)
	if err != nil {
		return mnemo.Item{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return mnemo.Item{}, err
	}
	return it, nil
}

func (s *Store) LookupByHash(ctx context.Context, workspace string, hash uint64) (mnemo.Item, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE workspace_id = $1 AND content_hash = $2 AND state != 'retired'
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		workspace, int64(hash))
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return mnemo.Item{}, false, nil
	}
	if err != nil {
		return mnemo.Item{}, false, err
	}
	return it, true, nil
}

func (s *Store) ListCandidates(ctx context.Context, workspace string, f mnemo.Filter, limit int) ([]mnemo.Item, error) {
	q := `SELECT ` + itemColumns + ` FROM items WHERE workspace_id = $1`
	args := []any{workspace}
	if !f.CrossThread && f.ThreadID != "" {
		args = append(args, f.ThreadID)
		q += ` AND thread_id = $` + strconv.Itoa(len(args))
	}
	if !f.IncludeRetired {
		q += ` AND state != 'retired'`
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mnemo.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if !f.Matches(it) {
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// --- links ---

func (s *Store) AddLink(ctx context.Context, l mnemo.Link) error {
	if l.FromID == l.ToID {
		return &mnemo.ErrConflict{FromID: l.FromID, ToID: l.ToID, Reason: "self link"}
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().Unix()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, id := range []string{l.FromID, l.ToID} {
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM items WHERE workspace_id = $1 AND id = $2`, l.Workspace, id).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return &mnemo.ErrNotFound{ID: id}
		}
		if err != nil {
			return err
		}
	}

	existing, err := loadLinks(ctx, tx, l.Workspace)
	if err != nil {
		return err
	}

	switch l.Type {
	case mnemo.LinkSupersedes:
		if mnemo.SupersedesWouldCycle(existing, l.FromID, l.ToID) {
			return &mnemo.ErrConflict{FromID: l.FromID, ToID: l.ToID, Reason: "supersedes cycle"}
		}
		if mnemo.HasSuperseder(existing, l.ToID) {
			return &mnemo.ErrConflict{FromID: l.FromID, ToID: l.ToID, Reason: "target already superseded"}
		}
	case mnemo.LinkDuplicateOf:
		l.ToID = mnemo.ResolveDuplicateTarget(existing, l.ToID)
		if l.ToID == l.FromID {
			return &mnemo.ErrConflict{FromID: l.FromID, ToID: l.ToID, Reason: "duplicate of self"}
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO links (workspace_id, from_id, to_id, type, created_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		l.Workspace, l.FromID, l.ToID, string(l.Type), l.CreatedAt); err != nil {
		return err
	}

	switch l.Type {
	case mnemo.LinkSupersedes:
		if _, err := tx.Exec(ctx,
			`UPDATE items SET state = 'superseded'
			 WHERE workspace_id = $1 AND id = $2 AND state = 'active'`,
			l.Workspace, l.ToID); err != nil {
			return err
		}
	case mnemo.LinkDuplicateOf:
		if _, err := tx.Exec(ctx,
			`UPDATE links SET to_id = $1
			 WHERE workspace_id = $2 AND type = 'duplicate_of' AND to_id = $3`,
			l.ToID, l.Workspace, l.FromID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func loadLinks(ctx context.Context, tx pgx.Tx, workspace string) ([]mnemo.Link, error) {
	rows, err := tx.Query(ctx,
		`SELECT workspace_id, from_id, to_id, type, created_at
		 FROM links WHERE workspace_id = $1`, workspace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mnemo.Link
	for rows.Next() {
		var l mnemo.Link
		var typ string
		if err := rows.Scan(&l.Workspace, &l.FromID, &l.ToID, &typ, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Type = mnemo.LinkType(typ)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) GetLinks(ctx context.Context, workspace string, itemIDs []string) ([]mnemo.Link, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT workspace_id, from_id, to_id, type, created_at FROM links
		 WHERE workspace_id = $1 AND (from_id = ANY($2) OR to_id = ANY($2))`,
		workspace, itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mnemo.Link
	for rows.Next() {
		var l mnemo.Link
		var typ string
		if err := rows.Scan(&l.Workspace, &l.FromID, &l.ToID, &typ, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Type = mnemo.LinkType(typ)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- feedback ---

func (s *Store) AppendFeedback(ctx context.Context, rec mnemo.FeedbackRecord) error {
	if rec.At == 0 {
		rec.At = time.Now().Unix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback (workspace_id, item_id, signal, magnitude, at, actor, comment)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Workspace, rec.ItemID, string(rec.Signal), rec.Magnitude, rec.At, rec.Actor, rec.Comment)
	return err
}

// --- vector index ---

func (s *Store) Upsert(ctx context.Context, workspace, itemID string, vec []float32, modelID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vectors (workspace_id, item_id, model_id, embedding, created_at)
		 VALUES ($1, $2, $3, $4::vector, $5)
		 ON CONFLICT (workspace_id, item_id, model_id)
		 DO UPDATE SET embedding = EXCLUDED.embedding, created_at = EXCLUDED.created_at`,
		workspace, itemID, modelID, vectorLiteral(vec), time.Now().Unix())
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE items SET embedding_model_id = $1 WHERE workspace_id = $2 AND id = $3`,
		modelID, workspace, itemID)
	return err
}

// Search delegates the distance scan to pgvector, over-fetching slightly
// so exact similarity ties can be re-broken by ascending item identifier.
func (s *Store) Search(ctx context.Context, workspace string, query []float32, k int, f mnemo.VectorFilter) ([]mnemo.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	if k > mnemo.TopKCap {
		k = mnemo.TopKCap
	}

	q := `SELECT v.item_id, 1 - (v.embedding <=> $1::vector) AS similarity, i.subtype
	      FROM vectors v JOIN items i
	        ON i.workspace_id = v.workspace_id AND i.id = v.item_id
	      WHERE v.workspace_id = $2 AND v.model_id = $3`
	args := []any{vectorLiteral(query), workspace, f.ModelID}
	if f.ThreadID != "" {
		args = append(args, f.ThreadID)
		q += ` AND i.thread_id = $` + strconv.Itoa(len(args))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		q += ` AND i.kind = $` + strconv.Itoa(len(args))
	}
	if !f.IncludeRetired {
		q += ` AND i.state != 'retired'`
	}
	args = append(args, k+16)
	q += ` ORDER BY v.embedding <=> $1::vector LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subtypes := map[mnemo.Subtype]bool{}
	for _, st := range f.Subtypes {
		subtypes[st] = true
	}

	var matches []mnemo.VectorMatch
	for rows.Next() {
		var itemID, subtype string
		var sim float64
		if err := rows.Scan(&itemID, &sim, &subtype); err != nil {
			return nil, err
		}
		if len(subtypes) > 0 && !subtypes[mnemo.Subtype(subtype)] {
			continue
		}
		matches = append(matches, mnemo.VectorMatch{ItemID: itemID, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return mnemo.IDLess(matches[i].ItemID, matches[j].ItemID)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *Store) Delete(ctx context.Context, workspace, itemID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM vectors WHERE workspace_id = $1 AND item_id = $2`, workspace, itemID)
	return err
}

// vectorLiteral renders a float slice as a pgvector input literal.
func vectorLiteral(vec []float32) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func parsePayload(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
