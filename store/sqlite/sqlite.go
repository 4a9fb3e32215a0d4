// Package sqlite implements mnemo.Store and mnemo.VectorIndex using
// pure-Go SQLite with in-process brute-force cosine similarity. Zero CGO
// required.
//
// Swap in a different backend (e.g. pgvector) by implementing the same
// interfaces with your own package; store/postgres does exactly that.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/mnemo"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements mnemo.Store and mnemo.VectorIndex backed by a local
// SQLite file. Embeddings are stored as JSON text and vector search is
// done in-process using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ mnemo.Store       = (*Store)(nil)
	_ mnemo.VectorIndex = (*Store)(nil)
)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// A single shared connection serializes all writers, eliminating
// SQLITE_BUSY errors from concurrent connections; per-item mutations run
// inside transactions so each is atomic.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			workspace_id TEXT NOT NULL,
			id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
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
			salience REAL NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			retired_at INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'active',
			payload_json TEXT NOT NULL DEFAULT '',
			source_artifact_id TEXT NOT NULL DEFAULT '',
			span_start INTEGER NOT NULL DEFAULT 0,
			span_end INTEGER NOT NULL DEFAULT 0,
			content_hash INTEGER NOT NULL,
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
			created_at INTEGER NOT NULL,
			UNIQUE (workspace_id, from_id, to_id, type)
		)`,
		`CREATE TABLE IF NOT EXISTS vectors (
			workspace_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			embedding TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (workspace_id, item_id, model_id)
		)`,
		`CREATE TABLE IF NOT EXISTS feedback (
			workspace_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			signal TEXT NOT NULL,
			magnitude REAL NOT NULL,
			at INTEGER NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS id_counters (
			workspace_id TEXT NOT NULL,
			class TEXT NOT NULL,
			next INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (workspace_id, class)
		)`,
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- identifiers ---

// MintID increments and returns the per-(workspace, class) sequence.
// Sequences start at 1 and never reuse a value, even after retirement.
func (s *Store) MintID(ctx context.Context, workspace string, class mnemo.IDClass) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	cls := string(rune(class))
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO id_counters (workspace_id, class, next) VALUES (?, ?, 0)`,
		workspace, cls); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE id_counters SET next = next + 1 WHERE workspace_id = ? AND class = ?`,
		workspace, cls); err != nil {
		return "", err
	}
	var n int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next FROM id_counters WHERE workspace_id = ? AND class = ?`,
		workspace, cls).Scan(&n); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (workspace_id, id, thread_id, content_type, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.Workspace, id, a.ThreadID, string(a.ContentType), a.Body, a.CreatedAt)
	if err != nil {
		return "", err
	}
	s.logger.Debug("artifact created", "workspace", a.Workspace, "id", id, "content_type", string(a.ContentType))
	return id, nil
}

func (s *Store) GetArtifact(ctx context.Context, workspace, id string) (mnemo.Artifact, error) {
	var a mnemo.Artifact
	var ct string
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, id, thread_id, content_type, body, created_at
		 FROM artifacts WHERE workspace_id = ? AND id = ?`,
		workspace, id).Scan(&a.Workspace, &a.ID, &a.ThreadID, &ct, &a.Body, &a.CreatedAt)
	if err == sql.ErrNoRows {
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

func (s *Store) CreateItem(ctx context.Context, it mnemo.Item) error {
	if it.State == "" {
		it.State = mnemo.StateActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (`+itemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.Workspace, it.ID, it.ThreadID, string(it.Kind), string(it.Subtype),
		it.Summary, it.Body, it.Salience, it.UsageCount, it.LastAccessedAt,
		it.CreatedAt, it.RetiredAt, string(it.State),
		mnemo.PayloadJSON(it.Payload), it.SourceArtifactID,
		it.SpanStart, it.SpanEnd, int64(it.ContentHash), it.EmbeddingModelID)
	return err
}

func scanItem(sc interface{ Scan(...any) error }) (mnemo.Item, error) {
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

// GetItems returns item records in the order of ids; missing ids are
// omitted.
func (s *Store) GetItems(ctx context.Context, workspace string, ids []string) ([]mnemo.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, workspace)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE workspace_id = ? AND id IN (`+placeholders+`)`,
		args...)
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

// UpdateItem applies the mutation inside one transaction so concurrent
// mutations of the same item serialize into some total order.
func (s *Store) UpdateItem(ctx context.Context, workspace, id string, m mnemo.Mutation) (mnemo.Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mnemo.Item{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE workspace_id = ? AND id = ?`,
		workspace, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
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

	_, err = tx.ExecContext(ctx,
		`UPDATE items SET summary = ?, body = ?, salience = ?, usage_count = ?,
			last_accessed_at = ?, retired_at = ?, state = ?, payload_json = ?,
			content_hash = ?, embedding_model_id = ?
		 WHERE workspace_id = ? AND id = ?`,
		it.Summary, it.Body, it.Salience, it.UsageCount,
		it.LastAccessedAt, it.RetiredAt, string(it.State),
		mnemo.PayloadJSON(it.Payload), int64(it.ContentHash), it.EmbeddingModelID,
		workspace, id)
	if err != nil {
		return mnemo.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return mnemo.Item{}, err
	}
	return it, nil
}

// LookupByHash returns the oldest non-retired item with the content hash.
func (s *Store) LookupByHash(ctx context.Context, workspace string, hash uint64) (mnemo.Item, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE workspace_id = ? AND content_hash = ? AND state != 'retired'
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		workspace, int64(hash))
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return mnemo.Item{}, false, nil
	}
	if err != nil {
		return mnemo.Item{}, false, err
	}
	return it, true, nil
}

// ListCandidates returns filtered items newest first.
func (s *Store) ListCandidates(ctx context.Context, workspace string, f mnemo.Filter, limit int) ([]mnemo.Item, error) {
	q := `SELECT ` + itemColumns + ` FROM items WHERE workspace_id = ?`
	args := []any{workspace}
	if !f.CrossThread && f.ThreadID != "" {
		q += ` AND thread_id = ?`
		args = append(args, f.ThreadID)
	}
	if !f.IncludeRetired {
		q += ` AND state != 'retired'`
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
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

// AddLink validates and persists one edge. Supersedes edges are checked
// for cycles and double supersession; duplicate_of edges are resolved to
// the canonical item so chains keep length 1. Duplicate edges are ignored.
func (s *Store) AddLink(ctx context.Context, l mnemo.Link) error {
	if l.FromID == l.ToID {
		return &mnemo.ErrConflict{FromID: l.FromID, ToID: l.ToID, Reason: "self link"}
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().Unix()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Both endpoints must exist in this workspace; anything else reads as
	// not found so existence never leaks across workspaces.
	for _, id := range []string{l.FromID, l.ToID} {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM items WHERE workspace_id = ? AND id = ?`, l.Workspace, id).Scan(&one)
		if err == sql.ErrNoRows {
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

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO links (workspace_id, from_id, to_id, type, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		l.Workspace, l.FromID, l.ToID, string(l.Type), l.CreatedAt); err != nil {
		return err
	}

	switch l.Type {
	case mnemo.LinkSupersedes:
		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET state = 'superseded'
			 WHERE workspace_id = ? AND id = ? AND state = 'active'`,
			l.Workspace, l.ToID); err != nil {
			return err
		}
	case mnemo.LinkDuplicateOf:
		// Re-point any chain that ended at the new duplicate, keeping
		// every chain at length 1.
		if _, err := tx.ExecContext(ctx,
			`UPDATE OR REPLACE links SET to_id = ?
			 WHERE workspace_id = ? AND type = 'duplicate_of' AND to_id = ?`,
			l.ToID, l.Workspace, l.FromID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func loadLinks(ctx context.Context, tx *sql.Tx, workspace string) ([]mnemo.Link, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT workspace_id, from_id, to_id, type, created_at
		 FROM links WHERE workspace_id = ?`, workspace)
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

// GetLinks returns all links touching any of the given items.
func (s *Store) GetLinks(ctx context.Context, workspace string, itemIDs []string) ([]mnemo.Link, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(itemIDs)), ",")
	args := make([]any, 0, 2*len(itemIDs)+1)
	args = append(args, workspace)
	for i := 0; i < 2; i++ {
		for _, id := range itemIDs {
			args = append(args, id)
		}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT workspace_id, from_id, to_id, type, created_at FROM links
		 WHERE workspace_id = ? AND (from_id IN (`+placeholders+`) OR to_id IN (`+placeholders+`))`,
		args...)
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (workspace_id, item_id, signal, magnitude, at, actor, comment)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Workspace, rec.ItemID, string(rec.Signal), rec.Magnitude, rec.At, rec.Actor, rec.Comment)
	return err
}

// --- vector index ---

// Upsert replaces any prior vector for (item_id, model_id) and stamps the
// item with the model id.
func (s *Store) Upsert(ctx context.Context, workspace, itemID string, vec []float32, modelID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vectors (workspace_id, item_id, model_id, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id, item_id, model_id)
		 DO UPDATE SET embedding = excluded.embedding, created_at = excluded.created_at`,
		workspace, itemID, modelID, serializeEmbedding(vec), time.Now().Unix())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE items SET embedding_model_id = ? WHERE workspace_id = ? AND id = ?`,
		modelID, workspace, itemID)
	return err
}

// Search scans the workspace's vectors for the active model and returns
// the top matches by cosine similarity. Exact ties break by ascending item
// identifier. k is capped at mnemo.TopKCap.
func (s *Store) Search(ctx context.Context, workspace string, query []float32, k int, f mnemo.VectorFilter) ([]mnemo.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	if k > mnemo.TopKCap {
		k = mnemo.TopKCap
	}

	q := `SELECT v.item_id, v.embedding, i.thread_id, i.kind, i.subtype, i.state
	      FROM vectors v JOIN items i
	        ON i.workspace_id = v.workspace_id AND i.id = v.item_id
	      WHERE v.workspace_id = ? AND v.model_id = ?`
	args := []any{workspace, f.ModelID}
	if f.ThreadID != "" {
		q += ` AND i.thread_id = ?`
		args = append(args, f.ThreadID)
	}
	if f.Kind != "" {
		q += ` AND i.kind = ?`
		args = append(args, string(f.Kind))
	}
	if !f.IncludeRetired {
		q += ` AND i.state != 'retired'`
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
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
		var itemID, emb, thread, kind, subtype, state string
		if err := rows.Scan(&itemID, &emb, &thread, &kind, &subtype, &state); err != nil {
			return nil, err
		}
		if len(subtypes) > 0 && !subtypes[mnemo.Subtype(subtype)] {
			continue
		}
		vec := deserializeEmbedding(emb)
		if len(vec) == 0 {
			continue
		}
		matches = append(matches, mnemo.VectorMatch{
			ItemID:     itemID,
			Similarity: mnemo.CosineSimilarity(query, vec),
		})
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

// Delete removes all vectors for the item.
func (s *Store) Delete(ctx context.Context, workspace, itemID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE workspace_id = ? AND item_id = ?`, workspace, itemID)
	return err
}
