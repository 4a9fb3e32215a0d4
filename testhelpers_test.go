package mnemo

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"
)

func mustCompile(expr string) *regexp.Regexp { return regexp.MustCompile(expr) }

// --- in-memory fake store + vector index ---

// memStore implements Store and VectorIndex in memory for component tests.
// It mirrors the backend semantics: per-item atomic mutations, saturated
// salience, link invariants validated on write, newest-first candidates.
type memStore struct {
	mu        sync.Mutex
	items     map[string]map[string]Item // workspace -> id -> item
	artifacts map[string]map[string]Artifact
	links     map[string][]Link
	feedback  []FeedbackRecord
	counters  map[string]map[IDClass]int64
	vectors   map[string]map[string]memVector // workspace -> item -> vector
	clock     int64
}

type memVector struct {
	vec     []float32
	modelID string
}

func newMemStore() *memStore {
	return &memStore{
		items:     map[string]map[string]Item{},
		artifacts: map[string]map[string]Artifact{},
		links:     map[string][]Link{},
		counters:  map[string]map[IDClass]int64{},
		vectors:   map[string]map[string]memVector{},
		clock:     time.Now().Unix(),
	}
}

var (
	_ Store       = (*memStore)(nil)
	_ VectorIndex = (*memStore)(nil)
)

// tick advances the fake clock so created items get distinct timestamps.
func (s *memStore) tick() int64 {
	s.clock++
	return s.clock
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) MintID(_ context.Context, workspace string, class IDClass) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[workspace] == nil {
		s.counters[workspace] = map[IDClass]int64{}
	}
	s.counters[workspace][class]++
	return FormatID(class, s.counters[workspace][class]), nil
}

func (s *memStore) CreateArtifact(ctx context.Context, a Artifact) (string, error) {
	id, _ := s.MintID(ctx, a.Workspace, ClassArtifact)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt == 0 {
		a.CreatedAt = s.tick()
	}
	a.ID = id
	if s.artifacts[a.Workspace] == nil {
		s.artifacts[a.Workspace] = map[string]Artifact{}
	}
	s.artifacts[a.Workspace][id] = a
	return id, nil
}

func (s *memStore) GetArtifact(_ context.Context, workspace, id string) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[workspace][id]
	if !ok {
		return Artifact{}, &ErrNotFound{ID: id}
	}
	return a, nil
}

func (s *memStore) CreateItem(_ context.Context, it Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.State == "" {
		it.State = StateActive
	}
	if it.CreatedAt == 0 {
		it.CreatedAt = s.tick()
	} else {
		s.tick()
	}
	if s.items[it.Workspace] == nil {
		s.items[it.Workspace] = map[string]Item{}
	}
	s.items[it.Workspace][it.ID] = it
	return nil
}

func (s *memStore) GetItems(_ context.Context, workspace string, ids []string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, id := range ids {
		if it, ok := s.items[workspace][id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *memStore) UpdateItem(_ context.Context, workspace, id string, m Mutation) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[workspace][id]
	if !ok {
		return Item{}, &ErrNotFound{ID: id}
	}
	now := s.tick()
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
	if m.Retired != nil && *m.Retired && it.State != StateRetired {
		it.State = StateRetired
		it.RetiredAt = now
	}
	if m.EmbeddingModel != nil {
		it.EmbeddingModelID = *m.EmbeddingModel
	}
	if m.ContentHash != nil {
		it.ContentHash = *m.ContentHash
	}
	s.items[workspace][id] = it
	return it, nil
}

func (s *memStore) LookupByHash(_ context.Context, workspace string, hash uint64) (Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Item
	found := false
	for _, it := range s.items[workspace] {
		if it.ContentHash != hash || it.State == StateRetired {
			continue
		}
		if !found || IDLess(it.ID, best.ID) {
			best = it
			found = true
		}
	}
	return best, found, nil
}

func (s *memStore) AddLink(_ context.Context, l Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.FromID == l.ToID {
		return &ErrConflict{FromID: l.FromID, ToID: l.ToID, Reason: "self link"}
	}
	for _, id := range []string{l.FromID, l.ToID} {
		if _, ok := s.items[l.Workspace][id]; !ok {
			return &ErrNotFound{ID: id}
		}
	}
	existing := s.links[l.Workspace]
	switch l.Type {
	case LinkSupersedes:
		if SupersedesWouldCycle(existing, l.FromID, l.ToID) {
			return &ErrConflict{FromID: l.FromID, ToID: l.ToID, Reason: "supersedes cycle"}
		}
		if HasSuperseder(existing, l.ToID) {
			return &ErrConflict{FromID: l.FromID, ToID: l.ToID, Reason: "target already superseded"}
		}
	case LinkDuplicateOf:
		l.ToID = ResolveDuplicateTarget(existing, l.ToID)
		if l.ToID == l.FromID {
			return &ErrConflict{FromID: l.FromID, ToID: l.ToID, Reason: "duplicate of self"}
		}
	}
	for _, e := range existing {
		if e.FromID == l.FromID && e.ToID == l.ToID && e.Type == l.Type {
			return nil
		}
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = s.tick()
	}
	s.links[l.Workspace] = append(existing, l)

	switch l.Type {
	case LinkSupersedes:
		if it, ok := s.items[l.Workspace][l.ToID]; ok && it.State == StateActive {
			it.State = StateSuperseded
			s.items[l.Workspace][l.ToID] = it
		}
	case LinkDuplicateOf:
		for i, e := range s.links[l.Workspace] {
			if e.Type == LinkDuplicateOf && e.ToID == l.FromID {
				s.links[l.Workspace][i].ToID = l.ToID
			}
		}
	}
	return nil
}

func (s *memStore) GetLinks(_ context.Context, workspace string, itemIDs []string) ([]Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range itemIDs {
		want[id] = true
	}
	var out []Link
	for _, l := range s.links[workspace] {
		if want[l.FromID] || want[l.ToID] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) AppendFeedback(_ context.Context, rec FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, rec)
	return nil
}

func (s *memStore) ListCandidates(_ context.Context, workspace string, f Filter, limit int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, it := range s.items[workspace] {
		if f.Matches(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return IDLess(out[j].ID, out[i].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- vector index ---

func (s *memStore) Upsert(_ context.Context, workspace, itemID string, vec []float32, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vectors[workspace] == nil {
		s.vectors[workspace] = map[string]memVector{}
	}
	s.vectors[workspace][itemID] = memVector{vec: vec, modelID: modelID}
	return nil
}

func (s *memStore) Search(_ context.Context, workspace string, query []float32, k int, f VectorFilter) ([]VectorMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k > TopKCap {
		k = TopKCap
	}
	subtypes := map[Subtype]bool{}
	for _, st := range f.Subtypes {
		subtypes[st] = true
	}
	var out []VectorMatch
	for id, v := range s.vectors[workspace] {
		if v.modelID != f.ModelID {
			continue
		}
		it, ok := s.items[workspace][id]
		if !ok {
			continue
		}
		if f.ThreadID != "" && it.ThreadID != f.ThreadID {
			continue
		}
		if f.Kind != "" && it.Kind != f.Kind {
			continue
		}
		if !f.IncludeRetired && it.State == StateRetired {
			continue
		}
		if len(subtypes) > 0 && !subtypes[it.Subtype] {
			continue
		}
		out = append(out, VectorMatch{ItemID: id, Similarity: CosineSimilarity(query, v.vec)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return IDLess(out[i].ItemID, out[j].ItemID)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, workspace, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vectors[workspace], itemID)
	return nil
}

// --- fake embedding provider ---

// fakeEmbedder assigns each distinct text its own basis vector, so any two
// different texts are exactly orthogonal and identical texts are identical.
// Explicit vectors can be pinned per text to shape similarities.
type fakeEmbedder struct {
	mu       sync.Mutex
	dims     int
	assigned map[string]int
	pinned   map[string][]float32
	calls    int
	failures int   // fail this many leading calls
	err      error // error to fail with
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		dims:     64,
		assigned: map[string]int{},
		pinned:   map[string][]float32{},
	}
}

func (f *fakeEmbedder) pin(text string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	full := make([]float32, f.dims)
	copy(full, vec)
	f.pinned[text] = full
}

func (f *fakeEmbedder) Name() string    { return "fake" }
func (f *fakeEmbedder) Dimensions() int { return f.dims }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		if f.err != nil {
			return nil, f.err
		}
		return nil, &ErrProvider{Provider: "fake", Status: 503, Message: "unavailable"}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.pinned[t]; ok {
			out[i] = v
			continue
		}
		idx, ok := f.assigned[t]
		if !ok {
			idx = len(f.assigned) % f.dims
			f.assigned[t] = idx
		}
		vec := make([]float32, f.dims)
		vec[idx] = 1
		out[i] = vec
	}
	return out, nil
}
