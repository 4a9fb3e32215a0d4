package mnemo

import "encoding/json"

// --- Domain types (database records) ---

// Kind distinguishes the two item variants sharing the common envelope.
type Kind string

const (
	KindSemantic Kind = "semantic"
	KindEpisodic Kind = "episodic"
)

// Subtype refines Kind. Semantic subtypes capture durable knowledge;
// episodic subtypes capture time-bounded events.
type Subtype string

const (
	// semantic
	SubtypeDecision    Subtype = "decision"
	SubtypeRequirement Subtype = "requirement"
	SubtypeConstraint  Subtype = "constraint"
	SubtypeTask        Subtype = "task"
	SubtypeEntity      Subtype = "entity"
	SubtypePreference  Subtype = "preference"

	// episodic
	SubtypeError       Subtype = "error"
	SubtypeLog         Subtype = "log"
	SubtypeTestFailure Subtype = "test_failure"
	SubtypeAttempt     Subtype = "attempt"
	SubtypeObservation Subtype = "observation"
)

// KindOf returns the Kind a subtype belongs to.
func KindOf(st Subtype) Kind {
	switch st {
	case SubtypeError, SubtypeLog, SubtypeTestFailure, SubtypeAttempt, SubtypeObservation:
		return KindEpisodic
	}
	return KindSemantic
}

// State is the item lifecycle state.
type State string

const (
	StateActive     State = "active"
	StateSuperseded State = "superseded"
	StateRetired    State = "retired"
)

// LinkType is the type of a directed edge between two items.
type LinkType string

const (
	LinkDuplicateOf LinkType = "duplicate_of"
	LinkSupersedes  LinkType = "supersedes"
	LinkRefersTo    LinkType = "refers_to"
	LinkCausedBy    LinkType = "caused_by"
)

// Signal is a client feedback signal on an item.
type Signal string

const (
	SignalHelpful    Signal = "helpful"
	SignalNotHelpful Signal = "not_helpful"
	SignalOutdated   Signal = "outdated"
	SignalDuplicate  Signal = "duplicate"
)

// ContentType tags the raw material an artifact holds.
type ContentType string

const (
	ContentChat ContentType = "chat"
	ContentDiff ContentType = "diff"
	ContentLogs ContentType = "logs"
)

// Item is the atomic unit of memory. Summary and Body are stored redacted.
type Item struct {
	Workspace        string            `json:"workspace"`
	ID               string            `json:"id"` // S### or E###
	ThreadID         string            `json:"thread_id"`
	Kind             Kind              `json:"kind"`
	Subtype          Subtype           `json:"subtype"`
	Summary          string            `json:"summary"`
	Body             string            `json:"body"`
	Salience         float64           `json:"salience"` // in [0, 1]
	UsageCount       int               `json:"usage_count"`
	LastAccessedAt   int64             `json:"last_accessed_at"`
	CreatedAt        int64             `json:"created_at"`
	RetiredAt        int64             `json:"retired_at,omitempty"` // 0 = not retired
	State            State             `json:"state"`
	Payload          map[string]string `json:"payload,omitempty"`
	SourceArtifactID string            `json:"source_artifact_id"`
	SpanStart        int               `json:"span_start"`
	SpanEnd          int               `json:"span_end"`
	ContentHash      uint64            `json:"content_hash"`
	EmbeddingModelID string            `json:"embedding_model_id,omitempty"` // "" = embedding pending
}

// EmbeddingPending reports whether the item has no vector yet.
func (it Item) EmbeddingPending() bool { return it.EmbeddingModelID == "" }

// Artifact is the immutable raw material a cluster of items was extracted
// from. Body is stored redacted.
type Artifact struct {
	Workspace   string      `json:"workspace"`
	ID          string      `json:"id"` // A###
	ThreadID    string      `json:"thread_id"`
	ContentType ContentType `json:"content_type"`
	Body        string      `json:"body"`
	CreatedAt   int64       `json:"created_at"`
}

// Link is a typed directed edge between two items in the same workspace.
type Link struct {
	Workspace string   `json:"workspace"`
	FromID    string   `json:"from_id"`
	ToID      string   `json:"to_id"`
	Type      LinkType `json:"type"`
	CreatedAt int64    `json:"created_at"`
}

// FeedbackRecord is one entry of the append-only feedback journal.
type FeedbackRecord struct {
	Workspace string  `json:"workspace"`
	ItemID    string  `json:"item_id"`
	Signal    Signal  `json:"signal"`
	Magnitude float64 `json:"magnitude"` // in [-1, +1]
	At        int64   `json:"at"`
	Actor     string  `json:"actor"`
	Comment   string  `json:"comment,omitempty"`
}

// ScoredItem is an Item paired with its rank score and the raw cosine
// similarity that contributed to it. Similarity is 0 when the item had no
// vector at ranking time.
type ScoredItem struct {
	Item
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
}

// Mutation is a typed partial update of an item. Nil pointer fields are
// untouched. Delta fields saturate at the salience bounds.
type Mutation struct {
	Summary        *string
	Body           *string
	Payload        map[string]string // merged key-wise into the existing payload
	SalienceDelta  *float64
	UsageIncrement int
	Retired        *bool
	TouchAccess    bool // update last_accessed_at to now
	EmbeddingModel *string
	ContentHash    *uint64
}

// Filter restricts candidate retrieval. The zero value means thread-local
// scope (when a thread is supplied), all kinds, no retired items.
type Filter struct {
	ThreadID        string    `json:"thread_id,omitempty"`
	IncludeKinds    []Kind    `json:"include_kinds,omitempty"`
	ExcludeSubtypes []Subtype `json:"exclude_subtypes,omitempty"`
	IncludeRetired  bool      `json:"include_retired,omitempty"`
	CrossThread     bool      `json:"cross_thread,omitempty"`
}

// Matches reports whether an item passes the filter. Workspace scoping is
// the store's job; this checks the remaining predicates only.
func (f Filter) Matches(it Item) bool {
	if !f.IncludeRetired && it.State == StateRetired {
		return false
	}
	if !f.CrossThread && f.ThreadID != "" && it.ThreadID != f.ThreadID {
		return false
	}
	if len(f.IncludeKinds) > 0 {
		ok := false
		for _, k := range f.IncludeKinds {
			if it.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, st := range f.ExcludeSubtypes {
		if it.Subtype == st {
			return false
		}
	}
	return true
}

// Materials is the raw input of one ingestion call. At least one field must
// be non-empty.
type Materials struct {
	Chat  string `json:"chat,omitempty"`
	Diffs string `json:"diffs,omitempty"`
	Logs  string `json:"logs,omitempty"`
}

// Empty reports whether no material is present.
func (m Materials) Empty() bool { return m.Chat == "" && m.Diffs == "" && m.Logs == "" }

// RejectedCandidate describes a candidate that could not be persisted.
type RejectedCandidate struct {
	Summary string `json:"summary"`
	Reason  string `json:"reason"`
}

// IngestResult reports what one ingestion call produced. ArtifactIDs holds
// one id per material present, in chat/diff/logs order.
type IngestResult struct {
	ArtifactIDs    []string            `json:"artifact_ids"`
	CreatedItemIDs []string            `json:"created_item_ids"`
	UpdatedItemIDs []string            `json:"updated_item_ids"`
	Rejected       []RejectedCandidate `json:"rejected,omitempty"`
}

// RecallResult is the budgeted flat item list returned by Recall.
type RecallResult struct {
	Items           []ScoredItem `json:"items"`
	TokensUsed      int          `json:"tokens_used"`
	TokensAvailable int          `json:"tokens_available"`
}

// ExpandForm selects how much of an item Expand returns.
type ExpandForm string

const (
	ExpandSummary ExpandForm = "summary"
	ExpandFull    ExpandForm = "full"
)

// ExpandResult carries the item record and, for ExpandFull, the raw
// (redacted) artifact span the item was extracted from.
type ExpandResult struct {
	Item Item   `json:"item"`
	Raw  string `json:"raw,omitempty"`
}

// FeedbackResult reports the salience change one feedback call produced.
type FeedbackResult struct {
	PreviousSalience float64 `json:"previous_salience"`
	NewSalience      float64 `json:"new_salience"`
	Delta            float64 `json:"delta"`
}

// PayloadJSON renders an item payload for storage. Returns "" for an empty
// payload.
func PayloadJSON(p map[string]string) string {
	if len(p) == 0 {
		return ""
	}
	b, _ := json.Marshal(p)
	return string(b)
}
