package mnemo

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ArtifactRef is one source artifact cited by the working set.
type ArtifactRef struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// WorkingSet is the structured, budgeted context package emitted for
// downstream LLM consumption. For identical inputs the builder produces a
// byte-identical working set.
type WorkingSet struct {
	Mission         string              `json:"mission"`
	Constraints     []string            `json:"constraints"`
	FocusDecisions  []string            `json:"focus_decisions"`
	FocusTasks      []string            `json:"focus_tasks"`
	Runbook         []string            `json:"runbook"`
	Artifacts       []ArtifactRef       `json:"artifacts"`
	Citations       map[string][]string `json:"citations"`
	OpenQuestions   []string            `json:"open_questions"`
	TokensUsed      int                 `json:"tokens_used"`
	TokensAvailable int                 `json:"tokens_available"`
}

// TokenEstimator estimates the token cost of a text span.
type TokenEstimator func(string) int

// EstimateCharsOver4 is the default estimator: ceil(chars/4).
func EstimateCharsOver4(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// EstimateWhitespaceTokens counts whitespace-separated tokens.
func EstimateWhitespaceTokens(s string) int {
	return len(strings.Fields(s))
}

// defaultUncertainty marks requirement bodies that read as open questions
// even without a question mark.
var defaultUncertainty = regexp.MustCompile(`(?i)\b(tbd|to\s+be\s+determined|unclear|unknown|open\s+question|not\s+sure|undecided)\b`)

// Builder assembles working sets from ranked items under a hard token
// budget. Items are packed in rank order; an item that would overflow the
// budget is skipped and scanning continues, so the budget is maximized
// without ever being exceeded.
type Builder struct {
	estimate    TokenEstimator
	uncertainty *regexp.Regexp
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// BuilderEstimator sets the token estimator (default EstimateCharsOver4).
func BuilderEstimator(e TokenEstimator) BuilderOption {
	return func(b *Builder) { b.estimate = e }
}

// BuilderUncertaintyLexicon overrides the uncertainty pattern used for
// open-question detection.
func BuilderUncertaintyLexicon(re *regexp.Regexp) BuilderOption {
	return func(b *Builder) { b.uncertainty = re }
}

// NewBuilder creates a working-set Builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{estimate: EstimateCharsOver4, uncertainty: defaultUncertainty}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the working set. ranked must already be in rank order;
// artifacts maps source artifact ids to their records for citation
// rendering. budget is the hard token ceiling.
func (b *Builder) Build(ranked []ScoredItem, purpose string, budget int, artifacts map[string]Artifact) WorkingSet {
	ws := WorkingSet{
		Constraints:    []string{},
		FocusDecisions: []string{},
		FocusTasks:     []string{},
		Runbook:        []string{},
		Artifacts:      []ArtifactRef{},
		Citations:      map[string][]string{},
		OpenQuestions:  []string{},
	}

	mission := missionText(purpose)
	missionCost := b.estimate(mission)
	if missionCost > budget {
		ws.Mission = truncateToTokens(mission, budget, b.estimate)
		ws.TokensUsed = b.estimate(ws.Mission)
		ws.TokensAvailable = 0
		return ws
	}
	ws.Mission = mission
	used := missionCost

	var (
		taskIDs, reqIDs []string
		taskSummaries   = map[string]string{}
		reqSummaries    = map[string]string{}
		artifactOrder   []string
		artifactSeen    = map[string]bool{}
	)

	cite := func(section, id string) {
		ws.Citations[section] = append(ws.Citations[section], id)
	}
	citeArtifact := func(it Item) {
		if it.SourceArtifactID == "" || artifactSeen[it.SourceArtifactID] {
			return
		}
		artifactSeen[it.SourceArtifactID] = true
		artifactOrder = append(artifactOrder, it.SourceArtifactID)
	}

	for _, si := range ranked {
		cost := b.estimate(si.Summary)
		if used+cost > budget {
			continue // keep scanning lower-ranked items to maximize packing
		}

		switch si.Subtype {
		case SubtypeConstraint:
			ws.Constraints = append(ws.Constraints, si.Summary)
			cite("constraints", si.ID)
		case SubtypeDecision:
			ws.FocusDecisions = append(ws.FocusDecisions, si.Summary)
			cite("focus_decisions", si.ID)
		case SubtypeTask:
			ws.FocusTasks = append(ws.FocusTasks, si.Summary)
			cite("focus_tasks", si.ID)
			taskIDs = append(taskIDs, si.ID)
			taskSummaries[si.ID] = si.Summary
		case SubtypeRequirement:
			if b.isOpenQuestion(si.Item) {
				ws.OpenQuestions = append(ws.OpenQuestions, si.Summary)
				cite("open_questions", si.ID)
			} else {
				// Obligations without an open question read as constraints.
				ws.Constraints = append(ws.Constraints, si.Summary)
				cite("constraints", si.ID)
			}
			reqIDs = append(reqIDs, si.ID)
			reqSummaries[si.ID] = si.Summary
		default:
			// Entities, preferences, and episodic items surface through
			// their source artifacts.
			cite("artifacts", si.ID)
		}
		used += cost
		citeArtifact(si.Item)
	}

	// Runbook: numbered task summaries in rank order, padded with
	// requirements when fewer than 3 tasks were selected. Derived from
	// already-budgeted summaries, so it consumes no extra tokens.
	step := 1
	for _, id := range taskIDs {
		ws.Runbook = append(ws.Runbook, fmt.Sprintf("%d. %s", step, taskSummaries[id]))
		cite("runbook", id)
		step++
	}
	if len(taskIDs) < 3 {
		for _, id := range reqIDs {
			if step > 3 {
				break
			}
			ws.Runbook = append(ws.Runbook, fmt.Sprintf("%d. %s", step, reqSummaries[id]))
			cite("runbook", id)
			step++
		}
	}

	for _, aid := range artifactOrder {
		a, ok := artifacts[aid]
		if !ok {
			continue
		}
		ws.Artifacts = append(ws.Artifacts, ArtifactRef{
			ID:          aid,
			Title:       artifactTitle(a),
			Description: artifactDescription(a),
		})
	}

	ws.TokensUsed = used
	ws.TokensAvailable = budget - used
	return ws
}

func (b *Builder) isOpenQuestion(it Item) bool {
	return strings.Contains(it.Body, "?") || b.uncertainty.MatchString(it.Body)
}

// missionText restates the purpose as a single paragraph.
func missionText(purpose string) string {
	return "Mission: " + strings.Join(strings.Fields(purpose), " ")
}

func artifactTitle(a Artifact) string {
	switch a.ContentType {
	case ContentChat:
		return "chat transcript"
	case ContentDiff:
		return "code diff"
	case ContentLogs:
		return "execution logs"
	}
	return string(a.ContentType)
}

func artifactDescription(a Artifact) string {
	line := a.Body
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return truncateGraphemes(strings.TrimSpace(line), 120)
}

// truncateToTokens returns the longest rune prefix of s whose estimate
// fits within budget.
func truncateToTokens(s string, budget int, estimate TokenEstimator) string {
	if budget <= 0 {
		return ""
	}
	runes := []rune(s)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if estimate(string(runes[:mid])) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
