package mnemo

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/rivo/uniseg"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Candidate is an item proposal produced by extraction, before
// consolidation decides whether it becomes a new item, merges into an
// existing one, or is dropped as a duplicate.
type Candidate struct {
	Kind      Kind
	Subtype   Subtype
	Summary   string
	Body      string
	SpanStart int // byte offset into the source artifact body
	SpanEnd   int
	Salience  float64
	Payload   map[string]string
}

// InitialSalience is the starting salience per subtype.
func InitialSalience(st Subtype) float64 {
	switch st {
	case SubtypeDecision:
		return 0.8
	case SubtypeRequirement:
		return 0.75
	case SubtypeConstraint:
		return 0.7
	case SubtypeTask:
		return 0.6
	case SubtypeError:
		return 0.75
	case SubtypeTestFailure:
		return 0.8
	case SubtypeLog:
		return 0.4
	case SubtypeEntity:
		return 0.5
	case SubtypePreference:
		return 0.55
	}
	return 0.5
}

// SummaryGraphemeLimit bounds item summaries.
const SummaryGraphemeLimit = 280

// Extractor parses redacted artifacts into ordered candidate lists. It is
// deterministic: identical input produces an identical candidate sequence.
// Safe for concurrent use.
type Extractor struct {
	logger *slog.Logger
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// ExtractorLogger sets the structured logger.
func ExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *Extractor) { e.logger = l }
}

// NewExtractor creates an Extractor.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{logger: nopLogger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract parses the artifact body according to its content type.
func (e *Extractor) Extract(a Artifact) []Candidate {
	var cands []Candidate
	switch a.ContentType {
	case ContentChat:
		cands = e.extractChat(a.Body)
	case ContentDiff:
		cands = e.extractDiff(a.Body)
	case ContentLogs:
		cands = e.extractLogs(a.Body)
	}
	e.logger.Debug("extracted candidates", "content_type", string(a.ContentType), "count", len(cands))
	return cands
}

// --- chat ---

var (
	chatTurnMarker = regexp.MustCompile(`(?im)^\s*(user|assistant|system):`)

	// The "use X for Y" cue is anchored so a modal obligation like "we
	// must use X for Y" still reads as a requirement.
	cueDecision   = regexp.MustCompile(`(?i)\b(let'?s\s|we\s+will\s|we'll\s|we\s+are\s+going\s+with|going\s+with\s|switch(ing)?\s+to\s|agreed\s+to\s|decided\s+to\s|instead\s+of\s)|(?i)^\s*use\s+\S+\s+for\b`)
	cueConstraint = regexp.MustCompile(`(?i)\b(do\s+not|don'?t|must\s+not|never|avoid\s|only\s)`)
	cueRequire    = regexp.MustCompile(`(?i)\b(must|need(s)?\s+to|should|required\s+to|have\s+to|has\s+to)\b`)
	cuePreference = regexp.MustCompile(`(?i)\b(prefer|rather|like[sd]?\s+to|favorite|ideally)\b`)

	symbolPattern = regexp.MustCompile("`[^`]+`|\\b[a-z][a-z0-9]*[A-Z]\\w*\\b|\\b[A-Z][a-z0-9]+[A-Z]\\w*\\b|\\b\\w+_\\w+\\b|\\b\\w+\\.\\w+\\(")

	taskVerbs = map[string]bool{
		"add": true, "implement": true, "fix": true, "write": true,
		"create": true, "update": true, "remove": true, "delete": true,
		"refactor": true, "deploy": true, "test": true, "run": true,
		"check": true, "investigate": true, "migrate": true, "rename": true,
		"document": true, "verify": true, "build": true, "set": true,
	}
)

// trivialReplies are turns or propositions not worth extracting on their
// own.
var trivialReplies = map[string]bool{
	"ok": true, "okay": true, "thanks": true, "thank you": true,
	"yes": true, "no": true, "sure": true, "agreed": true, "sounds good": true,
	"nice": true, "great": true, "cool": true, "yep": true, "nope": true,
	"done": true, "got it": true, "will do": true, "makes sense": true,
}

// extractChat splits a transcript into role turns, then emits one
// candidate per distinct proposition within each turn.
func (e *Extractor) extractChat(body string) []Candidate {
	markers := chatTurnMarker.FindAllStringSubmatchIndex(body, -1)
	if len(markers) == 0 {
		// No role markers: treat the whole text as one anonymous turn.
		return e.extractTurn(body, 0, "")
	}

	var cands []Candidate
	for i, m := range markers {
		role := strings.ToLower(body[m[2]:m[3]])
		start := m[1] // just past the colon
		end := len(body)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		cands = append(cands, e.extractTurn(body[start:end], start, role)...)
	}
	return cands
}

// extractTurn splits one turn into propositions and classifies each.
// base is the turn's byte offset within the artifact body.
func (e *Extractor) extractTurn(turn string, base int, role string) []Candidate {
	var cands []Candidate
	for _, p := range splitPropositions(turn, base) {
		clean := markdownText(p.text)
		if !worthExtracting(clean) {
			continue
		}
		st := classifyProposition(clean)
		payload := map[string]string{}
		if role != "" {
			payload["role"] = role
		}
		cands = append(cands, Candidate{
			Kind:      KindSemantic,
			Subtype:   st,
			Summary:   truncateGraphemes(clean, SummaryGraphemeLimit),
			Body:      strings.TrimSpace(p.text),
			SpanStart: p.start,
			SpanEnd:   p.end,
			Salience:  InitialSalience(st),
			Payload:   payload,
		})
	}
	return cands
}

// classifyProposition maps a cleaned proposition to a semantic subtype.
// Decision cues win; constraint cues are checked before requirement cues
// so "must not" reads as a constraint, not an obligation.
func classifyProposition(p string) Subtype {
	switch {
	case cueDecision.MatchString(p):
		return SubtypeDecision
	case cueConstraint.MatchString(p):
		return SubtypeConstraint
	case cueRequire.MatchString(p):
		return SubtypeRequirement
	case startsWithTaskVerb(p):
		return SubtypeTask
	case symbolPattern.MatchString(p):
		return SubtypeEntity
	case cuePreference.MatchString(p):
		return SubtypePreference
	}
	if hasProperNoun(p) {
		return SubtypeEntity
	}
	return SubtypePreference
}

func startsWithTaskVerb(p string) bool {
	fields := strings.Fields(strings.ToLower(p))
	return len(fields) > 1 && taskVerbs[strings.TrimRight(fields[0], ",:")]
}

// hasProperNoun detects a capitalized word that does not begin a sentence.
func hasProperNoun(p string) bool {
	fields := strings.Fields(p)
	for i, f := range fields {
		if i == 0 {
			continue
		}
		r := f[0]
		if r >= 'A' && r <= 'Z' && len(f) > 1 {
			return true
		}
	}
	return false
}

func worthExtracting(p string) bool {
	trimmed := strings.TrimSpace(p)
	if len(trimmed) < 10 {
		return false
	}
	return !trivialReplies[strings.ToLower(strings.TrimRight(trimmed, ".!"))]
}

// span is a byte-offset slice of the artifact body.
type span struct {
	text  string
	start int
	end   int
}

// splitPropositions splits text into sentence-level spans at terminal
// punctuation and blank lines, preserving artifact byte offsets.
func splitPropositions(text string, base int) []span {
	var out []span
	start := 0
	flush := func(end int) {
		seg := text[start:end]
		if strings.TrimSpace(seg) != "" {
			out = append(out, span{text: seg, start: base + start, end: base + end})
		}
		start = end
	}
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			// Consume the run of terminal punctuation.
			j := i
			for j+1 < len(text) && (text[j+1] == '.' || text[j+1] == '!' || text[j+1] == '?') {
				j++
			}
			// Skip abbreviation-like dots glued to the next word (e.g. "v1.2").
			if text[i] == '.' && j+1 < len(text) && text[j+1] != ' ' && text[j+1] != '\n' && text[j+1] != '\t' {
				i = j
				continue
			}
			flush(j + 1)
			i = j
		case '\n':
			if i+1 < len(text) && text[i+1] == '\n' {
				flush(i)
			}
		}
	}
	flush(len(text))
	return out
}

// --- diff ---

var (
	diffFileHeader = regexp.MustCompile(`^\+\+\+ (?:b/)?(\S+)`)
	diffHunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,\d+)? \+(\d+)(?:,\d+)? @@`)

	diffSymbolPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bfunc\s+(?:\([^)]+\)\s*)?([A-Za-z_]\w*)`),
		regexp.MustCompile(`\b(?:class|struct|interface|trait|enum)\s+([A-Za-z_]\w*)`),
		regexp.MustCompile(`\b(?:def|function|fn)\s+([A-Za-z_]\w*)`),
		regexp.MustCompile(`^[-+]\s*(?:const|var|let|type)\s+([A-Za-z_]\w*)`),
	}
)

// extractDiff walks unified diff hunks and emits one entity candidate per
// changed symbol, tagged with the file path and hunk coordinates.
func (e *Extractor) extractDiff(body string) []Candidate {
	var cands []Candidate
	seen := map[string]bool{}

	file := ""
	hunk := ""
	hunkStart := -1
	var hunkSyms []string

	offset := 0
	flushHunk := func(end int) {
		for _, sym := range hunkSyms {
			key := file + "\x00" + sym
			if seen[key] {
				continue
			}
			seen[key] = true
			summary := fmt.Sprintf("%s in %s (%s)", sym, file, hunk)
			cands = append(cands, Candidate{
				Kind:      KindSemantic,
				Subtype:   SubtypeEntity,
				Summary:   truncateGraphemes(summary, SummaryGraphemeLimit),
				Body:      strings.TrimSpace(body[hunkStart:end]),
				SpanStart: hunkStart,
				SpanEnd:   end,
				Salience:  InitialSalience(SubtypeEntity),
				Payload:   map[string]string{"file": file, "hunk": hunk, "symbol": sym},
			})
		}
		hunkSyms = hunkSyms[:0]
		hunkStart = -1
	}

	for _, line := range strings.SplitAfter(body, "\n") {
		lineStart := offset
		offset += len(line)
		trimmed := strings.TrimRight(line, "\n")

		if m := diffFileHeader.FindStringSubmatch(trimmed); m != nil {
			flushHunk(lineStart)
			file = m[1]
			continue
		}
		if m := diffHunkHeader.FindStringSubmatch(trimmed); m != nil {
			flushHunk(lineStart)
			hunk = fmt.Sprintf("-%s +%s", m[1], m[2])
			hunkStart = lineStart
			continue
		}
		if hunkStart < 0 || len(trimmed) == 0 {
			continue
		}
		if (trimmed[0] == '+' || trimmed[0] == '-') &&
			!strings.HasPrefix(trimmed, "+++") && !strings.HasPrefix(trimmed, "---") {
			for _, re := range diffSymbolPatterns {
				if m := re.FindStringSubmatch(trimmed); m != nil {
					hunkSyms = append(hunkSyms, m[1])
					break
				}
			}
		}
	}
	flushHunk(len(body))
	return cands
}

// --- logs ---

var (
	logTimestamp = regexp.MustCompile(`^\[?\d{4}-\d{2}-\d{2}([ T]\d{2}:\d{2}(:\d{2})?)?\b`)
	logSeverity  = regexp.MustCompile(`\b(ERROR|FATAL|CRITICAL)\b`)
	logTestFail  = regexp.MustCompile(`\bFAIL\b|(?i)\bfailed\b`)
	logTestIdent = regexp.MustCompile(`\bTest\w+|\w+_test\b|\btest_\w+|\.test\b|--- FAIL`)
)

// extractLogs groups lines into entries starting at each timestamped line
// (continuation lines such as stack traces attach to the previous entry)
// and emits one episodic candidate per entry.
func (e *Extractor) extractLogs(body string) []Candidate {
	type entry struct {
		start, end int
	}
	var entries []entry

	offset := 0
	for _, line := range strings.SplitAfter(body, "\n") {
		lineStart := offset
		offset += len(line)
		if strings.TrimSpace(line) == "" {
			continue
		}
		if logTimestamp.MatchString(line) || len(entries) == 0 {
			entries = append(entries, entry{start: lineStart, end: offset})
		} else {
			entries[len(entries)-1].end = offset
		}
	}

	var cands []Candidate
	for _, en := range entries {
		textEntry := strings.TrimRight(body[en.start:en.end], "\n")
		firstLine := textEntry
		if i := strings.IndexByte(textEntry, '\n'); i >= 0 {
			firstLine = textEntry[:i]
		}

		st := SubtypeLog
		switch {
		case logTestFail.MatchString(textEntry) && logTestIdent.MatchString(textEntry):
			st = SubtypeTestFailure
		case logSeverity.MatchString(firstLine) || logSeverity.MatchString(textEntry):
			st = SubtypeError
		}

		cands = append(cands, Candidate{
			Kind:      KindEpisodic,
			Subtype:   st,
			Summary:   truncateGraphemes(strings.TrimSpace(firstLine), SummaryGraphemeLimit),
			Body:      textEntry,
			SpanStart: en.start,
			SpanEnd:   en.end,
			Salience:  InitialSalience(st),
		})
	}
	return cands
}

// --- text helpers ---

var mdParser = goldmark.New()

// markdownText flattens markdown to plain text: inline formatting is
// dropped, code span and fence contents are kept verbatim, and whitespace
// is collapsed.
func markdownText(src string) string {
	source := []byte(src)
	root := mdParser.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			b.WriteByte(' ')
		case *ast.FencedCodeBlock:
			lines := t.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
				b.WriteByte(' ')
			}
		case *ast.CodeBlock:
			lines := t.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
				b.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

// truncateGraphemes cuts s to at most limit grapheme clusters, so a
// truncated summary never splits a combined character or emoji sequence.
func truncateGraphemes(s string, limit int) string {
	if uniseg.GraphemeClusterCount(s) <= limit {
		return s
	}
	g := uniseg.NewGraphemes(s)
	count := 0
	end := 0
	for g.Next() {
		count++
		if count > limit {
			break
		}
		_, end = g.Positions()
	}
	return s[:end]
}
