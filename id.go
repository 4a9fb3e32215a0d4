package mnemo

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IDClass selects an identifier sequence. Items use the sequence of their
// kind; artifacts have their own.
type IDClass byte

const (
	ClassSemantic IDClass = 'S'
	ClassEpisodic IDClass = 'E'
	ClassArtifact IDClass = 'A'
)

// ClassForKind maps an item kind to its identifier class.
func ClassForKind(k Kind) IDClass {
	if k == KindEpisodic {
		return ClassEpisodic
	}
	return ClassSemantic
}

// FormatID renders the nth identifier of a class: S1, E42, A7. Sequences
// start at 1 and are minted strictly increasing per workspace per class.
func FormatID(class IDClass, n int64) string {
	return fmt.Sprintf("%c%d", class, n)
}

// ParseID splits an identifier into class and sequence number.
func ParseID(id string) (IDClass, int64, error) {
	if len(id) < 2 {
		return 0, 0, &ErrInvalidInput{Field: "id", Reason: "too short"}
	}
	class := IDClass(id[0])
	switch class {
	case ClassSemantic, ClassEpisodic, ClassArtifact:
	default:
		return 0, 0, &ErrInvalidInput{Field: "id", Reason: "unknown prefix " + id[:1]}
	}
	n, err := strconv.ParseInt(id[1:], 10, 64)
	if err != nil || n < 1 {
		return 0, 0, &ErrInvalidInput{Field: "id", Reason: "bad sequence in " + id}
	}
	return class, n, nil
}

// IDLess orders identifiers by class then numerically by sequence, so S2
// sorts before S10. Unparseable ids fall back to lexicographic order.
func IDLess(a, b string) bool {
	ca, na, erra := ParseID(a)
	cb, nb, errb := ParseID(b)
	if erra != nil || errb != nil {
		return a < b
	}
	if ca != cb {
		return ca < cb
	}
	return na < nb
}

// NewActorID generates a globally unique, time-sortable UUIDv7 (RFC 9562)
// for feedback actors and diagnostic correlation.
func NewActorID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
