package mnemo

import "testing"

func link(from, to string, typ LinkType) Link {
	return Link{Workspace: "w", FromID: from, ToID: to, Type: typ}
}

func TestSupersedesWouldCycle(t *testing.T) {
	existing := []Link{
		link("S2", "S1", LinkSupersedes),
		link("S3", "S2", LinkSupersedes),
	}
	tests := []struct {
		from, to string
		want     bool
	}{
		{"S1", "S3", true},  // closes S3 -> S2 -> S1 -> S3
		{"S1", "S2", true},  // closes S2 -> S1 -> S2
		{"S4", "S3", false}, // extends the chain
		{"S5", "S5", true},  // self
	}
	for _, tt := range tests {
		if got := SupersedesWouldCycle(existing, tt.from, tt.to); got != tt.want {
			t.Errorf("SupersedesWouldCycle(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestHasSuperseder(t *testing.T) {
	existing := []Link{link("S2", "S1", LinkSupersedes)}
	if !HasSuperseder(existing, "S1") {
		t.Error("S1 has a superseder")
	}
	if HasSuperseder(existing, "S2") {
		t.Error("S2 has no superseder")
	}
}

func TestResolveDuplicateTarget(t *testing.T) {
	existing := []Link{
		link("S3", "S1", LinkDuplicateOf),
	}
	// Pointing at a duplicate resolves to its canonical.
	if got := ResolveDuplicateTarget(existing, "S3"); got != "S1" {
		t.Errorf("resolve S3 = %s, want S1", got)
	}
	// Pointing at a canonical stays put.
	if got := ResolveDuplicateTarget(existing, "S1"); got != "S1" {
		t.Errorf("resolve S1 = %s, want S1", got)
	}
	if got := ResolveDuplicateTarget(nil, "S9"); got != "S9" {
		t.Errorf("resolve with no links = %s, want S9", got)
	}
}
