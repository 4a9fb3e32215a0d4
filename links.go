package mnemo

// Link-graph validation shared by the store backends. AddLink calls these
// on write so the invariants hold in storage, not just in memory: a
// canonical item is never itself a duplicate (chains resolve to length 1),
// and the supersedes relation stays a forest.

// ResolveDuplicateTarget follows duplicate_of edges from target to the
// canonical item, so a new duplicate_of edge always points at the end of
// the chain. Existing chains have length 1 by construction; the loop guard
// only protects against corrupted data.
func ResolveDuplicateTarget(existing []Link, target string) string {
	byFrom := make(map[string]string)
	for _, l := range existing {
		if l.Type == LinkDuplicateOf {
			byFrom[l.FromID] = l.ToID
		}
	}
	seen := map[string]bool{target: true}
	for {
		next, ok := byFrom[target]
		if !ok || seen[next] {
			return target
		}
		seen[next] = true
		target = next
	}
}

// SupersedesWouldCycle reports whether adding from -> to would close a
// cycle in the supersedes relation (including a self-loop). DFS from the
// proposed target over existing supersedes edges. It does not check
// whether to already has a superseder; HasSuperseder covers that.
func SupersedesWouldCycle(existing []Link, from, to string) bool {
	if from == to {
		return true
	}
	adj := make(map[string][]string)
	for _, l := range existing {
		if l.Type == LinkSupersedes {
			adj[l.FromID] = append(adj[l.FromID], l.ToID)
		}
	}
	// Walk outgoing supersedes edges from `to`; reaching `from` means the
	// new edge would complete a cycle.
	stack := []string{to}
	seen := make(map[string]bool)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == from {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, adj[n]...)
	}
	return false
}

// HasSuperseder reports whether target already has an incoming supersedes
// edge. Each item has at most one superseder.
func HasSuperseder(existing []Link, target string) bool {
	for _, l := range existing {
		if l.Type == LinkSupersedes && l.ToID == target {
			return true
		}
	}
	return false
}
