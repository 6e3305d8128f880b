package assets

// findCycle returns one cycle in the upstream relation as a key path with the
// first key repeated at the end, or nil if the graph is acyclic.
//
// Strongly connected components are found with Tarjan's algorithm; any SCC
// with more than one member, or a single member with a self edge, is a cycle.
// The reported path starts at the smallest key of the first such component.
func findCycle(g *Graph) []Key {
	for _, scc := range tarjanSCC(g) {
		if len(scc) == 1 && !hasSelfEdge(g, scc[0]) {
			continue
		}
		return cyclePath(g, scc)
	}
	return nil
}

func hasSelfEdge(g *Graph, k Key) bool {
	for _, up := range g.upstream[k] {
		if up == k {
			return true
		}
	}
	return false
}

func tarjanSCC(g *Graph) [][]Key {
	var (
		index   = 0
		stack   []Key
		indices = make(map[Key]int, len(g.keys))
		lowlink = make(map[Key]int, len(g.keys))
		onStack = make(map[Key]bool, len(g.keys))
		sccs    [][]Key
	)

	var strongConnect func(Key)
	strongConnect = func(v Key) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.upstream[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []Key
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sortKeys(scc)
			sccs = append(sccs, scc)
		}
	}

	for _, k := range g.keys {
		if _, visited := indices[k]; !visited {
			strongConnect(k)
		}
	}
	return sccs
}

// cyclePath walks from the smallest member of scc back to itself using only
// edges inside the component (breadth-first, so the path is a shortest cycle
// through that member).
func cyclePath(g *Graph, scc []Key) []Key {
	start := scc[0]
	if hasSelfEdge(g, start) {
		return []Key{start, start}
	}
	members := NewKeySet(scc...)

	parent := make(map[Key]Key, len(scc))
	queue := []Key{start}
	seen := NewKeySet(start)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		ups := append([]Key(nil), g.upstream[cur]...)
		sortKeys(ups)
		for _, next := range ups {
			if !members.Has(next) {
				continue
			}
			if next == start {
				path := []Key{start}
				for at := cur; at != start; at = parent[at] {
					path = append(path, at)
				}
				// path holds start followed by the walk in reverse; flip the tail.
				tail := path[1:]
				for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
					tail[i], tail[j] = tail[j], tail[i]
				}
				return append(path, start)
			}
			if seen.Has(next) {
				continue
			}
			seen.Add(next)
			parent[next] = cur
			queue = append(queue, next)
		}
	}
	// Unreachable for a genuine SCC; fall back to the member list.
	return append(append([]Key(nil), scc...), start)
}
