package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/ingest"
)

// Kind is the materialize capability of a node: which collaborator the run
// engine hands it to.
type Kind string

const (
	// KindIngestion nodes are materialized by the ingestion loader, one call
	// per node.
	KindIngestion Kind = "ingestion"

	// KindTransformation nodes are materialized by the build tool, which
	// receives every remaining transformation node of a run in one call.
	KindTransformation Kind = "transformation"
)

// Node is one materializable unit and its declared upstream dependencies.
type Node struct {
	Key      Key
	Upstream []Key
	Group    string
	Kind     Kind

	// Load is required for ingestion nodes and ignored otherwise.
	Load *ingest.Spec

	// Description is informational.
	Description string
}

// Graph is an immutable, validated asset DAG. It is safe for concurrent reads.
type Graph struct {
	nodes      map[Key]*Node
	keys       []Key // sorted by string form
	downstream map[Key][]Key
	upstream   map[Key][]Key
}

// NewGraph validates nodes and builds a Graph. Validation happens once here:
// keys must be unique, every upstream key must name a node in the graph,
// ingestion nodes need a load spec and may only depend on other ingestion
// nodes, and the upstream relation must be acyclic.
func NewGraph(nodes ...Node) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[Key]*Node, len(nodes)),
		keys:       make([]Key, 0, len(nodes)),
		downstream: make(map[Key][]Key, len(nodes)),
		upstream:   make(map[Key][]Key, len(nodes)),
	}

	for i := range nodes {
		n := nodes[i]
		if n.Key.IsZero() {
			return nil, &GraphError{Code: ErrCodeInvalidKey, Message: fmt.Sprintf("node %d has no key", i)}
		}
		if _, dup := g.nodes[n.Key]; dup {
			return nil, &GraphError{Code: ErrCodeDuplicateAsset, Message: "asset declared twice", Keys: []Key{n.Key}}
		}
		if n.Kind == "" {
			n.Kind = KindTransformation
		}
		switch n.Kind {
		case KindIngestion:
			if n.Load == nil {
				return nil, &GraphError{Code: ErrCodeInvalidNode, Message: "ingestion asset has no load spec", Keys: []Key{n.Key}}
			}
		case KindTransformation:
		default:
			return nil, &GraphError{Code: ErrCodeInvalidNode, Message: fmt.Sprintf("unknown asset kind %q", n.Kind), Keys: []Key{n.Key}}
		}
		n.Upstream = dedupeKeys(n.Upstream)
		g.nodes[n.Key] = &n
		g.keys = append(g.keys, n.Key)
	}
	sortKeys(g.keys)

	for _, k := range g.keys {
		n := g.nodes[k]
		for _, up := range n.Upstream {
			if _, ok := g.nodes[up]; !ok {
				return nil, &GraphError{
					Code:    ErrCodeUnknownAsset,
					Message: fmt.Sprintf("asset %s depends on undeclared asset", k),
					Keys:    []Key{up},
				}
			}
			// The build tool runs once per run after every load, so a load
			// cannot wait on a model.
			if n.Kind == KindIngestion && g.nodes[up].Kind == KindTransformation {
				return nil, &GraphError{
					Code:    ErrCodeInvalidNode,
					Message: fmt.Sprintf("ingestion asset %s depends on transformation asset", k),
					Keys:    []Key{up},
				}
			}
			g.downstream[up] = append(g.downstream[up], k)
		}
		g.upstream[k] = n.Upstream
	}

	if cycle := findCycle(g); cycle != nil {
		return nil, &GraphError{Code: ErrCodeCycleDetected, Message: "upstream relation is cyclic", Keys: cycle}
	}

	return g, nil
}

// Len returns the number of assets.
func (g *Graph) Len() int {
	return len(g.keys)
}

// Keys returns every key ordered by string form.
func (g *Graph) Keys() []Key {
	out := make([]Key, len(g.keys))
	copy(out, g.keys)
	return out
}

// Node returns the node for k.
func (g *Graph) Node(k Key) (Node, bool) {
	n, ok := g.nodes[k]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Has reports whether k is in the graph.
func (g *Graph) Has(k Key) bool {
	_, ok := g.nodes[k]
	return ok
}

// Upstream returns the direct upstream keys of k.
func (g *Graph) Upstream(k Key) []Key {
	return append([]Key(nil), g.upstream[k]...)
}

// Downstream returns the transitive downstream closure of k, excluding k.
func (g *Graph) Downstream(k Key) KeySet {
	out := make(KeySet)
	stack := append([]Key(nil), g.downstream[k]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out.Has(cur) {
			continue
		}
		out.Add(cur)
		stack = append(stack, g.downstream[cur]...)
	}
	return out
}

// Resolve evaluates sel against the graph, adds every upstream asset needed
// for dependency closure, and returns the result in topological order. Ties
// are broken by key string so the order is deterministic.
func (g *Graph) Resolve(sel Selection) ([]Key, error) {
	selected, err := sel.Select(g)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, &GraphError{Code: ErrCodeEmptySelection, Message: fmt.Sprintf("selection %s matched no assets", sel)}
	}

	order := make([]Key, 0, len(selected))
	visited := make(KeySet, len(selected))

	var visit func(k Key)
	visit = func(k Key) {
		if visited.Has(k) {
			return
		}
		visited.Add(k)
		ups := append([]Key(nil), g.upstream[k]...)
		sortKeys(ups)
		for _, up := range ups {
			visit(up)
		}
		order = append(order, k)
	}

	for _, k := range selected.Sorted() {
		visit(k)
	}
	return order, nil
}

// Fingerprint is a content hash of the graph structure. Runs record it so a
// run can be traced back to the definitions it executed against.
func (g *Graph) Fingerprint() string {
	var b strings.Builder
	for _, k := range g.keys {
		n := g.nodes[k]
		ups := make([]string, len(n.Upstream))
		for i, up := range n.Upstream {
			ups[i] = up.String()
		}
		sort.Strings(ups)
		fmt.Fprintf(&b, "%s\x1f%s\x1f%s\x1f%s\n", k, n.Kind, n.Group, strings.Join(ups, ","))
	}
	return hashWithDomain(fingerprintDomain, []byte(b.String()))
}

const fingerprintDomain = "ccpipe/graph/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func dedupeKeys(keys []Key) []Key {
	if len(keys) == 0 {
		return nil
	}
	seen := make(KeySet, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if seen.Has(k) {
			continue
		}
		seen.Add(k)
		out = append(out, k)
	}
	return out
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].path < keys[j].path })
}
