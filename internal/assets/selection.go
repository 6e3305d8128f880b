package assets

import (
	"fmt"
	"strings"
)

// Selection is a predicate over the asset graph. Select returns the matching
// keys as an unordered set; Graph.Resolve turns it into an execution order.
type Selection interface {
	Select(g *Graph) (KeySet, error)
	String() string
}

// All selects every asset in the graph.
func All() Selection {
	return allSelection{}
}

type allSelection struct{}

func (allSelection) Select(g *Graph) (KeySet, error) {
	out := make(KeySet, len(g.keys))
	for _, k := range g.keys {
		out[k] = struct{}{}
	}
	return out, nil
}

func (allSelection) String() string { return "*" }

// Keys selects the named assets. Every key must exist in the graph.
func Keys(keys ...Key) Selection {
	return keySelection(append([]Key(nil), keys...))
}

type keySelection []Key

func (s keySelection) Select(g *Graph) (KeySet, error) {
	out := make(KeySet, len(s))
	for _, k := range s {
		if !g.Has(k) {
			return nil, unknownAsset("selection references undeclared asset", k)
		}
		out.Add(k)
	}
	return out, nil
}

func (s keySelection) String() string {
	parts := make([]string, len(s))
	for i, k := range s {
		parts[i] = k.String()
	}
	return "keys(" + strings.Join(parts, ",") + ")"
}

// Groups selects every asset whose group is one of names.
func Groups(names ...string) Selection {
	return groupSelection(append([]string(nil), names...))
}

type groupSelection []string

func (s groupSelection) Select(g *Graph) (KeySet, error) {
	want := make(map[string]bool, len(s))
	for _, name := range s {
		want[name] = true
	}
	out := make(KeySet)
	for _, k := range g.keys {
		if want[g.nodes[k].Group] {
			out.Add(k)
		}
	}
	return out, nil
}

func (s groupSelection) String() string {
	return "groups(" + strings.Join(s, ",") + ")"
}

// Union selects the assets matched by any of sels.
func Union(sels ...Selection) Selection {
	return unionSelection(append([]Selection(nil), sels...))
}

type unionSelection []Selection

func (s unionSelection) Select(g *Graph) (KeySet, error) {
	out := make(KeySet)
	for _, sel := range s {
		part, err := sel.Select(g)
		if err != nil {
			return nil, err
		}
		for k := range part {
			out.Add(k)
		}
	}
	return out, nil
}

func (s unionSelection) String() string {
	parts := make([]string, len(s))
	for i, sel := range s {
		parts[i] = sel.String()
	}
	return fmt.Sprintf("union(%s)", strings.Join(parts, ","))
}
