// Package dbt adapts the dbt CLI to the engine's BuildTool contract and reads
// dbt's manifest to declare transformation assets.
//
// Asset keys follow the usual dbt convention: a model, seed or snapshot is
// keyed by its name; a source is keyed by source name then table name, so
// source "kaggle_raw" table "transactions" is kaggle_raw/transactions.
package dbt

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
)

// Resource types that become assets.
var assetResourceTypes = map[string]bool{
	"model":    true,
	"seed":     true,
	"snapshot": true,
}

type manifestFile struct {
	Nodes   map[string]manifestNode   `json:"nodes"`
	Sources map[string]manifestSource `json:"sources"`
}

type manifestNode struct {
	UniqueID     string `json:"unique_id"`
	ResourceType string `json:"resource_type"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	DependsOn    struct {
		Nodes []string `json:"nodes"`
	} `json:"depends_on"`
}

type manifestSource struct {
	UniqueID   string `json:"unique_id"`
	SourceName string `json:"source_name"`
	Name       string `json:"name"`
}

// Manifest maps dbt unique IDs to asset keys.
type Manifest struct {
	nodes     map[string]manifestNode
	keys      map[string]assets.Key // unique_id -> key, nodes and sources
	selectors map[assets.Key]string // asset node key -> dbt selector
}

// LoadManifest reads a manifest.json, usually target/manifest.json of the
// dbt project.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dbt manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// ParseManifest decodes a manifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var mf manifestFile
	if err := json.NewDecoder(r).Decode(&mf); err != nil {
		return nil, fmt.Errorf("dbt manifest: decode: %w", err)
	}

	m := &Manifest{
		nodes:     make(map[string]manifestNode),
		keys:      make(map[string]assets.Key),
		selectors: make(map[assets.Key]string),
	}
	for id, src := range mf.Sources {
		key, err := assets.NewKey(src.SourceName, src.Name)
		if err != nil {
			return nil, fmt.Errorf("dbt manifest: source %s: %w", id, err)
		}
		m.keys[id] = key
	}
	for id, n := range mf.Nodes {
		if !assetResourceTypes[n.ResourceType] {
			continue
		}
		key, err := assets.NewKey(n.Name)
		if err != nil {
			return nil, fmt.Errorf("dbt manifest: node %s: %w", id, err)
		}
		if n.UniqueID == "" {
			n.UniqueID = id
		}
		m.nodes[id] = n
		m.keys[id] = key
		m.selectors[key] = n.Name
	}
	return m, nil
}

// Nodes returns the transformation assets declared by the manifest, ordered
// by key. Upstream edges to tests and other non-asset nodes are dropped.
func (m *Manifest) Nodes(group string) []assets.Node {
	out := make([]assets.Node, 0, len(m.nodes))
	for id, n := range m.nodes {
		node := assets.Node{
			Key:         m.keys[id],
			Group:       group,
			Kind:        assets.KindTransformation,
			Description: n.Description,
		}
		for _, dep := range n.DependsOn.Nodes {
			if k, ok := m.keys[dep]; ok {
				node.Upstream = append(node.Upstream, k)
			}
		}
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// KeyFor returns the asset key of a dbt unique ID.
func (m *Manifest) KeyFor(uniqueID string) (assets.Key, bool) {
	k, ok := m.keys[uniqueID]
	return k, ok
}

// Selector returns the dbt --select argument that builds key.
func (m *Manifest) Selector(key assets.Key) (string, bool) {
	s, ok := m.selectors[key]
	return s, ok
}
