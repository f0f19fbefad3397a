// Package diagram renders the agenda of a run as a dependency graph:
// Mermaid for markdown reports, plain text for terminals and SVG for the API.
package diagram

import (
	"sort"

	"github.com/rendis/conductor/pkg/schema"
)

// EdgeKind tells why two items are connected.
type EdgeKind string

const (
	// EdgeDependency points from a dependency to the item waiting on it.
	EdgeDependency EdgeKind = "dependency"
	// EdgeFollowup points from a superseded or failed item to a followup
	// spawned for it.
	EdgeFollowup EdgeKind = "followup"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one agenda item.
type Node struct {
	ID         string
	Label      string
	Capability schema.Capability
	Status     schema.ItemStatus
	Attempts   int
	Optional   bool
}

// Edge connects two agenda items.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// FromSnapshot builds a Model from a run snapshot. Nodes are in creation
// order; levels group items by dependency depth.
func FromSnapshot(snap *schema.RunSnapshot) *Model {
	items := snap.Items()
	m := &Model{Title: firstLine(snap.OriginalObjective)}

	byID := make(map[string]schema.AgendaItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
		m.Nodes = append(m.Nodes, &Node{
			ID:         it.ID,
			Label:      firstLine(it.Objective),
			Capability: it.Capability,
			Status:     it.Status,
			Attempts:   it.AttemptCount,
			Optional:   it.Optional,
		})
	}
	for _, it := range items {
		for _, dep := range it.Dependencies {
			if _, ok := byID[dep]; ok {
				m.Edges = append(m.Edges, Edge{From: dep, To: it.ID, Kind: EdgeDependency})
			}
		}
		if _, ok := byID[it.ParentItemID]; ok {
			m.Edges = append(m.Edges, Edge{From: it.ParentItemID, To: it.ID, Kind: EdgeFollowup})
		}
	}
	m.Levels = levels(items, byID)
	return m
}

// levels assigns each item the length of its longest dependency chain.
// The agenda is acyclic, so the recursion terminates; the visiting set
// guards against a corrupt snapshot.
func levels(items []schema.AgendaItem, byID map[string]schema.AgendaItem) [][]string {
	depth := make(map[string]int, len(items))
	visiting := make(map[string]bool)
	var walk func(id string) int
	walk = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		d := 0
		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; ok {
				d = max(d, walk(dep)+1)
			}
		}
		visiting[id] = false
		depth[id] = d
		return d
	}

	var out [][]string
	for _, it := range items {
		d := walk(it.ID)
		for len(out) <= d {
			out = append(out, nil)
		}
		out[d] = append(out[d], it.ID)
	}
	for _, level := range out {
		sort.SliceStable(level, func(i, j int) bool { return byID[level[i]].Seq < byID[level[j]].Seq })
	}
	return out
}

func (m *Model) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
