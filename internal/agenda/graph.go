package agenda

import (
	"sort"

	"github.com/rendis/conductor/pkg/schema"
)

// checkAcyclic runs Kahn's algorithm over the dependency graph and fails
// with CYCLE_DETECTED when some items can never become ready.
func checkAcyclic(items map[string]*schema.AgendaItem) error {
	inDegree := make(map[string]int, len(items))
	reverse := make(map[string][]string, len(items))
	for id, it := range items {
		inDegree[id] = len(it.Dependencies)
		for _, dep := range it.Dependencies {
			reverse[dep] = append(reverse[dep], id)
		}
	}

	queue := make([]string, 0, len(items))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(items) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return schema.NewError(schema.ErrCodeCycleDetected, "agenda contains a dependency cycle").
			WithDetails(map[string]any{"items": stuck})
	}
	return nil
}

// checkResolved verifies that every dependency of every item is present.
func checkResolved(items map[string]*schema.AgendaItem) error {
	r := &schema.ValidationResult{}
	for _, id := range sortedIDs(items) {
		for _, dep := range items[id].Dependencies {
			if _, ok := items[dep]; !ok {
				r.AddError(id, schema.ErrCodeDanglingDependency, "item "+id+" depends on unknown item "+dep)
			}
		}
	}
	return r.ToError(schema.ErrCodeDanglingDependency)
}

func sortedIDs(items map[string]*schema.AgendaItem) []string {
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
