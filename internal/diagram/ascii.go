package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/conductor/pkg/schema"
)

// statusTag returns a short ASCII indicator for an item status.
func statusTag(status schema.ItemStatus) string {
	switch status {
	case schema.ItemStatusCompleted:
		return "[OK]"
	case schema.ItemStatusFailed:
		return "[FAIL]"
	case schema.ItemStatusDispatched:
		return "[RUN]"
	case schema.ItemStatusReady:
		return "[READY]"
	case schema.ItemStatusSuperseded:
		return "[SUPERSEDED]"
	case schema.ItemStatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a Model level by level, one item per line, with the
// items each one waits on.
func RenderASCII(model *Model) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n", model.Title)
	}

	waitsOn := make(map[string][]string)
	followupOf := make(map[string]string)
	for _, e := range model.Edges {
		switch e.Kind {
		case EdgeDependency:
			waitsOn[e.To] = append(waitsOn[e.To], e.From)
		case EdgeFollowup:
			followupOf[e.To] = e.From
		}
	}

	for i, level := range model.Levels {
		fmt.Fprintf(&b, "\nlevel %d\n", i)
		for _, id := range level {
			node := model.node(id)
			if node == nil {
				continue
			}
			fmt.Fprintf(&b, "  %-12s %s %s: %s", statusTag(node.Status), node.ID, node.Capability, clip(node.Label, 60))
			if node.Attempts > 1 {
				fmt.Fprintf(&b, " (x%d)", node.Attempts)
			}
			if node.Optional {
				b.WriteString(" (optional)")
			}
			b.WriteString("\n")
			if deps := waitsOn[id]; len(deps) > 0 {
				fmt.Fprintf(&b, "  %-12s <- %s\n", "", strings.Join(deps, ", "))
			}
			if parent, ok := followupOf[id]; ok {
				fmt.Fprintf(&b, "  %-12s followup of %s\n", "", parent)
			}
		}
	}
	return b.String()
}
