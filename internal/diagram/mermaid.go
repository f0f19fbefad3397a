package diagram

import (
	"fmt"
	"strings"
)

const maxMermaidLabel = 48

// RenderMermaid renders a Model as a Mermaid flowchart. Dependencies are
// solid arrows, followups dotted.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Kind == EdgeFollowup {
			arrow = "-.->|followup|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidSafeID(edge.From), arrow, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef dispatched fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef ready fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef superseded fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), node.Status)
		}
	}
	return b.String()
}

// mermaidNodeDef returns the node definition; optional items get rounded edges.
func mermaidNodeDef(node *Node) string {
	label := fmt.Sprintf("%s: %s", node.Capability, mermaidEscapeLabel(clip(node.Label, maxMermaidLabel)))
	if node.Attempts > 1 {
		label += fmt.Sprintf(" (x%d)", node.Attempts)
	}
	id := mermaidSafeID(node.ID)
	if node.Optional {
		return fmt.Sprintf("%s(%q)", id, label)
	}
	return fmt.Sprintf("%s[%q]", id, label)
}

// mermaidSafeID converts an item id to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return "n_" + r.Replace(id)
}

// mermaidEscapeLabel drops characters that break quoted Mermaid labels.
func mermaidEscapeLabel(s string) string {
	return strings.NewReplacer(`"`, "'", "`", "'").Replace(s)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
