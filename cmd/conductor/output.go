package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/rendis/conductor/internal/diagram"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/pkg/schema"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

// printSnapshot renders the run header, its agenda and its result.
func printSnapshot(w io.Writer, snap *schema.RunSnapshot) {
	status := string(snap.TerminalStatus)
	if status == "" {
		status = "running"
	}
	head := table.NewWriter()
	head.SetOutputMirror(w)
	head.SetStyle(table.StyleLight)
	head.AppendRows([]table.Row{
		{"Run", snap.RunID},
		{"Context", snap.ContextID},
		{"Objective", truncate(snap.OriginalObjective, 80)},
		{"Status", status},
		{"Version", snap.Version},
		{"Decisions", len(snap.DecisionLog)},
		{"Worker calls", len(snap.Calls)},
	})
	if snap.BlockReason != "" {
		head.AppendRow(table.Row{"Block reason", snap.BlockReason})
	}
	head.Render()

	tw := newTable(w, table.Row{"ID", "Capability", "Status", "Attempts", "Deps", "Parent", "Objective"})
	for _, it := range snap.Items() {
		tw.AppendRow(table.Row{
			it.ID, it.Capability, it.Status, it.AttemptCount,
			strings.Join(it.Dependencies, ","), it.ParentItemID, truncate(it.Objective, 60),
		})
	}
	tw.Render()

	if snap.Result != nil {
		fmt.Fprintf(w, "\nResult (%s):\n%s\n", snap.Result.Mode, snap.Result.Content)
		if snap.Result.ReportPath != "" {
			fmt.Fprintf(w, "Report written to %s\n", snap.Result.ReportPath)
		}
	}
}

func printEvents(w io.Writer, events []*schema.Event) {
	tw := newTable(w, table.Row{"Seq", "Time", "Kind", "Item", "Call"})
	for _, e := range events {
		tw.AppendRow(table.Row{e.Sequence, e.Timestamp.Format(time.RFC3339), e.Kind, e.ItemID, e.CallID})
	}
	tw.Render()
}

func printRuns(w io.Writer, runs []*store.Run) {
	tw := newTable(w, table.Row{"ID", "Context", "Status", "Created", "Objective"})
	for _, r := range runs {
		status := string(r.TerminalStatus)
		if status == "" {
			status = "running"
		}
		if r.ArchivedAt != nil {
			status += " (archived)"
		}
		tw.AppendRow(table.Row{r.ID, r.ContextID, status, r.CreatedAt.Format(time.RFC3339), truncate(r.Objective, 60)})
	}
	tw.Render()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

func printDiagram(ctx context.Context, w io.Writer, snap *schema.RunSnapshot, format string) error {
	model := diagram.FromSnapshot(snap)
	switch format {
	case "ascii":
		_, err := io.WriteString(w, diagram.RenderASCII(model))
		return err
	case "mermaid":
		_, err := io.WriteString(w, diagram.RenderMermaid(model))
		return err
	case "svg":
		svg, err := diagram.RenderSVG(ctx, model)
		if err != nil {
			return err
		}
		_, err = w.Write(svg)
		return err
	}
	return fmt.Errorf("unknown diagram format %q (want ascii, mermaid or svg)", format)
}
