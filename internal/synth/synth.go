// Package synth merges the artifacts of a completed run into one result and
// optionally writes it to disk as a markdown report.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/rendis/conductor/internal/diagram"
	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

const (
	// DefaultSummaryThreshold is the longest content auto mode still
	// presents as a summary.
	DefaultSummaryThreshold = 900

	// summaryMaxSources is the most sources auto mode still presents as a summary.
	summaryMaxSources = 2
)

// DefaultProjections turn structured artifacts into prose, keyed by content type.
func DefaultProjections() map[string]string {
	return map[string]string{
		"application/json": `if type == "object" and has("stdout") then .stdout else . end`,
	}
}

// Config configures synthesis.
type Config struct {
	ReportsDir       string            `mapstructure:"reports_dir" yaml:"reports_dir"`
	SummaryThreshold int               `mapstructure:"summary_threshold" yaml:"summary_threshold"`
	Projections      map[string]string `mapstructure:"projections" yaml:"projections"`
	// AgendaDiagram appends the agenda graph as a mermaid block to reports.
	AgendaDiagram bool `mapstructure:"agenda_diagram" yaml:"agenda_diagram"`
}

// Synthesizer builds SynthesisResults.
type Synthesizer struct {
	cfg    Config
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

// New validates the projections and creates a Synthesizer.
func New(cfg Config, jq *expressions.GoJQEngine, logger *slog.Logger) (*Synthesizer, error) {
	if cfg.SummaryThreshold <= 0 {
		cfg.SummaryThreshold = DefaultSummaryThreshold
	}
	if cfg.Projections == nil {
		cfg.Projections = DefaultProjections()
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	if logger == nil {
		logger = slog.Default()
	}
	for ct, program := range cfg.Projections {
		if _, err := jq.Query(context.Background(), program, map[string]any{}); err != nil &&
			schema.ErrorCode(err) == schema.ErrCodeValidation {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "projection for %s: %s", ct, err).WithCause(err)
		}
	}
	return &Synthesizer{cfg: cfg, jq: jq, logger: logger}, nil
}

type section struct {
	item schema.AgendaItem
	art  schema.Artifact
	body string
}

// Synthesize merges the artifacts of completed items, in agenda creation
// order and then priority. Artifacts of items that later failed again or
// were superseded are left out.
func (s *Synthesizer) Synthesize(ctx context.Context, snap *schema.RunSnapshot) (*schema.SynthesisResult, error) {
	var sections []section
	for _, art := range snap.Artifacts {
		it, ok := snap.Agenda[art.SourceAgendaItemID]
		if !ok || it.Status != schema.ItemStatusCompleted || it.ArtifactID != art.ID {
			continue
		}
		sections = append(sections, section{item: it, art: art, body: s.project(ctx, art)})
	}
	sort.SliceStable(sections, func(i, j int) bool {
		a, b := sections[i].item, sections[j].item
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.Priority < b.Priority
	})

	res := &schema.SynthesisResult{ArtifactIDs: make([]string, 0, len(sections))}
	for _, sec := range sections {
		res.ArtifactIDs = append(res.ArtifactIDs, sec.art.ID)
		for _, src := range sec.art.Sources {
			if !slices.Contains(res.Sources, src) {
				res.Sources = append(res.Sources, src)
			}
		}
	}

	summary := renderSummary(sections)
	res.Mode = s.resolveMode(snap.OutputMode, summary, res.Sources)
	if res.Mode == schema.OutputModeSummary {
		res.Content = summary
		res.ContentType = "text/plain"
		return res, nil
	}

	var agenda string
	if s.cfg.AgendaDiagram && len(snap.Agenda) > 0 {
		agenda = diagram.RenderMermaid(diagram.FromSnapshot(snap))
	}
	res.Content = renderReport(snap.OriginalObjective, sections, res.Sources, agenda)
	res.ContentType = "text/markdown"
	if s.cfg.ReportsDir != "" {
		path, err := s.writeReport(snap.RunID, res.Content)
		if err != nil {
			return nil, err
		}
		res.ReportPath = path
	}
	return res, nil
}

func (s *Synthesizer) resolveMode(mode schema.OutputMode, summary string, sources []string) schema.OutputMode {
	switch mode {
	case schema.OutputModeSummary, schema.OutputModeMarkdownReport:
		return mode
	}
	if len(summary) <= s.cfg.SummaryThreshold && len(sources) <= summaryMaxSources {
		return schema.OutputModeSummary
	}
	return schema.OutputModeMarkdownReport
}

// project applies the content type's projection. Anything that does not
// yield a string falls back to the raw content.
func (s *Synthesizer) project(ctx context.Context, art schema.Artifact) string {
	program, ok := s.cfg.Projections[art.ContentType]
	if !ok {
		return strings.TrimSpace(art.Content)
	}
	out, err := s.jq.QueryJSON(ctx, program, []byte(art.Content))
	if err != nil {
		s.logger.Debug("projection failed", slog.String("artifact_id", art.ID), slog.String("error", err.Error()))
		return strings.TrimSpace(art.Content)
	}
	var parts []string
	for _, v := range out {
		str, ok := v.(string)
		if !ok {
			return strings.TrimSpace(art.Content)
		}
		parts = append(parts, str)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func renderSummary(sections []section) string {
	if len(sections) == 0 {
		return "No artifacts were collected."
	}
	parts := make([]string, 0, len(sections))
	for _, sec := range sections {
		if sec.body != "" {
			parts = append(parts, sec.body)
		}
	}
	return strings.Join(parts, "\n\n")
}

func renderReport(objective string, sections []section, sources []string, agenda string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", firstLine(objective))
	if len(sections) == 0 {
		b.WriteString("No artifacts were collected.\n\n")
	}
	for i, sec := range sections {
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, firstLine(sec.item.Objective))
		fmt.Fprintf(&b, "_%s · item %s_\n\n", sec.item.Capability, sec.item.ID)
		if sec.art.ContentType == "text/markdown" {
			b.WriteString(sec.body)
			b.WriteString("\n\n")
			continue
		}
		b.WriteString("```\n")
		b.WriteString(sec.body)
		b.WriteString("\n```\n\n")
	}
	if len(sources) > 0 {
		b.WriteString("## Sources\n\n")
		for _, src := range sources {
			fmt.Fprintf(&b, "- %s\n", src)
		}
		b.WriteString("\n")
	}
	if agenda != "" {
		b.WriteString("## Agenda\n\n```mermaid\n")
		b.WriteString(agenda)
		b.WriteString("```\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func (s *Synthesizer) writeReport(runID, content string) (string, error) {
	if runID == "" || runID == "." || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "run id %q is not a valid report name", runID)
	}
	if err := os.MkdirAll(s.cfg.ReportsDir, 0o755); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create reports dir: %s", err).WithCause(err)
	}
	path := filepath.Join(s.cfg.ReportsDir, runID+".md")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "write report: %s", err).WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", schema.NewErrorf(schema.ErrCodeStore, "write report: %s", err).WithCause(err)
	}
	return path, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
