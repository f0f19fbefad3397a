package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/oracle"
	"github.com/rendis/conductor/pkg/schema"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)

	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, providerPolicy, cfg.Oracle.Provider)
	assert.Equal(t, oracle.DefaultRetryThreshold, cfg.Policy.RetryThreshold)
	assert.Equal(t, engine.DefaultRunConfig(), cfg.Run)
	assert.Equal(t, engine.DefaultDispatcherConfig(), cfg.Dispatcher)
	assert.True(t, cfg.Workers.Command.Enabled)
	assert.True(t, cfg.Synthesis.AgendaDiagram)
	assert.Equal(t, 30*24*time.Hour, cfg.Archive.Retention)
	assert.True(t, strings.HasSuffix(cfg.DBPath, "conductor.db"))
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeFile(t, "conductor.yaml", `
listen_addr: ":9000"
log_format: json
oracle:
  provider: anthropic
  model: claude-test
policy:
  retry_threshold: 3
  complete_when: "counts.completed > 0"
run:
  oracle_timeout: 5s
  oracle_backoff:
    strategy: constant
    delay: 10ms
dispatcher:
  pool_size: 2
  breaker:
    failure_threshold: 9
workers:
  research:
    endpoint: https://search.example.com/api
    headers:
      X-Api-Key: secret
  tools:
    - capability: summarize
      command: /usr/local/bin/summarizer
      args: ["--stdio"]
      tool: summarize_text
      handshake_timeout: 3s
schedules:
  - name: nightly
    cron: "0 3 * * *"
    submission:
      objective: check the build
      context_id: ops
      worker_plan:
        - id: build
          capability: command
          objective: make
archive:
  cron: "@daily"
  retention: 72h
`)
	t.Setenv("CONDUCTOR_ORACLE_API_KEY", "sk-env")
	t.Setenv("CONDUCTOR_DISPATCHER_POOL_SIZE", "4")

	cfg, err := loadConfig(newViper(), path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "sk-env", cfg.Oracle.APIKey)
	assert.Equal(t, "claude-test", cfg.Oracle.Model)
	assert.Equal(t, 3, cfg.Policy.RetryThreshold)
	assert.Equal(t, "counts.completed > 0", cfg.Policy.CompleteWhen)
	assert.Equal(t, oracle.DefaultBlockWhen, cfg.Policy.BlockWhen)
	assert.Equal(t, 5*time.Second, cfg.Run.OracleTimeout)
	assert.Equal(t, engine.BackoffConstant, cfg.Run.OracleBackoff.Strategy)
	assert.Equal(t, 10*time.Millisecond, cfg.Run.OracleBackoff.Delay)
	assert.Equal(t, 4, cfg.Dispatcher.PoolSize)
	assert.Equal(t, 9, cfg.Dispatcher.Breaker.FailureThreshold)
	assert.Equal(t, "https://search.example.com/api", cfg.Workers.Research.Endpoint)
	assert.Equal(t, 72*time.Hour, cfg.Archive.Retention)

	require.Len(t, cfg.Workers.Tools, 1)
	tool := cfg.Workers.Tools[0]
	assert.Equal(t, schema.Capability("summarize"), tool.Capability)
	assert.Equal(t, []string{"--stdio"}, tool.Args)
	assert.Equal(t, "summarize_text", tool.Tool)
	assert.Equal(t, 3*time.Second, tool.HandshakeTimeout)

	require.Len(t, cfg.Schedules, 1)
	sc := cfg.Schedules[0]
	assert.Equal(t, "nightly", sc.Name)
	assert.Equal(t, "ops", sc.Submission.ContextID)
	require.Len(t, sc.Submission.WorkerPlan, 1)
	assert.Equal(t, schema.CapabilityCommand, sc.Submission.WorkerPlan[0].Capability)

	sched := cfg.schedulerConfig()
	assert.Equal(t, "@daily", sched.ArchiveCron)
	assert.Equal(t, 72*time.Hour, sched.Retention)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown provider", "oracle:\n  provider: oracle-of-delphi\n", "unknown oracle.provider"},
		{"llm without key", "oracle:\n  provider: openai\n  model: gpt-test\n", "api_key is required"},
		{"llm without model", "oracle:\n  provider: openai\n  api_key: k\n", "model is required"},
		{"no workers", "workers:\n  command:\n    enabled: false\n", "no capability workers"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(newViper(), writeFile(t, "c.yaml", tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	_, err := loadConfig(newViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "an explicit config path must exist")
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/c.db", Config{DBPath: "/tmp/c.db"}.dsn())
	assert.Equal(t, "file:/tmp/c.db", Config{DBPath: "file:/tmp/c.db"}.dsn())
}

func TestReadPlanFile(t *testing.T) {
	list := writeFile(t, "list.yaml", `
- id: build
  capability: command
  objective: make
- id: test
  capability: command
  objective: make test
  dependencies: [build]
`)
	sub, err := readPlanFile(list)
	require.NoError(t, err)
	require.Len(t, sub.WorkerPlan, 2)
	assert.Equal(t, []string{"build"}, sub.WorkerPlan[1].Dependencies)
	assert.Empty(t, sub.Objective)

	full := writeFile(t, "full.yaml", `
objective: ship it
context_id: release
output_mode: markdown_report
worker_plan:
  - id: notes
    capability: research
    objective: collect release notes
`)
	sub, err = readPlanFile(full)
	require.NoError(t, err)
	assert.Equal(t, "ship it", sub.Objective)
	assert.Equal(t, "release", sub.ContextID)
	assert.Equal(t, schema.OutputModeMarkdownReport, sub.OutputMode)
	require.Len(t, sub.WorkerPlan, 1)
	assert.Equal(t, schema.CapabilityResearch, sub.WorkerPlan[0].Capability)

	_, err = readPlanFile(writeFile(t, "bad.yaml", "objective: [unclosed"))
	require.Error(t, err)
}

func TestPrintSnapshot(t *testing.T) {
	snap := &schema.RunSnapshot{
		RunID:             "run-1",
		ContextID:         "ctx",
		OriginalObjective: "list files",
		TerminalStatus:    schema.TerminalCompleted,
		Agenda: map[string]schema.AgendaItem{
			"a": {ID: "a", Capability: schema.CapabilityCommand, Objective: "ls", Status: schema.ItemStatusCompleted, AttemptCount: 1, Seq: 1},
		},
		Result: &schema.SynthesisResult{Mode: schema.OutputModeSummary, Content: "notes.txt"},
	}
	var buf bytes.Buffer
	printSnapshot(&buf, snap)
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "notes.txt")
	assert.Contains(t, out, "Result (summary)")
}

func TestPrintDiagram(t *testing.T) {
	snap := &schema.RunSnapshot{
		OriginalObjective: "list files",
		Agenda: map[string]schema.AgendaItem{
			"a": {ID: "a", Capability: schema.CapabilityCommand, Objective: "ls", Status: schema.ItemStatusCompleted, Seq: 1},
			"b": {ID: "b", Capability: schema.CapabilityCommand, Objective: "wc -l", Dependencies: []string{"a"}, Seq: 2},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, printDiagram(context.Background(), &buf, snap, "ascii"))
	assert.Contains(t, buf.String(), "<- a")

	buf.Reset()
	require.NoError(t, printDiagram(context.Background(), &buf, snap, "mermaid"))
	assert.Contains(t, buf.String(), "n_a --> n_b")

	require.Error(t, printDiagram(context.Background(), &buf, snap, "png"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b c", truncate("a\n  b\tc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
