package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// Completer sends one system + user prompt pair to a language model and
// returns the text of the reply.
type Completer interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

const systemPrompt = `You are the decision policy of a task orchestrator. You never execute work
yourself; capability workers do. You read the state of a run and reply with
exactly one JSON object and no other text.`

const capabilityGuidance = `Capability routing guidance:
- research: external information gathering, web search, URL fetch, citations, source synthesis.
- command: local shell, file and system execution only (list, build, test, inspect).
- Never route web or current-events objectives to command when research is available.`

const decisionContract = `Reply with a decision object:
{"decision_type": "dispatch|retry|spawn_followup|continue|complete|block",
 "target_agenda_item_ids": [...], "new_agenda_items": [{"capability": "...", "objective": "...",
 "dependencies": [...], "priority": 0, "parent_item_id": "..."}],
 "refined_objectives": {"<item id>": "..."}, "rationale": "...", "confidence": 0.0,
 "block_reason": "...", "accept_partial": false}
Rules:
- dispatch targets ready items; retry targets failed items and reruns them on the same capability.
- After %d attempts on one capability, do not retry; spawn_followup with smaller or different-capability items whose parent_item_id is the failed item.
- continue when calls are active and nothing else is actionable.
- complete only when every required item is completed or superseded, unless accept_partial is justified in rationale.
- block only when every outstanding item has failed on every available capability; block_reason must cite counts.
- block_reason is only allowed on block.`

const planContract = `Reply with a plan object:
{"items": [{"key": "short-label", "capability": "...", "objective": "...", "success_criteria": [...],
 "dependencies": ["short-label"], "priority": 0}], "rationale": "..."}
Keys are labels local to the run; item ids are assigned by the agenda.
Use as few items as the objective needs; independent items must not depend on each other.`

// LLM is an oracle backed by a language model. Replies are validated against
// the decision and plan schemas before they reach the run loop.
type LLM struct {
	completer      Completer
	validator      *validation.PayloadValidator
	retryThreshold int
	logger         *slog.Logger
}

// NewLLM wraps a completer. retryThreshold is stated in the prompt so the
// model follows the same escalation rule as the deterministic policy.
func NewLLM(c Completer, retryThreshold int, logger *slog.Logger) *LLM {
	if retryThreshold <= 0 {
		retryThreshold = DefaultRetryThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{
		completer:      c,
		validator:      validation.MustPayloadValidator(),
		retryThreshold: retryThreshold,
		logger:         logger,
	}
}

func (l *LLM) Name() string { return "llm:" + l.completer.Name() }

func (l *LLM) Bootstrap(ctx context.Context, req BootstrapRequest) (*Plan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective:\n%s\n\n", req.Objective)
	fmt.Fprintf(&b, "Available capabilities: %s\n\n", joinCaps(Available(req.Capabilities)))
	b.WriteString(capabilityGuidance)
	b.WriteString("\n\n")
	b.WriteString(planContract)

	reply, err := l.complete(ctx, b.String())
	if err != nil {
		return nil, err
	}
	raw, err := extractJSON(reply)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeOracleFailed, err.Error())
	}
	plan, err := l.validator.DecodePlan(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeOracleFailed, "invalid bootstrap plan").WithCause(err)
	}
	return plan, nil
}

func (l *LLM) Evaluate(ctx context.Context, snap *schema.RunSnapshot) (*schema.Decision, error) {
	reply, err := l.complete(ctx, l.decisionPrompt(snap))
	if err != nil {
		return nil, err
	}
	raw, err := extractJSON(reply)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDecision, err.Error())
	}
	return l.validator.DecodeDecision(raw)
}

func (l *LLM) complete(ctx context.Context, prompt string) (string, error) {
	reply, err := l.completer.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", schema.NewError(schema.ErrCodeOracleTimeout, "model call timed out").WithCause(err)
		}
		return "", schema.NewErrorf(schema.ErrCodeOracleFailed, "%s: %s", l.completer.Name(), err).WithCause(err)
	}
	return reply, nil
}

func (l *LLM) decisionPrompt(snap *schema.RunSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective:\n%s\n\n", snap.OriginalObjective)
	b.WriteString(capabilityGuidance)
	b.WriteString("\n\nRuntime state:\n")
	writeRunState(&b, snap)
	b.WriteString("\n")
	fmt.Fprintf(&b, decisionContract, l.retryThreshold)
	return b.String()
}

// writeRunState renders the part of a snapshot the model needs: capability
// health, the agenda with attempt history, and the recent decisions.
func writeRunState(b *strings.Builder, snap *schema.RunSnapshot) {
	b.WriteString("capabilities:\n")
	for _, c := range snap.Capabilities {
		state := "available"
		if !c.Available {
			state = "unavailable"
		}
		fmt.Fprintf(b, "- %s: %s\n", c.Name, state)
	}

	counts := snap.StatusCounts()
	fmt.Fprintf(b, "agenda: pending=%d ready=%d dispatched=%d completed=%d failed=%d superseded=%d active_calls=%d\n",
		counts[schema.ItemStatusPending], counts[schema.ItemStatusReady], counts[schema.ItemStatusDispatched],
		counts[schema.ItemStatusCompleted], counts[schema.ItemStatusFailed], counts[schema.ItemStatusSuperseded],
		len(snap.ActiveCalls))

	b.WriteString("items:\n")
	for _, it := range snap.Items() {
		fmt.Fprintf(b, "- id=%s capability=%s status=%s attempts=%d priority=%d",
			it.ID, it.Capability, it.Status, it.AttemptCount, it.Priority)
		if it.Key != "" {
			fmt.Fprintf(b, " key=%s", it.Key)
		}
		if len(it.Dependencies) > 0 {
			fmt.Fprintf(b, " deps=[%s]", strings.Join(it.Dependencies, ","))
		}
		if it.ParentItemID != "" {
			fmt.Fprintf(b, " parent=%s", it.ParentItemID)
		}
		if it.Optional {
			b.WriteString(" optional")
		}
		fmt.Fprintf(b, "\n  objective: %s\n", it.Objective)
		if tried := Lineage(snap, it.ID); len(tried) > 1 {
			fmt.Fprintf(b, "  capabilities tried in lineage: %s\n", joinCaps(tried))
		}
		if it.LastError != nil {
			fmt.Fprintf(b, "  last_error: %s: %s\n", it.LastError.Code, it.LastError.Message)
		}
	}

	b.WriteString("recent_decisions:\n")
	log := snap.DecisionLog
	if len(log) > 5 {
		log = log[len(log)-5:]
	}
	if len(log) == 0 {
		b.WriteString("- none\n")
	}
	for _, d := range log {
		fmt.Fprintf(b, "- %s: %s\n", d.Type, d.Rationale)
	}
}

// extractJSON returns the outermost JSON object in a model reply, tolerating
// code fences and surrounding prose.
func extractJSON(reply string) ([]byte, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}
	return []byte(reply[start : end+1]), nil
}

var _ Oracle = (*LLM)(nil)
