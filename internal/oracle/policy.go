package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

const (
	// DefaultRetryThreshold is the number of attempts an item gets on one
	// capability before the policy escalates it.
	DefaultRetryThreshold = 2

	// DefaultCompleteWhen holds when every required item is settled.
	DefaultCompleteWhen = `items.all(i, i.optional || i.status == "completed" || i.status == "superseded")`

	// DefaultBlockWhen holds when nothing is running or runnable and every
	// failed item has exhausted the capabilities available to it.
	DefaultBlockWhen = `counts.active == 0 && counts.ready == 0 && counts.exhausted > 0 && counts.exhausted == counts.failed`
)

// Route maps objectives to a capability at bootstrap. When and Objective are
// expr-lang expressions evaluated with objective, context_id and
// capabilities in scope; Objective may rewrite the text handed to the worker.
type Route struct {
	Name            string            `mapstructure:"name" yaml:"name"`
	When            string            `mapstructure:"when" yaml:"when"`
	Capability      schema.Capability `mapstructure:"capability" yaml:"capability"`
	Objective       string            `mapstructure:"objective" yaml:"objective,omitempty"`
	SuccessCriteria []string          `mapstructure:"success_criteria" yaml:"success_criteria,omitempty"`
}

// DefaultRoutes send file listings and explicit shell commands to the
// command worker. Everything else falls through to the default capability.
func DefaultRoutes() []Route {
	return []Route{
		{
			Name:            "list-files",
			When:            `lower(objective) matches "\\b(list|show)\\b.*\\bfiles?\\b"`,
			Capability:      schema.CapabilityCommand,
			Objective:       `"ls -la"`,
			SuccessCriteria: []string{"directory listing printed"},
		},
		{
			Name:       "shell-prompt",
			When:       `trim(objective) startsWith "$ "`,
			Capability: schema.CapabilityCommand,
			Objective:  `trim(trimPrefix(trim(objective), "$"))`,
		},
		{
			Name:       "shell-verb",
			When:       `lower(objective) matches "^(run|execute|exec|build|compile|test)\\b"`,
			Capability: schema.CapabilityCommand,
		},
	}
}

// PolicyConfig parameterizes the deterministic policy.
type PolicyConfig struct {
	RetryThreshold    int               `mapstructure:"retry_threshold"`
	CompleteWhen      string            `mapstructure:"complete_when"`
	BlockWhen         string            `mapstructure:"block_when"`
	Routes            []Route           `mapstructure:"routes"`
	DefaultCapability schema.Capability `mapstructure:"default_capability"`
}

func (c *PolicyConfig) applyDefaults() {
	if c.RetryThreshold <= 0 {
		c.RetryThreshold = DefaultRetryThreshold
	}
	if c.CompleteWhen == "" {
		c.CompleteWhen = DefaultCompleteWhen
	}
	if c.BlockWhen == "" {
		c.BlockWhen = DefaultBlockWhen
	}
	if c.Routes == nil {
		c.Routes = DefaultRoutes()
	}
	if c.DefaultCapability == "" {
		c.DefaultCapability = schema.CapabilityResearch
	}
}

// Policy is a deterministic oracle. It dispatches everything ready, retries
// failures on the same capability up to RetryThreshold attempts, escalates
// past that to a followup on a capability the item's lineage has not tried,
// and completes or blocks according to CEL predicates.
type Policy struct {
	cfg    PolicyConfig
	cel    *expressions.CELEngine
	expr   *expressions.ExprEngine
	logger *slog.Logger
}

// NewPolicy compiles the configured predicates and routes. Invalid
// expressions fail here rather than mid-run.
func NewPolicy(cfg PolicyConfig, logger *slog.Logger) (*Policy, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	for _, pred := range []string{cfg.CompleteWhen, cfg.BlockWhen} {
		if err := celEngine.Compile(pred); err != nil {
			return nil, err
		}
	}

	exprEngine := expressions.NewExprEngine()
	sample := routeEnv(BootstrapRequest{})
	for i, r := range cfg.Routes {
		if r.When == "" || r.Capability == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"route %d (%s) needs when and capability", i, r.Name)
		}
		if err := exprEngine.Compile(r.When, sample); err != nil {
			return nil, err
		}
		if r.Objective != "" {
			if err := exprEngine.Compile(r.Objective, sample); err != nil {
				return nil, err
			}
		}
	}

	return &Policy{cfg: cfg, cel: celEngine, expr: exprEngine, logger: logger}, nil
}

func (p *Policy) Name() string { return "policy" }

// Config returns the effective configuration, defaults applied.
func (p *Policy) Config() PolicyConfig { return p.cfg }

// Bootstrap produces a single-item agenda routed by the first matching rule
// whose capability is available.
func (p *Policy) Bootstrap(ctx context.Context, req BootstrapRequest) (*Plan, error) {
	available := Available(req.Capabilities)
	if len(available) == 0 {
		return nil, schema.NewError(schema.ErrCodeCapabilityUnavailable, "no capability is available")
	}
	env := routeEnv(req)

	for _, r := range p.cfg.Routes {
		if !slices.Contains(available, r.Capability) {
			continue
		}
		match, err := p.expr.Evaluate(ctx, r.When, env)
		if err != nil {
			return nil, err
		}
		if ok, _ := match.(bool); !ok {
			continue
		}
		objective := req.Objective
		if r.Objective != "" {
			out, err := p.expr.Evaluate(ctx, r.Objective, env)
			if err != nil {
				return nil, err
			}
			if s, ok := out.(string); ok && strings.TrimSpace(s) != "" {
				objective = s
			}
		}
		p.logger.Debug("bootstrap route matched", "route", r.Name, "capability", r.Capability)
		return &Plan{
			Items: []schema.AgendaItem{{
				Capability:      r.Capability,
				Objective:       objective,
				SuccessCriteria: slices.Clone(r.SuccessCriteria),
			}},
			Rationale: fmt.Sprintf("objective matched route %q", r.Name),
		}, nil
	}

	capability := p.cfg.DefaultCapability
	if !slices.Contains(available, capability) {
		capability = available[0]
	}
	return &Plan{
		Items:     []schema.AgendaItem{{Capability: capability, Objective: req.Objective}},
		Rationale: fmt.Sprintf("no route matched; using %s", capability),
	}, nil
}

// Evaluate picks the next decision. Precedence: dispatch ready items, retry
// failures under the threshold, escalate failures past it, complete, wait
// for active calls, block.
func (p *Policy) Evaluate(ctx context.Context, snap *schema.RunSnapshot) (*schema.Decision, error) {
	if ready := snap.ItemsWithStatus(schema.ItemStatusReady); len(ready) > 0 {
		return &schema.Decision{
			Type:          schema.DecisionDispatch,
			TargetItemIDs: ids(ready),
			Rationale:     fmt.Sprintf("%d items ready with dependencies satisfied", len(ready)),
			Confidence:    0.9,
		}, nil
	}

	available := Available(snap.Capabilities)
	var retry, escalate []schema.AgendaItem
	var spawned []schema.AgendaItem
	exhausted := 0

	for _, it := range snap.ItemsWithStatus(schema.ItemStatusFailed) {
		if it.AttemptCount < p.cfg.RetryThreshold && slices.Contains(available, it.Capability) {
			retry = append(retry, it)
			continue
		}
		next, ok := untried(available, Lineage(snap, it.ID))
		if !ok {
			exhausted++
			continue
		}
		escalate = append(escalate, it)
		spawned = append(spawned, schema.AgendaItem{
			Capability:      next,
			Objective:       it.Objective,
			SuccessCriteria: slices.Clone(it.SuccessCriteria),
			Dependencies:    slices.Clone(it.Dependencies),
			Priority:        it.Priority,
			Optional:        it.Optional,
			ParentItemID:    it.ID,
		})
	}

	if len(retry) > 0 {
		return &schema.Decision{
			Type:          schema.DecisionRetry,
			TargetItemIDs: ids(retry),
			Rationale: fmt.Sprintf("%d failed items under %d attempts; retrying on the same capability",
				len(retry), p.cfg.RetryThreshold),
			Confidence: 0.6,
		}, nil
	}
	if len(escalate) > 0 {
		return &schema.Decision{
			Type:          schema.DecisionSpawnFollowup,
			TargetItemIDs: ids(escalate),
			NewItems:      spawned,
			Rationale: fmt.Sprintf("%d items reached %d attempts; escalating to untried capabilities",
				len(escalate), p.cfg.RetryThreshold),
			Confidence: 0.5,
		}, nil
	}

	facts := Facts(snap, exhausted)

	done, err := p.cel.EvaluateBool(ctx, p.cfg.CompleteWhen, facts)
	if err != nil {
		return nil, err
	}
	if done {
		d := &schema.Decision{
			Type:       schema.DecisionComplete,
			Rationale:  fmt.Sprintf("completion predicate satisfied with %d artifacts", len(snap.Artifacts)),
			Confidence: 1,
		}
		if open := unsettledRequired(snap); open > 0 {
			d.AcceptPartial = true
			d.Rationale += fmt.Sprintf("; accepting %d unfinished required items", open)
		}
		return d, nil
	}

	if len(snap.ActiveCalls) > 0 {
		return &schema.Decision{
			Type:       schema.DecisionContinue,
			Rationale:  fmt.Sprintf("waiting on %d active calls", len(snap.ActiveCalls)),
			Confidence: 0.8,
		}, nil
	}

	blocked, err := p.cel.EvaluateBool(ctx, p.cfg.BlockWhen, facts)
	if err != nil {
		return nil, err
	}
	if blocked {
		reason := fmt.Sprintf("%d of %d items exhausted every available capability across %d worker calls (available: %s)",
			exhausted, len(snap.Agenda), len(snap.Calls), joinCaps(available))
		return &schema.Decision{
			Type:        schema.DecisionBlock,
			Rationale:   "no retry or escalation path remains",
			BlockReason: reason,
			Confidence:  0.9,
		}, nil
	}

	return &schema.Decision{
		Type:       schema.DecisionContinue,
		Rationale:  "no actionable items",
		Confidence: 0.3,
	}, nil
}

func routeEnv(req BootstrapRequest) map[string]any {
	caps := make([]string, 0, len(req.Capabilities))
	for _, c := range Available(req.Capabilities) {
		caps = append(caps, string(c))
	}
	return map[string]any{
		"objective":    req.Objective,
		"context_id":   req.ContextID,
		"capabilities": caps,
	}
}

// untried returns the first available capability not in tried.
func untried(available, tried []schema.Capability) (schema.Capability, bool) {
	for _, c := range available {
		if !slices.Contains(tried, c) {
			return c, true
		}
	}
	return "", false
}

func unsettledRequired(snap *schema.RunSnapshot) int {
	n := 0
	for _, it := range snap.Agenda {
		if !it.Optional && !it.Status.Settled() {
			n++
		}
	}
	return n
}

func ids(items []schema.AgendaItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func joinCaps(caps []schema.Capability) string {
	if len(caps) == 0 {
		return "none"
	}
	s := make([]string, len(caps))
	for i, c := range caps {
		s[i] = string(c)
	}
	return strings.Join(s, ", ")
}

var _ Oracle = (*Policy)(nil)
