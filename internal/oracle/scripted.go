package oracle

import (
	"context"
	"sync"

	"github.com/rendis/conductor/pkg/schema"
)

// Scripted is an oracle driven by caller-supplied functions. A nil
// EvaluateFunc delegates to Fallback, and a nil BootstrapFunc does the same.
// It records every snapshot it was asked about.
type Scripted struct {
	BootstrapFunc func(ctx context.Context, req BootstrapRequest) (*Plan, error)
	EvaluateFunc  func(ctx context.Context, snap *schema.RunSnapshot) (*schema.Decision, error)
	Fallback      Oracle

	mu        sync.Mutex
	snapshots []*schema.RunSnapshot
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Bootstrap(ctx context.Context, req BootstrapRequest) (*Plan, error) {
	if s.BootstrapFunc != nil {
		return s.BootstrapFunc(ctx, req)
	}
	if s.Fallback != nil {
		return s.Fallback.Bootstrap(ctx, req)
	}
	return nil, schema.NewError(schema.ErrCodeOracleFailed, "scripted oracle has no bootstrap")
}

func (s *Scripted) Evaluate(ctx context.Context, snap *schema.RunSnapshot) (*schema.Decision, error) {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()

	if s.EvaluateFunc != nil {
		return s.EvaluateFunc(ctx, snap)
	}
	if s.Fallback != nil {
		return s.Fallback.Evaluate(ctx, snap)
	}
	return nil, schema.NewError(schema.ErrCodeOracleFailed, "scripted oracle has no evaluator")
}

// Snapshots returns the snapshots passed to Evaluate, in call order.
func (s *Scripted) Snapshots() []*schema.RunSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schema.RunSnapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

// Sequence returns an EvaluateFunc that replays decisions in order and then
// keeps returning the last one.
func Sequence(decisions ...*schema.Decision) func(context.Context, *schema.RunSnapshot) (*schema.Decision, error) {
	var mu sync.Mutex
	i := 0
	return func(context.Context, *schema.RunSnapshot) (*schema.Decision, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(decisions) == 0 {
			return nil, schema.NewError(schema.ErrCodeOracleFailed, "empty decision sequence")
		}
		d := decisions[min(i, len(decisions)-1)]
		i++
		c := *d
		return &c, nil
	}
}

var _ Oracle = (*Scripted)(nil)
