// Package workers holds the capability workers that execute agenda items.
// A worker is stateless between calls: everything it needs arrives in the
// Request and everything it produces leaves in the Output.
package workers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// Budget bounds a single call.
type Budget struct {
	Timeout  time.Duration `json:"timeout"`
	MaxSteps int           `json:"max_steps"`
}

// Request is one invocation of a worker for one agenda item.
type Request struct {
	RunID           string   `json:"run_id"`
	CallID          string   `json:"call_id"`
	ItemID          string   `json:"item_id"`
	Objective       string   `json:"objective"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	Budget          Budget   `json:"budget"`
}

// Output is what a successful call produced. Content becomes the artifact;
// Data carries the structured form when there is one.
type Output struct {
	Content     string          `json:"content"`
	ContentType string          `json:"content_type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Sources     []string        `json:"sources,omitempty"`
	Steps       int             `json:"steps"`
}

// Worker executes agenda items of one capability. Execute must honor ctx
// cancellation and return a *schema.ConductorError on failure.
type Worker interface {
	Capability() schema.Capability
	Describe() string
	Execute(ctx context.Context, req Request) (*Output, error)
}

// Func adapts a function to the Worker interface.
type Func struct {
	Cap         schema.Capability
	Description string
	Fn          func(ctx context.Context, req Request) (*Output, error)
}

func (f *Func) Capability() schema.Capability { return f.Cap }
func (f *Func) Describe() string              { return f.Description }

func (f *Func) Execute(ctx context.Context, req Request) (*Output, error) {
	return f.Fn(ctx, req)
}

func execError(format string, args ...any) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeWorkerExecution, format, args...)
}
