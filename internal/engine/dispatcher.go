package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/metrics"
	"github.com/rendis/conductor/internal/workers"
	"github.com/rendis/conductor/pkg/schema"
)

// DispatcherConfig bounds worker calls.
type DispatcherConfig struct {
	PoolSize    int                  `mapstructure:"pool_size" yaml:"pool_size"`
	CallTimeout time.Duration        `mapstructure:"call_timeout" yaml:"call_timeout"`
	MaxSteps    int                  `mapstructure:"max_steps" yaml:"max_steps"`
	Breaker     CircuitBreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// DefaultDispatcherConfig returns the default call limits.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PoolSize:    8,
		CallTimeout: 2 * time.Minute,
		MaxSteps:    16,
		Breaker:     DefaultCircuitBreakerConfig(),
	}
}

// Call is one worker invocation requested by a run loop.
type Call struct {
	RunID           string
	CallID          string
	ItemID          string
	Capability      schema.Capability
	Objective       string
	SuccessCriteria []string
}

// CallResult is delivered exactly once per dispatched call.
type CallResult struct {
	Call     Call
	Output   *workers.Output
	Err      *schema.CallError
	Duration time.Duration
	EndedAt  time.Time
}

// Succeeded reports whether the call produced an output.
func (r CallResult) Succeeded() bool { return r.Err == nil && r.Output != nil }

// Dispatcher starts worker calls on a shared bounded pool and reports their
// results asynchronously. Calls never block the caller.
type Dispatcher struct {
	cfg      DispatcherConfig
	registry *workers.Registry
	pool     *CallPool
	breakers *CircuitBreakerRegistry
	metrics  metrics.Recorder
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the registered workers.
func NewDispatcher(registry *workers.Registry, cfg DispatcherConfig, rec metrics.Recorder, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		pool:     NewCallPool(cfg.PoolSize),
		breakers: NewCircuitBreakerRegistry(cfg.Breaker),
		metrics:  rec,
		logger:   logger,
	}
}

// Capabilities reports every registered capability with its breaker state.
func (d *Dispatcher) Capabilities() []schema.CapabilityStatus {
	infos := d.registry.List()
	out := make([]schema.CapabilityStatus, len(infos))
	for i, info := range infos {
		available, failures := d.breakers.Status(info.Capability)
		out[i] = schema.CapabilityStatus{
			Name:                info.Capability,
			Description:         info.Description,
			Available:           available,
			ConsecutiveFailures: failures,
		}
	}
	return out
}

// Known reports whether a capability has a registered worker.
func (d *Dispatcher) Known(c schema.Capability) bool { return d.registry.Has(c) }

// Stats returns the pool counters.
func (d *Dispatcher) Stats() PoolStats { return d.pool.Stats() }

// Dispatch starts the call in the background. deliver is invoked exactly
// once, from a pool goroutine, with the outcome. Cancelling ctx cancels the
// call; a call still waiting for a pool slot is then reported cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, deliver func(CallResult)) {
	start := time.Now()
	go func() {
		err := d.pool.Submit(ctx, func(ctx context.Context) error {
			res := d.execute(ctx, call, start)
			deliver(res)
			if res.Err != nil {
				return errors.New(res.Err.Message)
			}
			return nil
		})
		if err != nil {
			now := time.Now()
			deliver(CallResult{
				Call:     call,
				Err:      &schema.CallError{Code: schema.ErrCodeCancelled, Message: "call was not started: " + err.Error()},
				Duration: now.Sub(start),
				EndedAt:  now,
			})
		}
	}()
}

// Shutdown stops accepting calls and waits for running ones.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.pool.Shutdown(ctx)
}

func (d *Dispatcher) execute(ctx context.Context, call Call, start time.Time) (res CallResult) {
	ctx = logging.WithCall(logging.WithRunID(ctx, call.RunID), call.ItemID, call.CallID)
	log := logging.LogWith(ctx, d.logger)
	res.Call = call

	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panicked", slog.Any("panic", r))
			res.Output = nil
			res.Err = &schema.CallError{Code: schema.ErrCodeWorkerExecution, Message: fmt.Sprintf("worker panicked: %v", r)}
			d.breakers.RecordFailure(call.Capability)
		}
		res.EndedAt = time.Now()
		res.Duration = res.EndedAt.Sub(start)
		status := schema.CallStatusSucceeded
		if res.Err != nil {
			status = schema.CallStatusFailed
		}
		d.metrics.WorkerCall(string(call.Capability), string(status), res.Duration)
	}()

	if err := d.breakers.AllowRequest(call.Capability); err != nil {
		res.Err = callError(err)
		return res
	}
	w, err := d.registry.Get(call.Capability)
	if err != nil {
		res.Err = callError(err)
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	log.Debug("worker call started", slog.String("capability", string(call.Capability)))
	out, err := w.Execute(callCtx, workers.Request{
		RunID:           call.RunID,
		CallID:          call.CallID,
		ItemID:          call.ItemID,
		Objective:       call.Objective,
		SuccessCriteria: call.SuccessCriteria,
		Budget:          workers.Budget{Timeout: d.cfg.CallTimeout, MaxSteps: d.cfg.MaxSteps},
	})

	switch {
	case ctx.Err() != nil:
		// The run was cancelled; the capability itself is not at fault.
		res.Err = &schema.CallError{Code: schema.ErrCodeCancelled, Message: "call cancelled"}
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		res.Err = &schema.CallError{
			Code:    schema.ErrCodeWorkerExecution,
			Message: fmt.Sprintf("call timed out after %s", d.cfg.CallTimeout),
		}
		d.breakers.RecordFailure(call.Capability)
	case err != nil:
		res.Err = callError(err)
		d.breakers.RecordFailure(call.Capability)
	case out == nil:
		res.Err = &schema.CallError{Code: schema.ErrCodeWorkerExecution, Message: "worker returned no output"}
		d.breakers.RecordFailure(call.Capability)
	case out.Steps > d.cfg.MaxSteps:
		res.Err = &schema.CallError{
			Code:    schema.ErrCodeWorkerExecution,
			Message: fmt.Sprintf("worker used %d steps, budget is %d", out.Steps, d.cfg.MaxSteps),
		}
		d.breakers.RecordFailure(call.Capability)
	default:
		res.Output = out
		d.breakers.RecordSuccess(call.Capability)
	}

	if res.Err != nil {
		log.Info("worker call failed", slog.String("code", res.Err.Code), slog.String("error", res.Err.Message))
	} else {
		log.Debug("worker call succeeded", slog.Int("steps", out.Steps))
	}
	return res
}

// callError converts any error into its serializable form.
func callError(err error) *schema.CallError {
	var ce *schema.ConductorError
	if errors.As(err, &ce) {
		return &schema.CallError{Code: ce.Code, Message: ce.Message}
	}
	return &schema.CallError{Code: schema.ErrCodeWorkerExecution, Message: err.Error()}
}
