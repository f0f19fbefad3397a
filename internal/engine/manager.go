package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conductor/internal/agenda"
	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/internal/metrics"
	"github.com/rendis/conductor/internal/oracle"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// ManagerDeps are the collaborators shared by every run.
type ManagerDeps struct {
	Oracle     oracle.Oracle
	Dispatcher *Dispatcher
	Store      store.Store
	Hub        streaming.EventHub
	Synth      Synthesizer
	Metrics    metrics.Recorder
	Logger     *slog.Logger
}

// Manager accepts submissions and owns the run loops of this process.
type Manager struct {
	cfg        RunConfig
	oracle     oracle.Oracle
	dispatcher *Dispatcher
	store      store.Store
	hub        streaming.EventHub
	emitter    *events.Emitter
	synth      Synthesizer
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	runs   map[string]*runLoop
	closed bool
	wg     sync.WaitGroup
}

// NewManager validates deps and creates a Manager.
func NewManager(deps ManagerDeps, cfg RunConfig) (*Manager, error) {
	switch {
	case deps.Oracle == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "manager needs an oracle")
	case deps.Dispatcher == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "manager needs a dispatcher")
	case deps.Store == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "manager needs a store")
	case deps.Synth == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "manager needs a synthesizer")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		oracle:     deps.Oracle,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		hub:        deps.Hub,
		emitter:    events.NewEmitter(deps.Store, deps.Hub, deps.Metrics, deps.Logger),
		synth:      deps.Synth,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        time.Now,
		newID:      func() string { return uuid.Must(uuid.NewV7()).String() },
		ctx:        ctx,
		cancel:     cancel,
		runs:       make(map[string]*runLoop),
	}, nil
}

// Submit validates a submission, persists the run, and starts its loop. It
// returns as soon as the run exists; progress is observed through Status,
// Events and Subscribe.
func (m *Manager) Submit(ctx context.Context, sub schema.Submission) (*schema.SubmitResult, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if len(sub.WorkerPlan) > 0 {
		// Staging the plan on a scratch agenda catches cycles, dangling
		// dependencies, and unknown capabilities before the run exists.
		scratch := agenda.New("", agenda.WithCapabilities(m.dispatcher.Known))
		if _, err := scratch.CreateBatch(sub.WorkerPlan); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "worker plan rejected: %s", errMessage(err)).
				WithDetails(map[string]any{"code": schema.ErrorCode(err)}).
				WithCause(err)
		}
	}
	if sub.OutputMode == "" {
		sub.OutputMode = schema.OutputModeAuto
	}
	if sub.CorrelationID == "" {
		sub.CorrelationID = m.newID()
	}

	now := m.now().UTC()
	run := &store.Run{
		ID:            m.newID(),
		CorrelationID: sub.CorrelationID,
		ContextID:     sub.ContextID,
		Objective:     sub.Objective,
		OutputMode:    sub.OutputMode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, schema.NewError(schema.ErrCodeConflict, "conductor is shutting down")
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err).WithCause(err)
	}

	loop := newRunLoop(m.ctx, runLoopParams{
		cfg: m.cfg,
		snapshot: &schema.RunSnapshot{
			RunID:             run.ID,
			CorrelationID:     run.CorrelationID,
			ContextID:         run.ContextID,
			OriginalObjective: run.Objective,
			OutputMode:        run.OutputMode,
			CreatedAt:         now,
			UpdatedAt:         now,
		},
		plan:       sub.WorkerPlan,
		oracle:     m.oracle,
		dispatcher: m.dispatcher,
		emitter:    m.emitter,
		synth:      m.synth,
		saver:      m.store,
		metrics:    m.metrics,
		logger:     m.logger,
		now:        m.now,
		newID:      m.newID,
	})
	m.runs[run.ID] = loop
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		loop.run()
		m.mu.Lock()
		delete(m.runs, run.ID)
		m.mu.Unlock()
	}()

	m.logger.Info("run accepted",
		slog.String("run_id", run.ID),
		slog.String("correlation_id", run.CorrelationID),
		slog.String("context_id", run.ContextID))
	return &schema.SubmitResult{
		TaskID:        run.ID,
		CorrelationID: run.CorrelationID,
		Status:        schema.SubmitStatusAccepted,
	}, nil
}

// Status returns the latest snapshot of a run, live or finished. Repeated
// calls on a terminal run return identical snapshots.
func (m *Manager) Status(ctx context.Context, runID string) (*schema.RunSnapshot, error) {
	if loop := m.loop(runID); loop != nil {
		return loop.Snapshot().Clone(), nil
	}
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Snapshot == nil {
		return &schema.RunSnapshot{
			RunID:             run.ID,
			CorrelationID:     run.CorrelationID,
			ContextID:         run.ContextID,
			OriginalObjective: run.Objective,
			OutputMode:        run.OutputMode,
			TerminalStatus:    run.TerminalStatus,
			BlockReason:       run.BlockReason,
			Version:           run.Version,
			CreatedAt:         run.CreatedAt,
			UpdatedAt:         run.UpdatedAt,
			CompletedAt:       run.CompletedAt,
		}, nil
	}
	return run.Snapshot, nil
}

// Cancel stops a live run; it ends Blocked with a "cancelled" reason.
// Cancelling a finished run fails with CONFLICT.
func (m *Manager) Cancel(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "requested by caller"
	}
	if loop := m.loop(runID); loop != nil {
		return loop.Cancel(ctx, reason)
	}
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.TerminalStatus != schema.TerminalNone {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", runID, run.TerminalStatus)
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not active in this process", runID)
}

// Wait blocks until the run is terminal and returns its final snapshot.
func (m *Manager) Wait(ctx context.Context, runID string) (*schema.RunSnapshot, error) {
	if loop := m.loop(runID); loop != nil {
		select {
		case <-loop.Done():
			return loop.Snapshot().Clone(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	snap, err := m.Status(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !snap.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is not active in this process", runID)
	}
	return snap, nil
}

// Events returns the persisted events of a run with sequence > since.
func (m *Manager) Events(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	if m.loop(runID) == nil {
		if _, err := m.store.GetRun(ctx, runID); err != nil {
			return nil, err
		}
	}
	return m.store.GetEvents(ctx, runID, since)
}

// Subscribe streams live events of one run, or of every run when runID is "".
func (m *Manager) Subscribe(ctx context.Context, runID string) (<-chan schema.Event, func(), error) {
	if m.hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "live events are not enabled")
	}
	return m.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
}

// List returns persisted runs matching filter.
func (m *Manager) List(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return m.store.ListRuns(ctx, filter)
}

// Capabilities reports the registered capabilities and their health.
func (m *Manager) Capabilities() []schema.CapabilityStatus {
	return m.dispatcher.Capabilities()
}

// Active returns the number of runs whose loop is still live.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}

// Shutdown blocks every live run, waits for the loops to exit, then drains
// the call pool. It returns ctx.Err() if that takes too long.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.dispatcher.Shutdown(ctx)
}

func (m *Manager) loop(runID string) *runLoop {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runs[runID]
}
