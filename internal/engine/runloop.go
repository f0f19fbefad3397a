package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rendis/conductor/internal/agenda"
	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/metrics"
	"github.com/rendis/conductor/internal/oracle"
	"github.com/rendis/conductor/pkg/schema"
)

// RunConfig bounds the run loop's interaction with the oracle.
type RunConfig struct {
	OracleTimeout         time.Duration `mapstructure:"oracle_timeout" yaml:"oracle_timeout"`
	OracleAttempts        int           `mapstructure:"oracle_attempts" yaml:"oracle_attempts"`
	OracleBackoff         BackoffPolicy `mapstructure:"oracle_backoff" yaml:"oracle_backoff"`
	MaxIdleDecisions      int           `mapstructure:"max_idle_decisions" yaml:"max_idle_decisions"`
	MaxDiscardedDecisions int           `mapstructure:"max_discarded_decisions" yaml:"max_discarded_decisions"`
	MaxDecisions          int           `mapstructure:"max_decisions" yaml:"max_decisions"`
	CancelGrace           time.Duration `mapstructure:"cancel_grace" yaml:"cancel_grace"`
}

// DefaultRunConfig returns the default run limits.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		OracleTimeout:         60 * time.Second,
		OracleAttempts:        3,
		OracleBackoff:         DefaultOracleBackoff(),
		MaxIdleDecisions:      3,
		MaxDiscardedDecisions: 5,
		MaxDecisions:          200,
		CancelGrace:           2 * time.Second,
	}
}

func (c *RunConfig) applyDefaults() {
	def := DefaultRunConfig()
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = def.OracleTimeout
	}
	if c.OracleAttempts <= 0 {
		c.OracleAttempts = def.OracleAttempts
	}
	if c.OracleBackoff.Strategy == "" {
		c.OracleBackoff = def.OracleBackoff
	}
	if c.MaxIdleDecisions <= 0 {
		c.MaxIdleDecisions = def.MaxIdleDecisions
	}
	if c.MaxDiscardedDecisions <= 0 {
		c.MaxDiscardedDecisions = def.MaxDiscardedDecisions
	}
	if c.MaxDecisions <= 0 {
		c.MaxDecisions = def.MaxDecisions
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = def.CancelGrace
	}
}

// Synthesizer merges the artifacts of a completed run into its result.
type Synthesizer interface {
	Synthesize(ctx context.Context, snap *schema.RunSnapshot) (*schema.SynthesisResult, error)
}

// SnapshotSaver persists published snapshots.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap *schema.RunSnapshot) error
}

// Commands delivered to the run loop. Everything that mutates run state
// arrives as one of these and is handled on the loop goroutine.
type command interface{ command() }

type bootstrapResult struct {
	plan    *oracle.Plan
	err     error
	attempt int
	elapsed time.Duration
}

type oracleResult struct {
	decision *schema.Decision
	err      error
	attempt  int
	elapsed  time.Duration
}

type callCompleted struct {
	result CallResult
}

type cancelRequest struct {
	reason string
	reply  chan error
}

func (bootstrapResult) command() {}
func (oracleResult) command()    {}
func (callCompleted) command()   {}
func (cancelRequest) command()   {}

// runLoop owns one run. Its goroutine is the only writer of the agenda and
// the live snapshot; the oracle and workers run elsewhere and report back
// through cmds. Readers see the last published snapshot.
type runLoop struct {
	cfg        RunConfig
	runID      string
	plan       []schema.AgendaItem
	oracle     oracle.Oracle
	dispatcher *Dispatcher
	emitter    *events.Emitter
	synth      Synthesizer
	saver      SnapshotSaver
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	state  *schema.RunSnapshot
	agenda *agenda.Store
	snap   atomic.Pointer[schema.RunSnapshot]

	cmds   chan command
	done   chan struct{} // closed when the terminal snapshot is published
	exited chan struct{} // closed when the loop goroutine returns

	// ctx carries correlation values and never ends; it is used for event
	// appends and persistence, which must survive cancellation.
	ctx           context.Context
	runCtx        context.Context
	cancelRun     context.CancelFunc
	workerCtx     context.Context
	cancelWorkers context.CancelFunc

	outstanding    map[string]int // call ID -> index in state.Calls
	oracleInFlight bool
	completions    int
	rerequest      bool
	idle           int
	discarded      int
	decisions      int
	graceExpired   bool
}

type runLoopParams struct {
	cfg        RunConfig
	snapshot   *schema.RunSnapshot
	plan       []schema.AgendaItem
	oracle     oracle.Oracle
	dispatcher *Dispatcher
	emitter    *events.Emitter
	synth      Synthesizer
	saver      SnapshotSaver
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

func newRunLoop(parent context.Context, p runLoopParams) *runLoop {
	p.cfg.applyDefaults()
	runID := p.snapshot.RunID
	base := logging.WithRunID(context.WithoutCancel(parent), runID)
	runCtx, cancelRun := context.WithCancel(logging.WithRunID(parent, runID))
	workerCtx, cancelWorkers := context.WithCancel(runCtx)

	l := &runLoop{
		cfg:           p.cfg,
		runID:         runID,
		plan:          p.plan,
		oracle:        p.oracle,
		dispatcher:    p.dispatcher,
		emitter:       p.emitter,
		synth:         p.synth,
		saver:         p.saver,
		metrics:       p.metrics,
		logger:        p.logger.With(slog.String("run_id", runID)),
		now:           p.now,
		newID:         p.newID,
		state:         p.snapshot,
		cmds:          make(chan command, 64),
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
		ctx:           base,
		runCtx:        runCtx,
		cancelRun:     cancelRun,
		workerCtx:     workerCtx,
		cancelWorkers: cancelWorkers,
		outstanding:   make(map[string]int),
	}
	if l.state.ActiveCalls == nil {
		l.state.ActiveCalls = map[string]schema.ActiveCall{}
	}
	l.agenda = agenda.New(runID,
		agenda.WithCapabilities(p.dispatcher.Known),
		agenda.WithClock(p.now),
		agenda.WithIDGenerator(p.newID),
	)
	l.snap.Store(l.state.Clone())
	return l
}

// Snapshot returns the last published snapshot. Callers must not mutate it.
func (l *runLoop) Snapshot() *schema.RunSnapshot { return l.snap.Load() }

// Done is closed once the run reached a terminal status.
func (l *runLoop) Done() <-chan struct{} { return l.done }

// Cancel asks the loop to stop the run. It fails with CONFLICT when the run
// is already terminal.
func (l *runLoop) Cancel(ctx context.Context, reason string) error {
	reply := make(chan error, 1)
	select {
	case l.cmds <- cancelRequest{reason: reason, reply: reply}:
	case <-l.exited:
		return l.alreadyTerminal()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-l.exited:
		select {
		case err := <-reply:
			return err
		default:
			return l.alreadyTerminal()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *runLoop) alreadyTerminal() error {
	return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", l.runID, l.snap.Load().TerminalStatus)
}

// send delivers a command unless the loop has exited.
func (l *runLoop) send(c command) {
	select {
	case l.cmds <- c:
	case <-l.exited:
	}
}

func (l *runLoop) run() {
	defer close(l.exited)
	defer l.cancelRun()

	l.start()

	runDone := l.runCtx.Done()
	var grace <-chan time.Time
	for !l.finished() {
		if l.terminal() {
			runDone = nil
			if grace == nil {
				t := time.NewTimer(l.cfg.CancelGrace)
				defer t.Stop()
				grace = t.C
			}
		}
		select {
		case c := <-l.cmds:
			l.handle(c)
		case <-runDone:
			l.finish(schema.TerminalBlocked, "cancelled: conductor is shutting down")
		case <-grace:
			l.graceExpired = true
			if n := len(l.outstanding); n > 0 {
				l.logger.Warn("abandoning worker calls after cancel grace", slog.Int("calls", n))
			}
		}
	}
}

// finished reports whether the loop can return: the run is terminal and no
// call is still expected to report, or the grace period ran out.
func (l *runLoop) finished() bool {
	return l.terminal() && (len(l.outstanding) == 0 || l.graceExpired)
}

func (l *runLoop) terminal() bool { return l.state.Terminal() }

func (l *runLoop) handle(c command) {
	switch c := c.(type) {
	case bootstrapResult:
		l.onBootstrap(c)
	case oracleResult:
		l.onOracleResult(c)
	case callCompleted:
		l.onCallCompleted(c.result)
	case cancelRequest:
		if l.terminal() {
			c.reply <- l.alreadyTerminal()
			return
		}
		l.emit(events.Record{Kind: schema.EventRunCancelled, Payload: map[string]any{"reason": c.reason}})
		l.finish(schema.TerminalBlocked, "cancelled: "+c.reason)
		c.reply <- nil
	}
}

func (l *runLoop) start() {
	l.metrics.RunStarted()
	l.emit(events.Record{Kind: schema.EventRunStarted, Payload: map[string]any{
		"objective":      l.state.OriginalObjective,
		"context_id":     l.state.ContextID,
		"correlation_id": l.state.CorrelationID,
		"output_mode":    l.state.OutputMode,
		"oracle":         l.oracle.Name(),
	}})
	l.publish()

	if len(l.plan) > 0 {
		l.applyPlan(&oracle.Plan{Items: l.plan, Rationale: "worker plan supplied with the submission"}, "worker_plan")
		return
	}
	l.bootstrap(0)
}

func (l *runLoop) bootstrap(attempt int) {
	req := oracle.BootstrapRequest{
		RunID:        l.runID,
		Objective:    l.state.OriginalObjective,
		ContextID:    l.state.ContextID,
		Capabilities: l.dispatcher.Capabilities(),
	}
	l.oracleInFlight = true
	go func() {
		if attempt > 0 {
			if err := WaitForBackoff(l.runCtx, ComputeBackoff(l.cfg.OracleBackoff, attempt-1)); err != nil {
				return
			}
		}
		start := time.Now()
		plan, err := withDeadline(l.runCtx, l.cfg.OracleTimeout, func(ctx context.Context) (*oracle.Plan, error) {
			return l.oracle.Bootstrap(ctx, req)
		})
		if err == nil && plan == nil {
			err = schema.NewError(schema.ErrCodeOracleFailed, "oracle returned no plan")
		}
		l.send(bootstrapResult{plan: plan, err: err, attempt: attempt, elapsed: time.Since(start)})
	}()
}

func (l *runLoop) onBootstrap(r bootstrapResult) {
	l.oracleInFlight = false
	if l.terminal() {
		return
	}
	if r.err != nil {
		l.metrics.OracleCall("error", r.elapsed)
		if IsRetryableOracleError(r.err) && r.attempt+1 < l.cfg.OracleAttempts {
			l.emitOracleRetry("bootstrap", r.attempt+1, r.err)
			l.bootstrap(r.attempt + 1)
			return
		}
		l.finish(schema.TerminalBlocked, fmt.Sprintf("bootstrap failed after %d attempts: %s", r.attempt+1, errMessage(r.err)))
		return
	}
	l.metrics.OracleCall("ok", r.elapsed)
	l.applyPlan(r.plan, l.oracle.Name())
}

func (l *runLoop) applyPlan(plan *oracle.Plan, source string) {
	if len(plan.Items) == 0 {
		l.finish(schema.TerminalBlocked, "bootstrap produced an empty agenda")
		return
	}
	created, err := l.agenda.CreateBatch(plan.Items)
	if err != nil {
		l.finish(schema.TerminalBlocked, "bootstrap plan rejected: "+errMessage(err))
		return
	}
	l.emit(events.Record{Kind: schema.EventBootstrapCompleted, Payload: map[string]any{
		"source":     source,
		"item_count": len(created),
		"rationale":  plan.Rationale,
	}})
	for _, it := range created {
		l.emit(events.Record{Kind: schema.EventAgendaCreated, ItemID: it.ID, Payload: it})
	}
	l.advance()
}

// advance promotes items whose dependencies completed, publishes, and asks
// the oracle for the next decision when one is due.
func (l *runLoop) advance() {
	if l.terminal() {
		return
	}
	for _, id := range l.agenda.MarkReady() {
		l.emit(events.Record{Kind: schema.EventItemReady, ItemID: id})
	}
	l.publish()
	l.maybeRequestDecision()
}

// maybeRequestDecision consults the oracle when nothing is running, when a
// call finished since the last decision, or when a re-request is pending.
// Only one consultation is in flight at a time.
func (l *runLoop) maybeRequestDecision() {
	if l.terminal() || l.oracleInFlight {
		return
	}
	if len(l.state.ActiveCalls) > 0 && l.completions == 0 && !l.rerequest {
		return
	}
	if l.decisions >= l.cfg.MaxDecisions {
		l.finish(schema.TerminalBlocked, fmt.Sprintf("decision limit of %d reached", l.cfg.MaxDecisions))
		return
	}
	l.rerequest = false
	l.completions = 0
	l.consult(0)
}

func (l *runLoop) consult(attempt int) {
	l.oracleInFlight = true
	go func() {
		if attempt > 0 {
			if err := WaitForBackoff(l.runCtx, ComputeBackoff(l.cfg.OracleBackoff, attempt-1)); err != nil {
				return
			}
		}
		// Taken after the backoff so a retry sees the latest state.
		snap := l.snap.Load().Clone()
		start := time.Now()
		d, err := withDeadline(l.runCtx, l.cfg.OracleTimeout, func(ctx context.Context) (*schema.Decision, error) {
			return l.oracle.Evaluate(ctx, snap)
		})
		if err == nil && d == nil {
			err = schema.NewError(schema.ErrCodeOracleFailed, "oracle returned no decision")
		}
		l.send(oracleResult{decision: d, err: err, attempt: attempt, elapsed: time.Since(start)})
	}()
}

func (l *runLoop) onOracleResult(r oracleResult) {
	l.oracleInFlight = false
	if l.terminal() {
		return
	}
	if r.err != nil {
		if schema.IsCode(r.err, schema.ErrCodeInvalidDecision) {
			l.metrics.OracleCall("invalid", r.elapsed)
			l.discard(nil, r.err)
			return
		}
		l.metrics.OracleCall("error", r.elapsed)
		if IsRetryableOracleError(r.err) && r.attempt+1 < l.cfg.OracleAttempts {
			l.emitOracleRetry("evaluate", r.attempt+1, r.err)
			l.consult(r.attempt + 1)
			return
		}
		l.finish(schema.TerminalBlocked, fmt.Sprintf("oracle unavailable after %d attempts: %s", r.attempt+1, errMessage(r.err)))
		return
	}
	l.metrics.OracleCall("ok", r.elapsed)
	l.onDecision(r.decision)
}

func (l *runLoop) emitOracleRetry(phase string, attempt int, err error) {
	l.emit(events.Record{Kind: schema.EventOracleRetry, Payload: map[string]any{
		"phase":    phase,
		"attempt":  attempt + 1,
		"of":       l.cfg.OracleAttempts,
		"code":     schema.ErrorCode(err),
		"error":    errMessage(err),
		"delay_ms": ComputeBackoff(l.cfg.OracleBackoff, attempt-1).Milliseconds(),
	}})
}

func (l *runLoop) onDecision(d *schema.Decision) {
	d.ID = l.newID()
	d.DecidedAt = l.now().UTC()
	if d.Source == "" {
		d.Source = l.oracle.Name()
	}

	effect, err := l.agenda.ApplyDecision(d)
	if err != nil {
		l.discard(d, err)
		return
	}
	l.discarded = 0
	l.decisions++
	l.state.DecisionLog = append(l.state.DecisionLog, *d)
	l.metrics.DecisionApplied(string(d.Type))
	l.logger.Debug("decision applied",
		slog.String("decision_type", string(d.Type)),
		slog.Float64("confidence", d.Confidence),
		slog.String("rationale", d.Rationale))

	payload := map[string]any{"decision": d}
	if len(effect.Superseded) > 0 {
		payload["superseded"] = effect.Superseded
	}
	l.emit(events.Record{Kind: schema.EventDecisionApplied, Payload: payload})
	for _, it := range effect.Created {
		l.emit(events.Record{Kind: schema.EventAgendaCreated, ItemID: it.ID, Payload: it})
	}

	switch {
	case effect.Terminal != schema.TerminalNone:
		l.finish(effect.Terminal, d.BlockReason)
		return

	case d.Type == schema.DecisionDispatch || d.Type == schema.DecisionRetry:
		l.idle = 0
		for _, it := range effect.Dispatch {
			l.startCall(it)
		}
		// Items the decision left behind still need one.
		if len(l.readyItems()) > 0 {
			l.rerequest = true
		}

	case d.Type == schema.DecisionSpawnFollowup:
		l.idle = 0
		l.rerequest = true

	case d.Type == schema.DecisionContinue:
		if len(l.state.ActiveCalls) == 0 {
			l.idle++
			if l.idle >= l.cfg.MaxIdleDecisions {
				l.finish(schema.TerminalBlocked,
					fmt.Sprintf("no progress: %d consecutive continue decisions with no active calls", l.idle))
				return
			}
			l.rerequest = true
		}
	}
	l.advance()
}

// discard records a decision that could not be applied and asks again, up
// to MaxDiscardedDecisions in a row.
func (l *runLoop) discard(d *schema.Decision, err error) {
	l.discarded++
	code := schema.ErrorCode(err)
	if code == "" {
		code = schema.ErrCodeInvalidDecision
	}
	l.metrics.DecisionDiscarded(code)
	l.logger.Info("decision discarded", slog.String("code", code), slog.String("error", errMessage(err)))

	payload := map[string]any{
		"code":        code,
		"error":       errMessage(err),
		"consecutive": l.discarded,
	}
	if d != nil {
		payload["decision"] = d
	}
	l.emit(events.Record{Kind: schema.EventDecisionDiscarded, Payload: payload})

	if l.discarded >= l.cfg.MaxDiscardedDecisions {
		l.finish(schema.TerminalBlocked,
			fmt.Sprintf("oracle produced %d unusable decisions in a row; last: %s", l.discarded, errMessage(err)))
		return
	}
	l.rerequest = true
	l.publish()
	l.maybeRequestDecision()
}

func (l *runLoop) startCall(it schema.AgendaItem) {
	now := l.now().UTC()
	call := schema.WorkerCall{
		CallID:       l.newID(),
		AgendaItemID: it.ID,
		Capability:   it.Capability,
		Objective:    it.Objective,
		Attempt:      it.AttemptCount,
		Status:       schema.CallStatusRunning,
		StartedAt:    now,
	}
	l.state.Calls = append(l.state.Calls, call)
	l.outstanding[call.CallID] = len(l.state.Calls) - 1
	l.state.ActiveCalls[call.CallID] = schema.ActiveCall{AgendaItemID: it.ID, StartedAt: now}

	l.emit(events.Record{Kind: schema.EventWorkerCallStarted, ItemID: it.ID, CallID: call.CallID, Payload: map[string]any{
		"capability": it.Capability,
		"attempt":    it.AttemptCount,
		"objective":  it.Objective,
	}})

	l.dispatcher.Dispatch(l.workerCtx, Call{
		RunID:           l.runID,
		CallID:          call.CallID,
		ItemID:          it.ID,
		Capability:      it.Capability,
		Objective:       it.Objective,
		SuccessCriteria: it.SuccessCriteria,
	}, func(r CallResult) { l.send(callCompleted{result: r}) })
}

func (l *runLoop) onCallCompleted(r CallResult) {
	callID := r.Call.CallID
	idx, ok := l.outstanding[callID]
	if !ok {
		l.logger.Warn("result for unknown worker call", slog.String("call_id", callID))
		return
	}
	delete(l.outstanding, callID)

	if l.terminal() {
		payload := map[string]any{"reason": "run is " + string(l.state.TerminalStatus)}
		if r.Err != nil {
			payload["code"] = r.Err.Code
		}
		l.emit(events.Record{Kind: schema.EventWorkerResultDiscarded, ItemID: r.Call.ItemID, CallID: callID, Payload: payload})
		return
	}

	delete(l.state.ActiveCalls, callID)
	call := &l.state.Calls[idx]
	ended := r.EndedAt.UTC()
	call.EndedAt = &ended

	if r.Succeeded() {
		art := schema.Artifact{
			ID:                 l.newID(),
			SourceAgendaItemID: r.Call.ItemID,
			SourceCallID:       callID,
			Content:            r.Output.Content,
			ContentType:        r.Output.ContentType,
			Sources:            r.Output.Sources,
			CreatedAt:          ended,
		}
		if err := l.agenda.CompleteItem(r.Call.ItemID, art.ID); err != nil {
			l.logger.Error("complete item", slog.String("item_id", r.Call.ItemID), slog.String("error", err.Error()))
			return
		}
		l.state.Artifacts = append(l.state.Artifacts, art)
		call.Status = schema.CallStatusSucceeded
		call.ArtifactID = art.ID
		call.Steps = r.Output.Steps

		l.emit(events.Record{Kind: schema.EventWorkerCallCompleted, ItemID: r.Call.ItemID, CallID: callID, Payload: map[string]any{
			"status":      schema.CallStatusSucceeded,
			"duration_ms": r.Duration.Milliseconds(),
			"steps":       r.Output.Steps,
			"artifact_id": art.ID,
		}})
		l.emit(events.Record{Kind: schema.EventArtifactCollected, ItemID: r.Call.ItemID, CallID: callID, Payload: map[string]any{
			"artifact_id":  art.ID,
			"content_type": art.ContentType,
			"bytes":        len(art.Content),
			"sources":      art.Sources,
		}})
	} else {
		if err := l.agenda.FailItem(r.Call.ItemID, r.Err); err != nil {
			l.logger.Error("fail item", slog.String("item_id", r.Call.ItemID), slog.String("error", err.Error()))
			return
		}
		call.Status = schema.CallStatusFailed
		call.Error = r.Err
		l.emit(events.Record{Kind: schema.EventWorkerCallCompleted, ItemID: r.Call.ItemID, CallID: callID, Payload: map[string]any{
			"status":      schema.CallStatusFailed,
			"duration_ms": r.Duration.Milliseconds(),
			"error":       r.Err,
		}})
	}

	l.completions++
	l.idle = 0
	l.advance()
}

// finish moves the run to a terminal status exactly once. Outstanding calls
// are cancelled and recorded as failed; their late results are discarded.
func (l *runLoop) finish(status schema.TerminalStatus, reason string) {
	if l.terminal() {
		return
	}
	l.agenda.Stop(status)
	l.cancelWorkers()

	now := l.now().UTC()
	for callID := range l.state.ActiveCalls {
		if idx, ok := l.outstanding[callID]; ok {
			call := &l.state.Calls[idx]
			call.Status = schema.CallStatusFailed
			call.Error = &schema.CallError{Code: schema.ErrCodeCancelled, Message: "run ended before the call finished"}
			call.EndedAt = &now
		}
	}
	l.state.ActiveCalls = map[string]schema.ActiveCall{}
	l.state.Agenda = l.agenda.Items()

	if status == schema.TerminalCompleted {
		res, err := l.synth.Synthesize(l.ctx, l.state.Clone())
		if err == nil && res == nil {
			err = schema.NewError(schema.ErrCodeValidation, "synthesizer returned no result")
		}
		if err != nil {
			l.logger.Error("synthesis failed", slog.String("error", err.Error()))
			status = schema.TerminalBlocked
			reason = "synthesis failed: " + errMessage(err)
		} else {
			l.state.Result = res
		}
	}

	l.state.TerminalStatus = status
	l.state.CompletedAt = &now
	if status == schema.TerminalBlocked {
		if reason == "" {
			reason = "blocked"
		}
		l.state.BlockReason = reason
	}

	switch status {
	case schema.TerminalCompleted:
		res := l.state.Result
		if res.ReportPath != "" {
			l.emit(events.Record{Kind: schema.EventReportWritten, Payload: map[string]any{
				"path":  res.ReportPath,
				"bytes": len(res.Content),
			}})
		}
		l.emit(events.Record{Kind: schema.EventRunCompleted, Payload: map[string]any{
			"mode":           res.Mode,
			"content_type":   res.ContentType,
			"artifact_count": len(res.ArtifactIDs),
			"report_path":    res.ReportPath,
		}})
	default:
		l.emit(events.Record{Kind: schema.EventRunBlocked, Payload: map[string]any{
			"block_reason": l.state.BlockReason,
		}})
	}

	l.publish()
	l.metrics.RunFinished(string(status), now.Sub(l.state.CreatedAt))
	l.logger.Info("run finished",
		slog.String("terminal_status", string(status)),
		slog.String("block_reason", l.state.BlockReason),
		slog.Int("artifacts", len(l.state.Artifacts)))
	close(l.done)
	l.cancelRun()
}

// publish refreshes derived fields and makes the live state visible to
// readers and the store.
func (l *runLoop) publish() {
	l.state.Agenda = l.agenda.Items()
	l.state.Capabilities = l.dispatcher.Capabilities()
	l.state.Version++
	l.state.UpdatedAt = l.now().UTC()

	snap := l.state.Clone()
	l.snap.Store(snap)
	if l.saver != nil {
		if err := l.saver.SaveSnapshot(l.ctx, snap); err != nil {
			l.logger.Error("persist snapshot", slog.Int64("version", snap.Version), slog.String("error", err.Error()))
		}
	}
}

func (l *runLoop) emit(rec events.Record) {
	rec.RunID = l.runID
	if _, err := l.emitter.Emit(l.ctx, rec); err != nil {
		l.logger.Debug("emit", slog.String("kind", rec.Kind), slog.String("error", err.Error()))
	}
}

func (l *runLoop) readyItems() []string {
	var ids []string
	for id, it := range l.agenda.Items() {
		if it.Status == schema.ItemStatusReady {
			ids = append(ids, id)
		}
	}
	return ids
}

// withDeadline runs fn with a timeout and returns when either fn does or the
// timeout fires, so an oracle that ignores its context cannot stall the run.
func withDeadline[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		v   T
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		v, err := fn(ctx)
		ch <- answer{v, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !schema.IsCode(a.err, schema.ErrCodeOracleTimeout) {
			a.err = schema.NewErrorf(schema.ErrCodeOracleTimeout, "oracle did not answer within %s", timeout).WithCause(a.err)
		}
		return a.v, a.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, schema.NewErrorf(schema.ErrCodeOracleTimeout, "oracle did not answer within %s", timeout).WithCause(ctx.Err())
		}
		return zero, schema.NewError(schema.ErrCodeCancelled, "oracle call cancelled").WithCause(ctx.Err())
	}
}

func errMessage(err error) string {
	var ce *schema.ConductorError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
