package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/conductor/pkg/schema"
)

const defaultTickInterval = 30 * time.Second

// Conductor is the part of the run manager the scheduler drives.
type Conductor interface {
	Submit(ctx context.Context, sub schema.Submission) (*schema.SubmitResult, error)
	Status(ctx context.Context, runID string) (*schema.RunSnapshot, error)
}

// Archiver flags old terminal runs as archived.
type Archiver interface {
	ArchiveRuns(ctx context.Context, completedBefore time.Time) (int, error)
}

// Schedule submits the same objective every time its cron expression fires.
type Schedule struct {
	Name       string            `yaml:"name" mapstructure:"name"`
	Cron       string            `yaml:"cron" mapstructure:"cron"`
	Submission schema.Submission `yaml:"submission" mapstructure:"submission"`
	// AllowOverlap submits even while the previous run of this schedule is live.
	AllowOverlap bool `yaml:"allow_overlap" mapstructure:"allow_overlap"`
}

// Config describes the scheduled objectives and the archive sweep.
type Config struct {
	Schedules []Schedule
	// ArchiveCron enables the archive sweep; runs finished more than
	// Retention ago are archived each time it fires.
	ArchiveCron  string
	Retention    time.Duration
	TickInterval time.Duration
}

// JobStatus is the observable state of one scheduled job.
type JobStatus struct {
	Name          string     `json:"name"`
	Cron          string     `json:"cron"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastTaskID    string     `json:"last_task_id,omitempty"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
	statusSkipped = "skipped"

	archiveJobName = "archive"
)

type job struct {
	schedule cron.Schedule
	status   JobStatus
	run      func(ctx context.Context, j *job) (string, error)
	sched    *Schedule
}

// Scheduler fires scheduled objectives and the archive sweep from a ticker
// loop. Due jobs run on the loop goroutine one after another.
type Scheduler struct {
	conductor Conductor
	archiver  Archiver
	retention time.Duration
	interval  time.Duration
	parser    cron.Parser
	logger    *slog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobsMu sync.Mutex
	jobs   []*job
}

// NewScheduler parses every cron expression up front and fails on the first
// bad one. archiver may be nil when cfg.ArchiveCron is empty.
func NewScheduler(cfg Config, conductor Conductor, archiver Archiver, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	s := &Scheduler{
		conductor: conductor,
		archiver:  archiver,
		retention: cfg.Retention,
		interval:  cfg.TickInterval,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    logger,
		now:       time.Now,
	}

	now := s.now().UTC()
	seen := make(map[string]bool)
	for i := range cfg.Schedules {
		sc := cfg.Schedules[i]
		if sc.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "schedule %d has no name", i)
		}
		if seen[sc.Name] || sc.Name == archiveJobName {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate schedule name %q", sc.Name)
		}
		seen[sc.Name] = true
		if err := sc.Submission.Validate(); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: %v", sc.Name, err).WithCause(err)
		}
		if err := s.add(sc.Name, sc.Cron, now, &sc, s.submit); err != nil {
			return nil, err
		}
	}

	if cfg.ArchiveCron != "" {
		if archiver == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "archive sweep needs a store")
		}
		if cfg.Retention <= 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "archive retention must be positive")
		}
		if err := s.add(archiveJobName, cfg.ArchiveCron, now, nil, s.archive); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, expr string, now time.Time, sc *Schedule, run func(context.Context, *job) (string, error)) error {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: parse cron expression %q: %v", name, expr, err).WithCause(err)
	}
	s.jobs = append(s.jobs, &job{
		schedule: schedule,
		run:      run,
		sched:    sc,
		status: JobStatus{
			Name:      name,
			Cron:      expr,
			NextRunAt: schedule.Next(now),
		},
	})
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, j := range s.due(now) {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, j, now)
	}
}

func (s *Scheduler) due(now time.Time) []*job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var out []*job
	for _, j := range s.jobs {
		if !j.status.NextRunAt.After(now) {
			out = append(out, j)
		}
	}
	return out
}

// runJob fires one job and advances its next run time from now, so a job
// that missed several firings runs once.
func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) {
	taskID, err := j.run(ctx, j)
	status := statusSuccess
	switch {
	case errors.Is(err, errStillRunning):
		status = statusSkipped
		s.logger.Info("scheduled objective skipped; previous run still live",
			slog.String("schedule", j.status.Name))
	case err != nil:
		status = statusError
		s.logger.Error("scheduled job failed",
			slog.String("schedule", j.status.Name),
			slog.String("error", err.Error()))
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	ran := now
	j.status.LastRunAt = &ran
	j.status.LastRunStatus = status
	j.status.NextRunAt = j.schedule.Next(now)
	if taskID != "" {
		j.status.LastTaskID = taskID
	}
}

var errStillRunning = errors.New("previous run still live")

func (s *Scheduler) submit(ctx context.Context, j *job) (string, error) {
	if !j.sched.AllowOverlap && j.status.LastTaskID != "" {
		snap, err := s.conductor.Status(ctx, j.status.LastTaskID)
		if err == nil && !snap.Terminal() {
			return "", errStillRunning
		}
	}
	res, err := s.conductor.Submit(ctx, j.sched.Submission)
	if err != nil {
		return "", err
	}
	s.logger.Info("scheduled objective submitted",
		slog.String("schedule", j.status.Name),
		slog.String("run_id", res.TaskID))
	return res.TaskID, nil
}

func (s *Scheduler) archive(ctx context.Context, _ *job) (string, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.archiver.ArchiveRuns(ctx, cutoff)
	if err != nil {
		return "", err
	}
	if n > 0 {
		s.logger.Info("archived runs", slog.Int("count", n), slog.Time("completed_before", cutoff))
	}
	return "", nil
}

// Jobs returns the state of every scheduled job.
func (s *Scheduler) Jobs() []JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobStatus, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.status
	}
	return out
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
