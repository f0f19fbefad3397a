package store

import (
	"context"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	SaveSnapshot(ctx context.Context, snap *schema.RunSnapshot) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ArchiveRuns(ctx context.Context, completedBefore time.Time) (int, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error)
	GetEventsByKind(ctx context.Context, kind string, filter EventFilter) ([]*schema.Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
