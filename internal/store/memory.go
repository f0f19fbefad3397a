package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// MemoryStore is an in-process Store used for ephemeral runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string]*Run
	events map[string][]*schema.Event
	nextID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*Run),
		events: make(map[string][]*schema.Event),
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = time.Now().UTC()
	cp := *run
	if run.Snapshot != nil {
		cp.Snapshot = run.Snapshot.Clone()
	}
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return copyRun(r), nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap *schema.RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[snap.RunID]
	if !ok {
		return storeNotFound("run", snap.RunID)
	}
	if snap.Version < r.Version {
		return nil
	}
	r.Snapshot = snap.Clone()
	r.Version = snap.Version
	r.TerminalStatus = snap.TerminalStatus
	r.BlockReason = snap.BlockReason
	r.CompletedAt = snap.CompletedAt
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, r := range m.runs {
		if filter.ContextID != "" && r.ContextID != filter.ContextID {
			continue
		}
		if filter.TerminalStatus != nil && r.TerminalStatus != *filter.TerminalStatus {
			continue
		}
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		if !filter.IncludeArchived && r.ArchivedAt != nil {
			continue
		}
		out = append(out, copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ArchiveRuns(_ context.Context, completedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, r := range m.runs {
		if r.TerminalStatus == schema.TerminalNone || r.ArchivedAt != nil || r.CompletedAt == nil {
			continue
		}
		if !r.CompletedAt.Before(completedBefore) {
			continue
		}
		r.ArchivedAt = &now
		delete(m.events, id)
		n++
	}
	return n, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.RunID])) + 1
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*schema.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByKind(_ context.Context, kind string, filter EventFilter) ([]*schema.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Event
	for runID, events := range m.events {
		if filter.RunID != "" && runID != filter.RunID {
			continue
		}
		for _, e := range events {
			if e.Kind != kind {
				continue
			}
			if filter.ItemID != "" && e.ItemID != filter.ItemID {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func copyRun(r *Run) *Run {
	cp := *r
	if r.Snapshot != nil {
		cp.Snapshot = r.Snapshot.Clone()
	}
	return &cp
}
