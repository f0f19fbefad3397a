// Package agenda owns the agenda items of a single run and enforces their
// dependency and status invariants.
//
// A Store is not safe for concurrent use. It is owned by exactly one run loop,
// which is the only writer; readers receive copies via Items.
package agenda

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conductor/pkg/schema"
)

// Effect describes what applying a decision changed.
type Effect struct {
	// Dispatch holds the items that moved to dispatched and need a worker call,
	// ordered by priority, then creation.
	Dispatch   []schema.AgendaItem
	Created    []schema.AgendaItem
	Superseded []string
	Terminal   schema.TerminalStatus
}

// Option configures a Store.
type Option func(*Store)

// WithCapabilities restricts item capabilities to those accepted by known.
func WithCapabilities(known func(schema.Capability) bool) Option {
	return func(s *Store) { s.known = known }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides item ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// Store holds the agenda of one run.
type Store struct {
	runID    string
	items    map[string]*schema.AgendaItem
	seq      int64
	terminal schema.TerminalStatus

	known func(schema.Capability) bool
	now   func() time.Time
	newID func() string
}

// New creates an empty agenda for the given run.
func New(runID string, opts ...Option) *Store {
	s := &Store{
		runID: runID,
		items: make(map[string]*schema.AgendaItem),
		known: func(schema.Capability) bool { return true },
		now:   time.Now,
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunID returns the run this agenda belongs to.
func (s *Store) RunID() string { return s.runID }

// Terminal returns the run-level outcome recorded by a terminal decision.
func (s *Store) Terminal() schema.TerminalStatus { return s.terminal }

// Len returns the number of items, superseded ones included.
func (s *Store) Len() int { return len(s.items) }

// Get returns a copy of the item with the given ID or key.
func (s *Store) Get(ref string) (schema.AgendaItem, bool) {
	id, ok := resolveRef(s.items, ref)
	if !ok {
		return schema.AgendaItem{}, false
	}
	return s.items[id].Clone(), true
}

// Items returns a deep copy of the agenda keyed by item ID.
func (s *Store) Items() map[string]schema.AgendaItem {
	out := make(map[string]schema.AgendaItem, len(s.items))
	for id, it := range s.items {
		out[id] = it.Clone()
	}
	return out
}

// Create adds one item. Every dependency must already be present.
func (s *Store) Create(item schema.AgendaItem) (schema.AgendaItem, error) {
	created, err := s.CreateBatch([]schema.AgendaItem{item})
	if err != nil {
		return schema.AgendaItem{}, err
	}
	return created[0], nil
}

// CreateBatch adds several items atomically. Items of the batch may depend
// on each other as well as on existing items; a dangling dependency or a
// cycle rejects the whole batch.
func (s *Store) CreateBatch(batch []schema.AgendaItem) ([]schema.AgendaItem, error) {
	if s.terminal != schema.TerminalNone {
		return nil, s.terminalErr()
	}
	staged := s.clone()
	seq := s.seq
	created, err := s.stageNew(staged, &seq, batch)
	if err != nil {
		return nil, err
	}
	if err := checkResolved(staged); err != nil {
		return nil, err
	}
	if err := checkAcyclic(staged); err != nil {
		return nil, err
	}
	s.items, s.seq = staged, seq
	return created, nil
}

// MarkReady moves every pending item whose dependencies are all completed
// to ready. It returns the IDs that changed, ordered by priority then creation.
func (s *Store) MarkReady() []string {
	if s.terminal != schema.TerminalNone {
		return nil
	}
	var readied []*schema.AgendaItem
	for _, it := range s.items {
		if it.Status != schema.ItemStatusPending {
			continue
		}
		ready := true
		for _, dep := range it.Dependencies {
			if d, ok := s.items[dep]; !ok || d.Status != schema.ItemStatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			it.Status = schema.ItemStatusReady
			it.UpdatedAt = s.now()
			readied = append(readied, it)
		}
	}
	sortItems(readied)
	ids := make([]string, len(readied))
	for i, it := range readied {
		ids[i] = it.ID
	}
	return ids
}

// CompleteItem records a successful worker call for a dispatched item.
func (s *Store) CompleteItem(id, artifactID string) error {
	it, err := s.liveItem(id)
	if err != nil {
		return err
	}
	if err := transition(it, schema.ItemStatusCompleted); err != nil {
		return err
	}
	it.ArtifactID = artifactID
	it.LastError = nil
	it.UpdatedAt = s.now()
	return nil
}

// FailItem records a failed worker call for a dispatched item.
func (s *Store) FailItem(id string, callErr *schema.CallError) error {
	it, err := s.liveItem(id)
	if err != nil {
		return err
	}
	if err := transition(it, schema.ItemStatusFailed); err != nil {
		return err
	}
	it.LastError = callErr
	it.UpdatedAt = s.now()
	return nil
}

func (s *Store) liveItem(id string) (*schema.AgendaItem, error) {
	if s.terminal != schema.TerminalNone {
		return nil, s.terminalErr()
	}
	it, ok := s.items[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agenda item %s not found", id)
	}
	return it, nil
}

// ApplyDecision applies a decision atomically: every implied mutation is
// staged on a copy and validated before the copy replaces the agenda. On
// error the agenda and d are unchanged. On success the item keys d used as
// targets are rewritten to item IDs.
func (s *Store) ApplyDecision(in *schema.Decision) (*Effect, error) {
	if s.terminal != schema.TerminalNone {
		return nil, s.terminalErr()
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	d := s.resolveDecision(in)

	staged := s.clone()
	seq := s.seq
	eff := &Effect{}
	now := s.now()

	switch d.Type {
	case schema.DecisionDispatch:
		for _, id := range d.TargetItemIDs {
			it, err := lookup(staged, id)
			if err != nil {
				return nil, err
			}
			if err := transition(it, schema.ItemStatusDispatched); err != nil {
				return nil, err
			}
			it.AttemptCount++
			it.UpdatedAt = now
		}

	case schema.DecisionRetry:
		for _, id := range d.TargetItemIDs {
			it, err := lookup(staged, id)
			if err != nil {
				return nil, err
			}
			if err := transition(it, schema.ItemStatusReady); err != nil {
				return nil, err
			}
			if err := transition(it, schema.ItemStatusDispatched); err != nil {
				return nil, err
			}
			if refined := strings.TrimSpace(d.RefinedObjectives[id]); refined != "" {
				it.Objective = refined
			}
			it.AttemptCount++
			it.LastError = nil
			it.UpdatedAt = now
		}

	case schema.DecisionSpawnFollowup:
		created, err := s.spawnFollowup(staged, &seq, d, now)
		if err != nil {
			return nil, err
		}
		eff.Created = created
		eff.Superseded = slices.Clone(d.TargetItemIDs)

	case schema.DecisionContinue:

	case schema.DecisionComplete:
		if !d.AcceptPartial {
			if open := unfinished(staged); len(open) > 0 {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidDecision,
					"complete with %d unfinished required items", len(open)).
					WithDetails(map[string]any{"items": open})
			}
		}
		eff.Terminal = schema.TerminalCompleted

	case schema.DecisionBlock:
		eff.Terminal = schema.TerminalBlocked
	}

	if err := checkResolved(staged); err != nil {
		return nil, err
	}
	if err := checkAcyclic(staged); err != nil {
		return nil, err
	}

	if d.Type == schema.DecisionDispatch || d.Type == schema.DecisionRetry {
		for _, id := range d.TargetItemIDs {
			eff.Dispatch = append(eff.Dispatch, staged[id].Clone())
		}
		sort.SliceStable(eff.Dispatch, func(i, j int) bool {
			a, b := eff.Dispatch[i], eff.Dispatch[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.Seq < b.Seq
		})
	}

	s.items, s.seq = staged, seq
	s.terminal = eff.Terminal
	in.TargetItemIDs = d.TargetItemIDs
	in.RefinedObjectives = d.RefinedObjectives
	return eff, nil
}

// resolveDecision returns a shallow copy of d whose targets and refined
// objectives are keyed by item ID. Unknown references are kept so lookup
// reports them.
func (s *Store) resolveDecision(d *schema.Decision) *schema.Decision {
	out := *d
	if len(d.TargetItemIDs) > 0 {
		out.TargetItemIDs = make([]string, len(d.TargetItemIDs))
		for i, ref := range d.TargetItemIDs {
			out.TargetItemIDs[i] = ref
			if id, ok := resolveRef(s.items, ref); ok {
				out.TargetItemIDs[i] = id
			}
		}
	}
	if len(d.RefinedObjectives) > 0 {
		out.RefinedObjectives = make(map[string]string, len(d.RefinedObjectives))
		for ref, objective := range d.RefinedObjectives {
			if id, ok := resolveRef(s.items, ref); ok {
				ref = id
			}
			out.RefinedObjectives[ref] = objective
		}
	}
	return &out
}

// Stop marks the agenda terminal outside of a decision, e.g. when the
// oracle is unavailable or the run is cancelled.
func (s *Store) Stop(status schema.TerminalStatus) {
	if s.terminal == schema.TerminalNone {
		s.terminal = status
	}
}

func (s *Store) spawnFollowup(staged map[string]*schema.AgendaItem, seq *int64, d *schema.Decision, now time.Time) ([]schema.AgendaItem, error) {
	targets := make(map[string]bool, len(d.TargetItemIDs))
	for _, id := range d.TargetItemIDs {
		it, err := lookup(staged, id)
		if err != nil {
			return nil, err
		}
		if err := transition(it, schema.ItemStatusSuperseded); err != nil {
			return nil, err
		}
		it.UpdatedAt = now
		targets[id] = true
	}

	defaultParent := ""
	if len(d.TargetItemIDs) == 1 {
		defaultParent = d.TargetItemIDs[0]
	}
	batch := make([]schema.AgendaItem, len(d.NewItems))
	for i, it := range d.NewItems {
		batch[i] = it.Clone()
		if batch[i].ParentItemID == "" {
			batch[i].ParentItemID = defaultParent
		}
	}

	created, err := s.stageNew(staged, seq, batch)
	if err != nil {
		return nil, err
	}
	for i, it := range created {
		if !targets[it.ParentItemID] {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidDecision,
				"new item %d must name one of the superseded targets as parent", i)
		}
		for _, dep := range it.Dependencies {
			if targets[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidDecision,
					"new item %d depends on superseded item %s", i, dep)
			}
		}
	}

	// Dependents of a superseded item wait on its replacements instead.
	replacements := make(map[string][]string, len(targets))
	for _, it := range created {
		replacements[it.ParentItemID] = append(replacements[it.ParentItemID], it.ID)
	}
	for _, it := range staged {
		if it.Status.Settled() || targets[it.ID] {
			continue
		}
		var deps []string
		changed := false
		for _, dep := range it.Dependencies {
			if repl, ok := replacements[dep]; ok {
				changed = true
				for _, r := range repl {
					if !slices.Contains(deps, r) && r != it.ID {
						deps = append(deps, r)
					}
				}
				continue
			}
			deps = append(deps, dep)
		}
		if changed {
			it.Dependencies = deps
			it.UpdatedAt = now
		}
	}
	return created, nil
}

// stageNew validates and inserts new items into staged. Every item gets a
// fresh ID; a supplied ID or key is kept as the item's key. Dependencies and
// parents may name existing items or batch items by ID or key and are
// rewritten to IDs. Resolution of the whole agenda is checked by the caller.
func (s *Store) stageNew(staged map[string]*schema.AgendaItem, seq *int64, batch []schema.AgendaItem) ([]schema.AgendaItem, error) {
	r := &schema.ValidationResult{}
	now := s.now()
	prepared := make([]*schema.AgendaItem, 0, len(batch))
	byKey := make(map[string]string, len(batch))

	for i := range batch {
		it := batch[i].Clone()
		if it.Key == "" {
			it.Key = it.ID
		}
		it.ID = s.newID()
		label := itemLabel(&it)
		if it.Key != "" {
			_, inBatch := byKey[it.Key]
			_, exists := resolveRef(staged, it.Key)
			if inBatch || exists {
				r.AddError(label, schema.ErrCodeConflict, "duplicate agenda item key "+it.Key)
			}
			byKey[it.Key] = it.ID
		}
		if strings.TrimSpace(it.Objective) == "" {
			r.AddError(label, schema.ErrCodeValidation, "objective is required")
		}
		if it.Capability == "" || !s.known(it.Capability) {
			r.AddError(label, schema.ErrCodeValidation, "unknown capability "+string(it.Capability))
		}
		it.Status = schema.ItemStatusPending
		it.AttemptCount = 0
		it.ArtifactID = ""
		it.LastError = nil
		it.CreatedAt = now
		it.UpdatedAt = now
		prepared = append(prepared, &it)
	}

	resolve := func(ref string) (string, bool) {
		if id, ok := byKey[ref]; ok {
			return id, true
		}
		return resolveRef(staged, ref)
	}
	for _, it := range prepared {
		label := itemLabel(it)
		deps := make([]string, 0, len(it.Dependencies))
		for _, ref := range it.Dependencies {
			id, ok := resolve(ref)
			switch {
			case !ok:
				r.AddError(label, schema.ErrCodeDanglingDependency,
					"item "+label+" depends on unknown item "+ref)
			case id == it.ID:
				r.AddError(label, schema.ErrCodeCycleDetected, "item depends on itself")
			default:
				deps = append(deps, id)
			}
		}
		it.Dependencies = dedupe(deps)
		if id, ok := resolve(it.ParentItemID); ok {
			it.ParentItemID = id
		}
	}
	if err := r.ToError(schema.ErrCodeValidation); err != nil {
		return nil, err
	}

	created := make([]schema.AgendaItem, 0, len(prepared))
	for _, it := range prepared {
		*seq++
		it.Seq = *seq
		staged[it.ID] = it
		created = append(created, it.Clone())
	}
	return created, nil
}

func (s *Store) clone() map[string]*schema.AgendaItem {
	out := make(map[string]*schema.AgendaItem, len(s.items))
	for id, it := range s.items {
		c := it.Clone()
		out[id] = &c
	}
	return out
}

func (s *Store) terminalErr() error {
	return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", s.runID, s.terminal)
}

// resolveRef maps an item ID or key to the item ID.
func resolveRef(items map[string]*schema.AgendaItem, ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	if _, ok := items[ref]; ok {
		return ref, true
	}
	for id, it := range items {
		if it.Key == ref {
			return id, true
		}
	}
	return "", false
}

func itemLabel(it *schema.AgendaItem) string {
	if it.Key != "" {
		return it.Key
	}
	return it.ID
}

func lookup(items map[string]*schema.AgendaItem, id string) (*schema.AgendaItem, error) {
	it, ok := items[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidDecision, "unknown target item %s", id).WithItem(id)
	}
	return it, nil
}

// unfinished returns required items that are neither completed nor superseded.
func unfinished(items map[string]*schema.AgendaItem) []string {
	var open []string
	for _, id := range sortedIDs(items) {
		it := items[id]
		if it.Optional || it.Status.Settled() {
			continue
		}
		open = append(open, id)
	}
	return open
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func sortItems(items []*schema.AgendaItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].Seq < items[j].Seq
	})
}
