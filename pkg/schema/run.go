package schema

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// TerminalStatus is the final outcome of a run; empty while the run is live.
type TerminalStatus string

const (
	TerminalNone      TerminalStatus = ""
	TerminalCompleted TerminalStatus = "completed"
	TerminalBlocked   TerminalStatus = "blocked"
)

// OutputMode selects how a completed run presents its synthesized result.
type OutputMode string

const (
	OutputModeAuto           OutputMode = "auto"
	OutputModeMarkdownReport OutputMode = "markdown_report"
	OutputModeSummary        OutputMode = "summary"
)

// Valid reports whether m is a known output mode. Empty means auto.
func (m OutputMode) Valid() bool {
	switch m {
	case "", OutputModeAuto, OutputModeMarkdownReport, OutputModeSummary:
		return true
	}
	return false
}

// CallStatus represents the lifecycle state of a worker call.
type CallStatus string

const (
	CallStatusRunning   CallStatus = "running"
	CallStatusSucceeded CallStatus = "succeeded"
	CallStatusFailed    CallStatus = "failed"
)

// CallError is the serializable form of a worker failure.
type CallError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WorkerCall records one invocation of a capability worker.
type WorkerCall struct {
	CallID       string     `json:"call_id"`
	AgendaItemID string     `json:"agenda_item_id"`
	Capability   Capability `json:"capability"`
	Objective    string     `json:"objective"`
	Attempt      int        `json:"attempt"`
	Status       CallStatus `json:"status"`
	ArtifactID   string     `json:"artifact_id,omitempty"`
	Error        *CallError `json:"error,omitempty"`
	Steps        int        `json:"steps,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// ActiveCall is an in-flight worker call.
type ActiveCall struct {
	AgendaItemID string    `json:"agenda_item_id"`
	StartedAt    time.Time `json:"started_at"`
}

// Artifact is one collected worker output.
type Artifact struct {
	ID                 string    `json:"id"`
	SourceAgendaItemID string    `json:"source_agenda_item_id"`
	SourceCallID       string    `json:"source_call_id,omitempty"`
	Content            string    `json:"content"`
	ContentType        string    `json:"content_type"`
	Sources            []string  `json:"sources,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// SynthesisResult is the merged output of a completed run.
type SynthesisResult struct {
	Mode        OutputMode `json:"mode"`
	Content     string     `json:"content"`
	ContentType string     `json:"content_type"`
	ArtifactIDs []string   `json:"artifact_ids"`
	Sources     []string   `json:"sources,omitempty"`
	ReportPath  string     `json:"report_path,omitempty"`
}

// CapabilityStatus describes a capability as seen by the oracle.
type CapabilityStatus struct {
	Name                Capability `json:"name"`
	Description         string     `json:"description,omitempty"`
	Available           bool       `json:"available"`
	ConsecutiveFailures int        `json:"consecutive_failures,omitempty"`
}

// RunSnapshot is an immutable point-in-time copy of a run's state.
// Snapshots are handed to oracles, status queries, and persistence; none of
// them ever observes the live state owned by the run loop.
type RunSnapshot struct {
	RunID             string                `json:"run_id"`
	CorrelationID     string                `json:"correlation_id"`
	ContextID         string                `json:"context_id"`
	OriginalObjective string                `json:"original_objective"`
	OutputMode        OutputMode            `json:"output_mode"`
	Agenda            map[string]AgendaItem `json:"agenda"`
	ActiveCalls       map[string]ActiveCall `json:"active_calls"`
	Calls             []WorkerCall          `json:"calls"`
	Artifacts         []Artifact            `json:"artifacts"`
	DecisionLog       []Decision            `json:"decision_log"`
	Capabilities      []CapabilityStatus    `json:"capabilities"`
	TerminalStatus    TerminalStatus        `json:"terminal_status"`
	BlockReason       string                `json:"block_reason,omitempty"`
	Result            *SynthesisResult      `json:"result,omitempty"`
	Version           int64                 `json:"version"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached Completed or Blocked.
func (s *RunSnapshot) Terminal() bool {
	return s.TerminalStatus != TerminalNone
}

// Items returns the agenda ordered by creation sequence.
func (s *RunSnapshot) Items() []AgendaItem {
	items := make([]AgendaItem, 0, len(s.Agenda))
	for _, it := range s.Agenda {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items
}

// ItemsWithStatus returns items in the given status ordered by priority, then creation.
func (s *RunSnapshot) ItemsWithStatus(status ItemStatus) []AgendaItem {
	var out []AgendaItem
	for _, it := range s.Items() {
		if it.Status == status {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// CallsFor returns the call history of one item in start order.
func (s *RunSnapshot) CallsFor(itemID string) []WorkerCall {
	var out []WorkerCall
	for _, c := range s.Calls {
		if c.AgendaItemID == itemID {
			out = append(out, c)
		}
	}
	return out
}

// StatusCounts tallies agenda items per status.
func (s *RunSnapshot) StatusCounts() map[ItemStatus]int {
	counts := make(map[ItemStatus]int)
	for _, it := range s.Agenda {
		counts[it.Status]++
	}
	return counts
}

// Capability returns the status entry for name, if the capability is known.
func (s *RunSnapshot) Capability(name Capability) (CapabilityStatus, bool) {
	for _, c := range s.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return CapabilityStatus{}, false
}

// Clone returns a deep copy of the snapshot.
func (s *RunSnapshot) Clone() *RunSnapshot {
	out := *s
	out.Agenda = make(map[string]AgendaItem, len(s.Agenda))
	for id, it := range s.Agenda {
		out.Agenda[id] = it.Clone()
	}
	out.ActiveCalls = maps.Clone(s.ActiveCalls)
	if out.ActiveCalls == nil {
		out.ActiveCalls = map[string]ActiveCall{}
	}
	out.Calls = slices.Clone(s.Calls)
	for i := range out.Calls {
		if e := out.Calls[i].Error; e != nil {
			ce := *e
			out.Calls[i].Error = &ce
		}
	}
	out.Artifacts = slices.Clone(s.Artifacts)
	for i := range out.Artifacts {
		out.Artifacts[i].Sources = slices.Clone(out.Artifacts[i].Sources)
	}
	out.DecisionLog = make([]Decision, len(s.DecisionLog))
	for i, d := range s.DecisionLog {
		out.DecisionLog[i] = d.clone()
	}
	out.Capabilities = slices.Clone(s.Capabilities)
	if s.Result != nil {
		r := *s.Result
		r.ArtifactIDs = slices.Clone(s.Result.ArtifactIDs)
		r.Sources = slices.Clone(s.Result.Sources)
		out.Result = &r
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (d Decision) clone() Decision {
	out := d
	out.TargetItemIDs = slices.Clone(d.TargetItemIDs)
	if d.NewItems != nil {
		out.NewItems = make([]AgendaItem, len(d.NewItems))
		for i, it := range d.NewItems {
			out.NewItems[i] = it.Clone()
		}
	}
	out.RefinedObjectives = maps.Clone(d.RefinedObjectives)
	return out
}
