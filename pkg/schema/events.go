package schema

import (
	"encoding/json"
	"time"
)

// Event kinds appended to a run's event log.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunBlocked   = "run.blocked"
	EventRunCancelled = "run.cancelled"

	EventBootstrapCompleted = "bootstrap.completed"
	EventAgendaCreated      = "agenda.created"
	EventItemReady          = "agenda.ready"

	EventDecisionApplied   = "decision.applied"
	EventDecisionDiscarded = "decision.discarded"
	EventOracleRetry       = "oracle.retry"

	EventWorkerCallStarted     = "worker.call.started"
	EventWorkerCallCompleted   = "worker.call.completed"
	EventWorkerResultDiscarded = "worker.result.discarded"

	EventArtifactCollected = "artifact.collected"
	EventReportWritten     = "report.written"
)

// Event is one entry of a run's append-only event log.
type Event struct {
	ID        int64           `json:"id,omitempty"`
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Kind      string          `json:"kind"`
	ItemID    string          `json:"item_id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
