package schema

import (
	"fmt"
	"strings"
)

// SubmitStatusAccepted is the status returned for every accepted submission.
const SubmitStatusAccepted = "accepted"

// Submission is a request to start a new run.
type Submission struct {
	Objective     string       `json:"objective" yaml:"objective" mapstructure:"objective"`
	ContextID     string       `json:"context_id" yaml:"context_id" mapstructure:"context_id"`
	OutputMode    OutputMode   `json:"output_mode,omitempty" yaml:"output_mode,omitempty" mapstructure:"output_mode"`
	WorkerPlan    []AgendaItem `json:"worker_plan,omitempty" yaml:"worker_plan,omitempty" mapstructure:"worker_plan"`
	CorrelationID string       `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty" mapstructure:"correlation_id"`
}

// SubmitResult acknowledges an accepted submission.
type SubmitResult struct {
	TaskID        string `json:"task_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// Validate rejects malformed submissions before a run is created.
func (s *Submission) Validate() error {
	r := &ValidationResult{}
	if strings.TrimSpace(s.Objective) == "" {
		r.AddError("objective", ErrCodeValidation, "objective is required")
	}
	if strings.TrimSpace(s.ContextID) == "" {
		r.AddError("context_id", ErrCodeValidation, "context_id is required")
	}
	if !s.OutputMode.Valid() {
		r.AddError("output_mode", ErrCodeValidation, "unknown output mode "+string(s.OutputMode))
	}

	ids := make(map[string]bool, len(s.WorkerPlan))
	for i, it := range s.WorkerPlan {
		path := fmt.Sprintf("worker_plan[%d]", i)
		if it.Objective == "" {
			r.AddError(path+".objective", ErrCodeValidation, "objective is required")
		}
		if it.Capability == "" {
			r.AddError(path+".capability", ErrCodeValidation, "capability is required")
		}
		key := it.Key
		if key == "" {
			key = it.ID
		}
		if key != "" {
			if ids[key] {
				r.AddError(path+".key", ErrCodeValidation, "duplicate item key "+key)
			}
			ids[key] = true
		}
	}
	for i, it := range s.WorkerPlan {
		for _, dep := range it.Dependencies {
			if !ids[dep] {
				r.AddError(fmt.Sprintf("worker_plan[%d].dependencies", i), ErrCodeValidation,
					"unknown dependency "+dep)
			}
		}
	}
	return r.ToError(ErrCodeValidation)
}
