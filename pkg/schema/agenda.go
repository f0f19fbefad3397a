package schema

import (
	"slices"
	"time"
)

// Capability names a class of worker able to execute agenda items.
type Capability string

const (
	CapabilityCommand  Capability = "command"
	CapabilityResearch Capability = "research"
)

// ItemStatus represents the lifecycle state of an agenda item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusReady      ItemStatus = "ready"
	ItemStatusDispatched ItemStatus = "dispatched"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusSuperseded ItemStatus = "superseded"
)

// Settled reports whether the item will not change status again.
func (s ItemStatus) Settled() bool {
	return s == ItemStatusCompleted || s == ItemStatusSuperseded
}

// AgendaItem is one decomposed unit of work inside a run.
//
// ID is always assigned by the agenda. A label supplied by a plan or
// decision is kept as Key and may be used wherever an item is referenced
// within the same run.
type AgendaItem struct {
	ID              string     `json:"id" yaml:"id" mapstructure:"id"`
	Key             string     `json:"key,omitempty" yaml:"key,omitempty" mapstructure:"key"`
	Capability      Capability `json:"capability" yaml:"capability" mapstructure:"capability"`
	Objective       string     `json:"objective" yaml:"objective" mapstructure:"objective"`
	SuccessCriteria []string   `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty" mapstructure:"success_criteria"`
	Dependencies    []string   `json:"dependencies,omitempty" yaml:"dependencies,omitempty" mapstructure:"dependencies"`
	Priority        int        `json:"priority" yaml:"priority,omitempty" mapstructure:"priority"`
	Status          ItemStatus `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	ParentItemID    string     `json:"parent_item_id,omitempty" yaml:"parent_item_id,omitempty" mapstructure:"parent_item_id"`
	Optional        bool       `json:"optional,omitempty" yaml:"optional,omitempty" mapstructure:"optional"`
	ArtifactID      string     `json:"artifact_id,omitempty"`
	LastError       *CallError `json:"last_error,omitempty"`
	Seq             int64      `json:"seq"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the item.
func (it AgendaItem) Clone() AgendaItem {
	out := it
	out.SuccessCriteria = slices.Clone(it.SuccessCriteria)
	out.Dependencies = slices.Clone(it.Dependencies)
	if it.LastError != nil {
		e := *it.LastError
		out.LastError = &e
	}
	return out
}

// DependsOn reports whether id is one of the item's dependencies.
func (it AgendaItem) DependsOn(id string) bool {
	return slices.Contains(it.Dependencies, id)
}
