package validation

const (
	submissionSchemaURL = "https://conductor.dev/schemas/submission.json"
	decisionSchemaURL   = "https://conductor.dev/schemas/decision.json"
	planSchemaURL       = "https://conductor.dev/schemas/plan.json"
	itemSchemaURL       = "https://conductor.dev/schemas/agenda-item.json"
)

// itemSchemaJSON describes an agenda item as proposed by a submitter or oracle.
// Status, attempt_count, and timestamps are owned by the agenda and ignored.
const itemSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conductor.dev/schemas/agenda-item.json",
  "type": "object",
  "required": ["capability", "objective"],
  "properties": {
    "id": { "type": "string" },
    "key": { "type": "string" },
    "capability": { "type": "string", "pattern": "^[a-z][a-z0-9_.-]*$" },
    "objective": { "type": "string", "minLength": 1 },
    "success_criteria": { "type": "array", "items": { "type": "string" } },
    "dependencies": { "type": "array", "items": { "type": "string", "minLength": 1 }, "uniqueItems": true },
    "priority": { "type": "integer" },
    "parent_item_id": { "type": "string" },
    "optional": { "type": "boolean" }
  }
}`

const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conductor.dev/schemas/submission.json",
  "type": "object",
  "required": ["objective", "context_id"],
  "properties": {
    "objective": { "type": "string", "minLength": 1 },
    "context_id": { "type": "string", "minLength": 1 },
    "output_mode": { "type": "string", "enum": ["auto", "markdown_report", "summary"] },
    "worker_plan": {
      "type": "array",
      "items": { "$ref": "https://conductor.dev/schemas/agenda-item.json" }
    },
    "correlation_id": { "type": "string" }
  },
  "additionalProperties": false
}`

// decisionSchemaJSON encodes the decision tagged union: each decision_type
// constrains which of the other fields must or must not be present.
const decisionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conductor.dev/schemas/decision.json",
  "type": "object",
  "required": ["decision_type", "rationale"],
  "properties": {
    "decision_type": {
      "type": "string",
      "enum": ["dispatch", "retry", "spawn_followup", "continue", "complete", "block"]
    },
    "target_agenda_item_ids": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 },
      "uniqueItems": true
    },
    "new_agenda_items": {
      "type": "array",
      "items": { "$ref": "https://conductor.dev/schemas/agenda-item.json" }
    },
    "refined_objectives": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "rationale": { "type": "string", "minLength": 1 },
    "confidence": { "type": "number", "minimum": 0, "maximum": 1 },
    "block_reason": { "type": "string" },
    "accept_partial": { "type": "boolean" }
  },
  "allOf": [
    {
      "if": { "properties": { "decision_type": { "enum": ["dispatch", "retry"] } } },
      "then": { "required": ["target_agenda_item_ids"], "properties": { "target_agenda_item_ids": { "minItems": 1 } } }
    },
    {
      "if": { "properties": { "decision_type": { "const": "spawn_followup" } } },
      "then": {
        "required": ["target_agenda_item_ids", "new_agenda_items"],
        "properties": {
          "target_agenda_item_ids": { "minItems": 1 },
          "new_agenda_items": { "minItems": 1 }
        }
      }
    },
    {
      "if": { "properties": { "decision_type": { "const": "block" } } },
      "then": { "required": ["block_reason"], "properties": { "block_reason": { "minLength": 1 } } },
      "else": { "properties": { "block_reason": { "maxLength": 0 } } }
    }
  ]
}`

// planSchemaJSON is the bootstrap response: the initial agenda for a run.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conductor.dev/schemas/plan.json",
  "type": "object",
  "required": ["items"],
  "properties": {
    "items": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "https://conductor.dev/schemas/agenda-item.json" }
    },
    "rationale": { "type": "string" }
  }
}`
