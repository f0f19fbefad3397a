package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/conductor/pkg/schema"
)

// Plan is a bootstrap response: the initial agenda of a run.
type Plan struct {
	Items     []schema.AgendaItem `json:"items"`
	Rationale string              `json:"rationale,omitempty"`
}

// PayloadValidator validates untrusted JSON payloads at the deserialization
// boundary. It is safe for concurrent use; compiled schemas are immutable.
type PayloadValidator struct {
	submission *jsonschema.Schema
	decision   *jsonschema.Schema
	plan       *jsonschema.Schema
}

// NewPayloadValidator compiles the embedded payload schemas.
func NewPayloadValidator() (*PayloadValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	resources := map[string]string{
		itemSchemaURL:       itemSchemaJSON,
		submissionSchemaURL: submissionSchemaJSON,
		decisionSchemaURL:   decisionSchemaJSON,
		planSchemaURL:       planSchemaJSON,
	}
	for url, src := range resources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	v := &PayloadValidator{}
	var err error
	if v.submission, err = c.Compile(submissionSchemaURL); err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}
	if v.decision, err = c.Compile(decisionSchemaURL); err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	if v.plan, err = c.Compile(planSchemaURL); err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return v, nil
}

// MustPayloadValidator is NewPayloadValidator for package-level wiring; the
// embedded schemas are constants, so failure is a programming error.
func MustPayloadValidator() *PayloadValidator {
	v, err := NewPayloadValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// DecodeSubmission validates raw JSON against the submission schema and decodes it.
func (v *PayloadValidator) DecodeSubmission(raw []byte) (*schema.Submission, error) {
	var sub schema.Submission
	if err := v.decode(v.submission, raw, &sub, schema.ErrCodeValidation); err != nil {
		return nil, err
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return &sub, nil
}

// DecodeDecision validates raw JSON against the decision schema, decodes it,
// and applies the structural tagged-union checks.
func (v *PayloadValidator) DecodeDecision(raw []byte) (*schema.Decision, error) {
	var d schema.Decision
	if err := v.decode(v.decision, raw, &d, schema.ErrCodeInvalidDecision); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodePlan validates raw JSON against the bootstrap plan schema and decodes it.
func (v *PayloadValidator) DecodePlan(raw []byte) (*Plan, error) {
	var p Plan
	if err := v.decode(v.plan, raw, &p, schema.ErrCodeValidation); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidateSubmission checks an already-decoded submission against the schema.
func (v *PayloadValidator) ValidateSubmission(sub *schema.Submission) error {
	doc, err := toJSONValue(sub)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize submission").WithCause(err)
	}
	if err := v.submission.Validate(doc); err != nil {
		return toConductorError(err, schema.ErrCodeValidation)
	}
	return sub.Validate()
}

func (v *PayloadValidator) decode(s *jsonschema.Schema, raw []byte, out any, code string) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(code, "malformed JSON: %s", err).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toConductorError(err, code)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(code, "decode payload: %s", err).WithCause(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toConductorError flattens a jsonschema.ValidationError into one
// ConductorError listing every leaf violation.
func toConductorError(err error, code string) *schema.ConductorError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(code, verr.Error())
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(code, msg).WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
