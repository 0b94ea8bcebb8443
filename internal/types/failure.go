package types

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind is the top level of the failure taxonomy.
type FailureKind string

const (
	NoCodeBlock           FailureKind = "NoCodeBlock"
	SyntaxRepairExhausted FailureKind = "SyntaxRepairExhausted"
	StructuralViolation   FailureKind = "StructuralViolation"
	ExecutionTimeout      FailureKind = "ExecutionTimeout"
	ExecutionException    FailureKind = "ExecutionException"
	AnswerSelfCheckFailed FailureKind = "AnswerSelfCheckFailed"
	MalformedPayload      FailureKind = "MalformedPayload"
	RegistryWriteConflict FailureKind = "RegistryWriteConflict"
)

// ViolationKind refines StructuralViolation.
type ViolationKind string

const (
	MissingEntryPoint  ViolationKind = "MissingEntryPoint"
	BadSignature       ViolationKind = "BadSignature"
	MissingReturn      ViolationKind = "MissingReturn"
	ForbiddenConstruct ViolationKind = "ForbiddenConstruct"
)

// ErrRegistryWriteConflict is returned when a publish would overwrite a
// different registry entry. It is the only failure surfaced to callers.
var ErrRegistryWriteConflict = errors.New("registry write conflict")

// FailureReason is one diagnosed failure with the offending construct.
type FailureReason struct {
	Kind      FailureKind   `json:"kind"`
	Violation ViolationKind `json:"violation,omitempty"`
	Subject   string        `json:"subject,omitempty"`
	Line      int           `json:"line,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

func (r FailureReason) String() string {
	var b strings.Builder
	b.WriteString(string(r.Kind))
	if r.Violation != "" {
		b.WriteString("/")
		b.WriteString(string(r.Violation))
	}
	if r.Subject != "" {
		fmt.Fprintf(&b, " %s", r.Subject)
	}
	if r.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", r.Line)
	}
	if r.Detail != "" {
		fmt.Fprintf(&b, ": %s", r.Detail)
	}
	return b.String()
}

// PipelineError carries one or more failure reasons out of a stage.
type PipelineError struct {
	Reasons []FailureReason
}

func (e *PipelineError) Error() string {
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		parts[i] = r.String()
	}
	return strings.Join(parts, "; ")
}

// Fail builds a PipelineError with a single reason.
func Fail(kind FailureKind, detail string) *PipelineError {
	return &PipelineError{Reasons: []FailureReason{{Kind: kind, Detail: detail}}}
}

// Violation builds a StructuralViolation PipelineError.
func Violation(kind ViolationKind, subject string, line int, detail string) *PipelineError {
	return &PipelineError{Reasons: []FailureReason{{
		Kind:      StructuralViolation,
		Violation: kind,
		Subject:   subject,
		Line:      line,
		Detail:    detail,
	}}}
}

// ReasonsOf extracts failure reasons from an error chain. Errors that are not
// PipelineErrors map to a single ExecutionException reason.
func ReasonsOf(err error) []FailureReason {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Reasons
	}
	if errors.Is(err, ErrRegistryWriteConflict) {
		return []FailureReason{{Kind: RegistryWriteConflict, Detail: err.Error()}}
	}
	return []FailureReason{{Kind: ExecutionException, Detail: err.Error()}}
}
