package tools

import "errors"

// Error kinds for the Tool Registry & Runner, per spec §7.
var (
	ErrIDTaken            = errors.New("tools: id already registered")
	ErrMalformedSchema    = errors.New("tools: malformed input schema")
	ErrUnknownTool        = errors.New("tools: unknown tool")
	ErrSchemaViolation    = errors.New("tools: schema violation")
	ErrCapabilityDenied   = errors.New("tools: capability denied")
	ErrTimeout            = errors.New("tools: timeout")
	ErrOutputTooLarge     = errors.New("tools: output too large")
)

// SchemaViolationError carries the JSON-pointer path and reason for an
// argument validation failure (spec §4.4 step 2).
type SchemaViolationError struct {
	Path   string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return "tools: schema violation at " + e.Path + ": " + e.Reason
}

func (e *SchemaViolationError) Unwrap() error { return ErrSchemaViolation }

// CapabilityDeniedError names the first missing capability encountered.
type CapabilityDeniedError struct {
	Missing CapabilityKind
	Detail  string
}

func (e *CapabilityDeniedError) Error() string {
	return "tools: capability denied: " + string(e.Missing) + ": " + e.Detail
}

func (e *CapabilityDeniedError) Unwrap() error { return ErrCapabilityDenied }

// ToolError is returned when a tool's own execution raises an error,
// distinguished from infrastructure failures (timeout, schema, capability).
type ToolError struct {
	Stage   string
	Message string
}

func (e *ToolError) Error() string { return "tools: " + e.Stage + ": " + e.Message }
