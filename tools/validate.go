package tools

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateArgs checks args against the tool's compiled input schema,
// returning a SchemaViolationError naming the offending JSON pointer and
// reason on failure (spec §4.4 step 2).
func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return &SchemaViolationError{Path: "/", Reason: "arguments are not valid JSON: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		path, reason := describeValidationError(err)
		return &SchemaViolationError{Path: path, Reason: reason}
	}
	return nil
}

func describeValidationError(err error) (path, reason string) {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "/", err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	path = "/" + strings.Join(toStrings(leaf.InstanceLocation), "/")
	reason = leaf.Error()
	return path, reason
}

func toStrings(loc []string) []string {
	out := make([]string, len(loc))
	copy(out, loc)
	return out
}
