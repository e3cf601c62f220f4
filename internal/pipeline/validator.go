package pipeline

import (
	"fmt"
	"sort"
)

// Validator checks an authenticated payload against the schema expected for
// the device's protocol type. A non-nil error describes the mismatch.
type Validator interface {
	Validate(protocolType string, payload map[string]any) error
}

// SchemaValidator is a required-fields check per protocol type. Protocol
// types without an entry pass everything, so deployments opt devices into
// validation type by type.
type SchemaValidator struct {
	required map[string][]string
}

func NewSchemaValidator(required map[string][]string) *SchemaValidator {
	return &SchemaValidator{required: required}
}

func (v *SchemaValidator) Validate(protocolType string, payload map[string]any) error {
	fields, ok := v.required[protocolType]
	if !ok {
		return nil
	}
	var missing []string
	for _, f := range fields {
		if _, ok := payload[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("payload missing required fields %v for protocol %s", missing, protocolType)
}
