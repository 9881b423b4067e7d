package mirror

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"

	"github.com/datarelay/drivemirror/internal/store"
)

//go:embed record_schema.json
var recordSchemaJSON []byte

const recordSchemaURL = "mem:///record_schema.json"

var requiredRecordFields = map[string]bool{"id": true, "name": true, "mimeType": true}

var optionalRecordFields = []string{"iconLink", "webViewLink", "size", "version"}

// Validation is the outcome of checking one raw record. Sanitized is only
// meaningful when Valid is true.
type Validation struct {
	Valid     bool
	Errors    []string
	Warnings  []string
	Sanitized store.File
}

// Validator checks raw upstream records against the embedded schema plus the
// value-level rules the schema cannot express (numeric-coercible size,
// parseable timestamps).
type Validator struct {
	schema *jsonschema.Schema
	now    func() time.Time
}

func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(recordSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode record schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(recordSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("register record schema: %w", err)
	}
	schema, err := compiler.Compile(recordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	return &Validator{schema: schema, now: time.Now}, nil
}

func (v *Validator) Validate(record map[string]any) Validation {
	result := Validation{}
	seen := map[string]bool{}
	addError := func(msg string) {
		if !seen[msg] {
			seen[msg] = true
			result.Errors = append(result.Errors, msg)
		}
	}

	if err := v.schema.Validate(any(record)); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			for _, msg := range schemaMessages(validationErr, record) {
				addError(msg)
			}
		} else {
			addError(err.Error())
		}
	}

	if raw, ok := record["size"]; ok && !isEmptyValue(raw) {
		if _, err := strconv.ParseFloat(coerceString(raw), 64); err != nil {
			addError(fmt.Sprintf("Invalid size format: %v", raw))
		}
	}
	for _, dateField := range []string{"createdTime", "modifiedTime"} {
		raw, ok := record[dateField]
		if !ok || isEmptyValue(raw) {
			continue
		}
		if _, ok := parseTimestamp(raw); !ok {
			addError(fmt.Sprintf("Invalid %s format: %v", dateField, raw))
		}
	}

	for _, field := range optionalRecordFields {
		if isEmptyValue(record[field]) {
			result.Warnings = append(result.Warnings, "Missing optional field: "+field)
		}
	}

	result.Valid = len(result.Errors) == 0
	if result.Valid {
		result.Sanitized = v.sanitize(record)
	}
	return result
}

// sanitize builds the canonical row from an already-valid record. The raw
// record itself is kept as metadata so error rows and retries can replay it.
func (v *Validator) sanitize(record map[string]any) store.File {
	now := v.now()
	file := store.File{
		ID:              coerceString(record["id"]),
		Name:            coerceString(record["name"]),
		MimeType:        coerceString(record["mimeType"]),
		IconLink:        coerceString(record["iconLink"]),
		WebViewLink:     coerceString(record["webViewLink"]),
		Size:            coerceString(record["size"]),
		Version:         coerceString(record["version"]),
		Shared:          coerceBool(record["shared"]),
		Trashed:         coerceBool(record["trashed"]),
		SyncStatus:      store.SyncSuccess,
		LastSyncAttempt: &now,
		Metadata:        record,
	}
	if ts, ok := parseTimestamp(record["createdTime"]); ok {
		file.CreatedTime = &ts
	}
	if ts, ok := parseTimestamp(record["modifiedTime"]); ok {
		file.ModifiedTime = &ts
	}
	if m, ok := record["lastModifyingUser"].(map[string]any); ok {
		file.LastModifyingUser = m
	}
	if raw, ok := record["permissions"].([]any); ok {
		for _, entry := range raw {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			file.Permissions = append(file.Permissions, store.Permission{
				PermissionID: coerceString(m["id"]),
				Type:         coerceString(m["type"]),
				Role:         coerceString(m["role"]),
				EmailAddress: coerceString(m["emailAddress"]),
				DisplayName:  coerceString(m["displayName"]),
				PhotoLink:    coerceString(m["photoLink"]),
			})
		}
	}
	if m, ok := record["capabilities"].(map[string]any); ok {
		caps := make(map[string]bool, len(m))
		for key, value := range m {
			caps[key] = coerceBool(value)
		}
		file.Capabilities = caps
	}
	return file
}

// schemaMessages flattens the validator's error tree into the message set the
// rest of the system expects. Only kind.Required is inspected structurally;
// everything else is rendered from the offending field and its actual value.
func schemaMessages(err *jsonschema.ValidationError, record map[string]any) []string {
	var messages []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		if required, ok := e.ErrorKind.(*kind.Required); ok {
			for _, field := range required.Missing {
				messages = append(messages, "Missing required field: "+field)
			}
			return
		}
		if len(e.InstanceLocation) == 0 {
			return
		}
		field := e.InstanceLocation[len(e.InstanceLocation)-1]
		messages = append(messages, fieldMessage(field, record[field]))
	}
	walk(err)
	return messages
}

func fieldMessage(field string, value any) string {
	if requiredRecordFields[field] && isEmptyValue(value) {
		return "Missing required field: " + field
	}
	switch field {
	case "id", "name", "mimeType":
		return fmt.Sprintf("Invalid %s type: expected string, got %s", field, jsonTypeName(value))
	case "iconLink", "webViewLink":
		return fmt.Sprintf("Invalid %s type: expected string URL, got %s", field, jsonTypeName(value))
	case "shared", "trashed":
		return fmt.Sprintf("Invalid %s type: expected boolean, got %s", field, jsonTypeName(value))
	case "owners", "permissions":
		return fmt.Sprintf("Invalid %s format: expected array", field)
	case "lastModifyingUser", "capabilities":
		return fmt.Sprintf("Invalid %s format: expected object", field)
	}
	return fmt.Sprintf("Invalid %s value: %v", field, value)
}

func jsonTypeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", value)
}

func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	}
	return false
}

func coerceString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	}
	return fmt.Sprintf("%v", value)
}

func coerceBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(value any) (time.Time, bool) {
	raw, ok := value.(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
