package mirror

import (
	"testing"
	"time"

	"github.com/datarelay/drivemirror/internal/store"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	v.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return v
}

func validRecord() map[string]any {
	return map[string]any{
		"id":           "f1",
		"name":         "quarterly report",
		"mimeType":     "application/vnd.google-apps.document",
		"iconLink":     "https://example.com/icon.png",
		"webViewLink":  "https://example.com/view",
		"size":         "2048",
		"version":      "17",
		"shared":       true,
		"trashed":      false,
		"createdTime":  "2026-02-01T08:00:00Z",
		"modifiedTime": "2026-02-20T16:30:00Z",
		"owners": []any{
			map[string]any{"permissionId": "perm-owner", "emailAddress": "owner@example.com", "me": true},
		},
		"permissions": []any{
			map[string]any{"id": "perm-reader", "type": "user", "role": "reader", "emailAddress": "reader@example.com"},
		},
		"lastModifyingUser": map[string]any{"displayName": "Owner"},
		"capabilities":      map[string]any{"canEdit": true},
	}
}

func hasError(v Validation, msg string) bool {
	for _, e := range v.Errors {
		if e == msg {
			return true
		}
	}
	return false
}

func TestValidateAcceptsCompleteRecord(t *testing.T) {
	v := newTestValidator(t)
	result := v.Validate(validRecord())
	if !result.Valid {
		t.Fatalf("expected valid record, errors: %v", result.Errors)
	}
	f := result.Sanitized
	if f.ID != "f1" || f.MimeType != "application/vnd.google-apps.document" {
		t.Fatalf("unexpected sanitized row: %+v", f)
	}
	if f.SyncStatus != store.SyncSuccess {
		t.Fatalf("sanitized row must be marked success, got %s", f.SyncStatus)
	}
	if f.LastSyncAttempt == nil {
		t.Fatal("sanitized row must carry a sync attempt timestamp")
	}
	if f.ModifiedTime == nil || !f.ModifiedTime.Equal(time.Date(2026, 2, 20, 16, 30, 0, 0, time.UTC)) {
		t.Fatalf("modified time not parsed: %v", f.ModifiedTime)
	}
	if len(f.Permissions) != 1 || f.Permissions[0].PermissionID != "perm-reader" {
		t.Fatalf("permissions not sanitized: %+v", f.Permissions)
	}
	if !f.Capabilities["canEdit"] {
		t.Fatalf("capabilities not sanitized: %+v", f.Capabilities)
	}
	if f.Metadata["id"] != "f1" {
		t.Fatal("raw record must be retained as metadata")
	}
}

func TestValidateMissingRequiredFields(t *testing.T) {
	v := newTestValidator(t)
	record := validRecord()
	delete(record, "mimeType")
	delete(record, "name")

	result := v.Validate(record)
	if result.Valid {
		t.Fatal("expected invalid record")
	}
	if !hasError(result, "Missing required field: mimeType") {
		t.Fatalf("expected mimeType error, got %v", result.Errors)
	}
	if !hasError(result, "Missing required field: name") {
		t.Fatalf("expected name error, got %v", result.Errors)
	}
}

func TestValidateEmptyRequiredFieldCountsAsMissing(t *testing.T) {
	v := newTestValidator(t)
	record := validRecord()
	record["name"] = ""

	result := v.Validate(record)
	if result.Valid {
		t.Fatal("expected invalid record")
	}
	if !hasError(result, "Missing required field: name") {
		t.Fatalf("expected name error, got %v", result.Errors)
	}
}

func TestValidateTypeMismatches(t *testing.T) {
	v := newTestValidator(t)
	record := validRecord()
	record["id"] = float64(42)
	record["shared"] = "yes"
	record["permissions"] = "not-a-list"
	record["lastModifyingUser"] = "not-an-object"

	result := v.Validate(record)
	if result.Valid {
		t.Fatal("expected invalid record")
	}
	if !hasError(result, "Invalid id type: expected string, got number") {
		t.Fatalf("expected id type error, got %v", result.Errors)
	}
	if !hasError(result, "Invalid shared type: expected boolean, got string") {
		t.Fatalf("expected shared type error, got %v", result.Errors)
	}
	if !hasError(result, "Invalid permissions format: expected array") {
		t.Fatalf("expected permissions error, got %v", result.Errors)
	}
	if !hasError(result, "Invalid lastModifyingUser format: expected object") {
		t.Fatalf("expected lastModifyingUser error, got %v", result.Errors)
	}
}

func TestValidateSizeAndTimestamps(t *testing.T) {
	v := newTestValidator(t)
	record := validRecord()
	record["size"] = "twelve"
	record["modifiedTime"] = "yesterday-ish"

	result := v.Validate(record)
	if result.Valid {
		t.Fatal("expected invalid record")
	}
	if !hasError(result, "Invalid size format: twelve") {
		t.Fatalf("expected size error, got %v", result.Errors)
	}
	if !hasError(result, "Invalid modifiedTime format: yesterday-ish") {
		t.Fatalf("expected modifiedTime error, got %v", result.Errors)
	}
}

func TestValidateNumericSizeIsCoerced(t *testing.T) {
	v := newTestValidator(t)
	record := validRecord()
	record["size"] = float64(4096)

	result := v.Validate(record)
	if !result.Valid {
		t.Fatalf("numeric size should be accepted, errors: %v", result.Errors)
	}
	if result.Sanitized.Size != "4096" {
		t.Fatalf("expected size coerced to string, got %q", result.Sanitized.Size)
	}
}

func TestValidateWarnsOnMissingOptionalFields(t *testing.T) {
	v := newTestValidator(t)
	record := validRecord()
	delete(record, "iconLink")
	delete(record, "version")

	result := v.Validate(record)
	if !result.Valid {
		t.Fatalf("optional gaps must not invalidate, errors: %v", result.Errors)
	}
	warnings := map[string]bool{}
	for _, w := range result.Warnings {
		warnings[w] = true
	}
	if !warnings["Missing optional field: iconLink"] || !warnings["Missing optional field: version"] {
		t.Fatalf("expected optional-field warnings, got %v", result.Warnings)
	}
}
