package pipedrive

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/hyperengineering/pipesync/internal/types"
	"github.com/hyperengineering/pipesync/internal/validation"
)

// DateFormat is the CRM's date-only wire format.
const DateFormat = "2006-01-02"

// FieldKind is the expected JSON shape of a well-known CRM field.
type FieldKind int

const (
	KindString FieldKind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
	// KindContactList accepts the CRM's contact shapes: a bare string,
	// a list of strings, or a list of {value, primary, label} objects.
	KindContactList
)

// Well-known fields per entity. Custom fields use opaque per-workspace
// keys and pass through without type checks.
var (
	personFields = map[string]FieldKind{
		"name":       KindString,
		"first_name": KindString,
		"last_name":  KindString,
		"email":      KindContactList,
		"phone":      KindContactList,
		"org_id":     KindInt,
		"owner_id":   KindInt,
		"label":      KindInt,
	}

	organizationFields = map[string]FieldKind{
		"name":         KindString,
		"address":      KindString,
		"owner_id":     KindInt,
		"people_count": KindInt,
		"label":        KindInt,
	}

	dealFields = map[string]FieldKind{
		"title":               KindString,
		"value":               KindFloat,
		"currency":            KindString,
		"status":              KindString,
		"stage_id":            KindInt,
		"pipeline_id":         KindInt,
		"person_id":           KindInt,
		"org_id":              KindInt,
		"owner_id":            KindInt,
		"probability":         KindFloat,
		"expected_close_date": KindTime,
		"lost_reason":         KindString,
	}

	activityFields = map[string]FieldKind{
		"subject":   KindString,
		"type":      KindString,
		"note":      KindString,
		"due_date":  KindTime,
		"due_time":  KindString,
		"duration":  KindString,
		"done":      KindBool,
		"person_id": KindInt,
		"org_id":    KindInt,
		"deal_id":   KindInt,
	}
)

// KnownFields returns the typed schema for an entity's well-known fields.
func KnownFields(t types.EntityType) map[string]FieldKind {
	switch t {
	case types.EntityPersons:
		return personFields
	case types.EntityOrganizations:
		return organizationFields
	case types.EntityDeals:
		return dealFields
	case types.EntityActivities:
		return activityFields
	}
	return nil
}

// CheckFields type-checks the known fields present in a payload. Unknown
// fields pass through untouched; nulls always pass.
func CheckFields(t types.EntityType, fields map[string]any) []validation.ValidationError {
	schema := KnownFields(t)
	var errs []validation.ValidationError
	for name, value := range fields {
		kind, known := schema[name]
		if !known || value == nil {
			continue
		}
		if !matchesKind(kind, value) {
			errs = append(errs, validation.ValidationError{
				Field:   name,
				Message: fmt.Sprintf("unexpected type %T for %s field", value, kindName(kind)),
			})
		}
	}
	return errs
}

// DecodeRecord parses one raw entity object: the id and timestamps are
// lifted out, known fields are type-checked, everything else lands in
// Fields opaquely.
func DecodeRecord(t types.EntityType, raw json.RawMessage) (*types.RemoteRecord, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decoding %s record: %w", t.Singular(), err)
	}

	id, ok := intFrom(obj["id"])
	if !ok || id <= 0 {
		return nil, fmt.Errorf("decoding %s record: missing or invalid id", t.Singular())
	}

	record := &types.RemoteRecord{
		ID:     id,
		Type:   t,
		Fields: make(map[string]any, len(obj)),
	}

	for key, value := range obj {
		switch key {
		case "id":
		case "add_time":
			record.AddTime = timeFrom(value)
		case "update_time":
			record.UpdateTime = timeFrom(value)
		default:
			record.Fields[key] = value
		}
	}

	if errs := CheckFields(t, record.Fields); len(errs) > 0 {
		return nil, &ValidationError{Entity: t, RemoteID: id, Fields: errs}
	}
	return record, nil
}

// DecodeRecords parses an array payload. Records that fail the boundary
// check are reported per-record instead of failing the page.
func DecodeRecords(t types.EntityType, raw json.RawMessage) ([]types.RemoteRecord, []types.RecordError, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, nil, fmt.Errorf("decoding %s page: %w", t, err)
	}

	records := make([]types.RemoteRecord, 0, len(items))
	var failures []types.RecordError
	for _, item := range items {
		record, err := DecodeRecord(t, item)
		if err != nil {
			failures = append(failures, types.RecordError{
				RemoteID: rawRecordID(item),
				Messages: []string{err.Error()},
			})
			continue
		}
		records = append(records, *record)
	}
	return records, failures, nil
}

// PrimaryContact extracts the primary value from a contact-list field,
// falling back to the first entry. Returns "" when no value exists.
func PrimaryContact(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []any:
		first := ""
		for _, item := range v {
			switch entry := item.(type) {
			case string:
				if first == "" {
					first = entry
				}
			case map[string]any:
				val, _ := entry["value"].(string)
				if val == "" {
					continue
				}
				if primary, _ := entry["primary"].(bool); primary {
					return val
				}
				if first == "" {
					first = val
				}
			}
		}
		return first
	}
	return ""
}

// ValidationError reports boundary type-check failures for one record.
type ValidationError struct {
	Entity   types.EntityType
	RemoteID int64
	Fields   []validation.ValidationError
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed for %s %d", e.Entity.Singular(), e.RemoteID)
	for _, f := range e.Fields {
		msg += fmt.Sprintf("; %s %s", f.Field, f.Message)
	}
	return msg
}

func matchesKind(kind FieldKind, value any) bool {
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindInt:
		f, ok := value.(float64)
		return ok && f == math.Trunc(f)
	case KindFloat:
		if _, ok := value.(float64); ok {
			return true
		}
		// Monetary values sometimes arrive as decimal strings.
		if s, ok := value.(string); ok {
			_, err := strconv.ParseFloat(s, 64)
			return err == nil
		}
		return false
	case KindBool:
		if _, ok := value.(bool); ok {
			return true
		}
		// Flag fields arrive as 0/1 on some endpoints.
		f, ok := value.(float64)
		return ok && (f == 0 || f == 1)
	case KindTime:
		s, ok := value.(string)
		if !ok {
			return false
		}
		if _, err := ParseTime(s); err == nil {
			return true
		}
		_, err := time.Parse(DateFormat, s)
		return err == nil
	case KindContactList:
		switch v := value.(type) {
		case string:
			return true
		case []any:
			for _, item := range v {
				switch item.(type) {
				case string, map[string]any:
				default:
					return false
				}
			}
			return true
		}
		return false
	}
	return false
}

func kindName(kind FieldKind) string {
	switch kind {
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindFloat:
		return "number"
	case KindBool:
		return "boolean"
	case KindTime:
		return "timestamp"
	case KindContactList:
		return "contact list"
	}
	return "unknown"
}

func intFrom(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func timeFrom(value any) time.Time {
	s, ok := value.(string)
	if !ok {
		return time.Time{}
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// rawRecordID best-effort extracts the id from a record that failed
// decoding, for error reporting.
func rawRecordID(raw json.RawMessage) int64 {
	var probe struct {
		ID int64 `json:"id"`
	}
	if json.Unmarshal(raw, &probe) == nil {
		return probe.ID
	}
	return 0
}
