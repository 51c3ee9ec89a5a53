package syncer

import (
	"fmt"

	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/types"
	"github.com/hyperengineering/pipesync/internal/validation"
)

const maxFieldLength = 1024

// requiredField names the field each entity type cannot be stored
// without.
var requiredField = map[types.EntityType]string{
	types.EntityPersons:       "name",
	types.EntityOrganizations: "name",
	types.EntityDeals:         "title",
	types.EntityActivities:    "subject",
}

// ValidateRecord applies local field rules to a decoded remote record
// and returns the reasons it should not be stored, if any.
func ValidateRecord(r types.RemoteRecord) []string {
	var c validation.Collector

	if field, ok := requiredField[r.Type]; ok {
		value, _ := r.Fields[field].(string)
		c.Add(validation.ValidateRequired(field, value))
		c.Add(validation.ValidateUTF8(field, value))
		c.Add(validation.ValidateNoNullBytes(field, value))
		c.Add(validation.ValidateMaxLength(field, value, maxFieldLength))
	}

	if r.Type == types.EntityPersons {
		if email := pipedrive.PrimaryContact(r.Fields["email"]); email != "" {
			c.Add(validation.ValidateEmail("email", email))
		}
	}
	if r.Type == types.EntityDeals {
		if v, ok := numeric(r.Fields["value"]); ok {
			c.Add(validation.ValidateNonNegative("value", v))
		}
		if v, ok := numeric(r.Fields["probability"]); ok {
			c.Add(validation.ValidateRange("probability", v, 0, 100))
		}
	}

	if !c.HasErrors() {
		return nil
	}
	errs := c.Errors()
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return msgs
}

// filterValid drops records that fail validation, appending the reasons
// to errs.
func filterValid(records []types.RemoteRecord, errs []types.RecordError) ([]types.RemoteRecord, []types.RecordError) {
	valid := records[:0]
	for _, rec := range records {
		if msgs := ValidateRecord(rec); len(msgs) > 0 {
			errs = append(errs, types.RecordError{RemoteID: rec.ID, Messages: msgs})
			continue
		}
		valid = append(valid, rec)
	}
	return valid, errs
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
