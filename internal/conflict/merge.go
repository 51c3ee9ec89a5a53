package conflict

import (
	"fmt"
	"time"
)

// Rule names a per-field merge policy.
type Rule string

const (
	// PreferLonger keeps the value with the longer text rendering.
	PreferLonger Rule = "prefer_longer"
	// PreferLocal always keeps the local value.
	PreferLocal Rule = "prefer_local"
	// PreferRemote always keeps the remote value.
	PreferRemote Rule = "prefer_remote"
	// PreferHigher keeps the numerically greater value. Non-numeric
	// values fall back to the default policy.
	PreferHigher Rule = "prefer_higher"
)

// Valid reports whether r names a known merge rule.
func (r Rule) Valid() bool {
	switch r {
	case PreferLonger, PreferLocal, PreferRemote, PreferHigher:
		return true
	}
	return false
}

// MergeRules assigns merge policies by field name. Fields without a rule
// use the default: a present value beats an absent one, otherwise the
// most recently modified side wins.
type MergeRules map[string]Rule

// mergeFields picks one winning value per diverging field.
func mergeFields(c *Conflict, rules MergeRules) map[string]any {
	merged := make(map[string]any, len(c.Fields))
	for _, diff := range c.Fields {
		merged[diff.Field] = pickValue(diff, rules[diff.Field], c.LocalModified, c.RemoteModified)
	}
	return merged
}

func pickValue(diff FieldDiff, rule Rule, localMod, remoteMod time.Time) any {
	switch rule {
	case PreferLocal:
		return diff.Local
	case PreferRemote:
		return diff.Remote
	case PreferLonger:
		if textLen(diff.Local) >= textLen(diff.Remote) {
			return diff.Local
		}
		return diff.Remote
	case PreferHigher:
		ln, lok := numeric(diff.Local)
		rn, rok := numeric(diff.Remote)
		if lok && rok {
			if ln >= rn {
				return diff.Local
			}
			return diff.Remote
		}
	}

	switch {
	case absent(diff.Local) && !absent(diff.Remote):
		return diff.Remote
	case absent(diff.Remote) && !absent(diff.Local):
		return diff.Local
	case remoteMod.After(localMod):
		return diff.Remote
	default:
		return diff.Local
	}
}

// absent treats null, empty strings, and empty containers as no value.
func absent(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

func textLen(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return len(val)
	default:
		return len(fmt.Sprint(val))
	}
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
