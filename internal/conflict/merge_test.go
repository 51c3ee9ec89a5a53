package conflict

import (
	"reflect"
	"testing"
	"time"
)

func TestPickValue_AppliesRulePerField(t *testing.T) {
	localMod := testBase.Add(-30 * time.Minute)
	remoteMod := testBase.Add(-15 * time.Minute) // remote is fresher

	cases := []struct {
		name string
		diff FieldDiff
		rule Rule
		want any
	}{
		{"prefer_longer keeps the longer text", FieldDiff{Local: "Ada King-Noel", Remote: "Ada King"}, PreferLonger, "Ada King-Noel"},
		{"prefer_longer switches sides", FieldDiff{Local: "Ada", Remote: "Ada Lovelace"}, PreferLonger, "Ada Lovelace"},
		{"prefer_local always keeps local", FieldDiff{Local: "a", Remote: "b"}, PreferLocal, "a"},
		{"prefer_remote always keeps remote", FieldDiff{Local: "a", Remote: "b"}, PreferRemote, "b"},
		{"prefer_higher keeps the larger number", FieldDiff{Local: 40.0, Remote: 75.0}, PreferHigher, 75.0},
		{"prefer_higher keeps local when larger", FieldDiff{Local: 80.0, Remote: 75.0}, PreferHigher, 80.0},
		{"prefer_higher falls back for non-numbers", FieldDiff{Local: "gold", Remote: "silver"}, PreferHigher, "silver"},
		{"no rule takes the present value", FieldDiff{Local: nil, Remote: "555-0199"}, "", "555-0199"},
		{"no rule treats empty string as absent", FieldDiff{Local: "x", Remote: ""}, "", "x"},
		{"no rule treats empty list as absent", FieldDiff{Local: []any{}, Remote: []any{"a"}}, "", []any{"a"}},
		{"no rule falls to the fresher side", FieldDiff{Local: "old", Remote: "new"}, "", "new"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := pickValue(tc.diff, tc.rule, localMod, remoteMod)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("pickValue = %v, want %v", got, tc.want)
			}
		})
	}

	// A fresher local side flips the default.
	if got := pickValue(FieldDiff{Local: "old", Remote: "new"}, "", remoteMod, localMod); got != "old" {
		t.Fatalf("pickValue with fresher local = %v, want old", got)
	}
}

func TestMergeFields_CombinesRulesAcrossTheDiff(t *testing.T) {
	c := &Conflict{
		LocalModified:  testBase.Add(-30 * time.Minute),
		RemoteModified: testBase.Add(-15 * time.Minute),
		Fields: []FieldDiff{
			{Field: "name", Local: "Ada King-Noel", Remote: "Ada King"},
			{Field: "phone", Local: "", Remote: "555-0199"},
			{Field: "score", Local: 40.0, Remote: 75.0},
		},
	}

	merged := mergeFields(c, MergeRules{"name": PreferLonger, "score": PreferHigher})
	want := map[string]any{"name": "Ada King-Noel", "phone": "555-0199", "score": 75.0}
	if !reflect.DeepEqual(merged, want) {
		t.Fatalf("merged = %+v, want %+v", merged, want)
	}
}

func TestRuleValid(t *testing.T) {
	for _, rule := range []Rule{PreferLonger, PreferLocal, PreferRemote, PreferHigher} {
		if !rule.Valid() {
			t.Fatalf("%q should be valid", rule)
		}
	}
	if Rule("prefer_shiny").Valid() {
		t.Fatal("unknown rule should be invalid")
	}
}
