package attest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckers(t *testing.T) {
	tests := []struct {
		name    string
		checker Checker[string]
		actual  string
		pass    bool
	}{
		{"Is", Is("a"), "a", true},
		{"Is Mismatch", Is("a"), "b", false},
		{"Contains", Contains("coordinator", "catch-up"), "coordinator needs to catch-up", true},
		{"Contains Missing Fragment", Contains("coordinator", "stale"), "coordinator needs to catch-up", false},
		{"Matches", Matches(`^node-\d+$`), "node-3", true},
		{"Matches Mismatch", Matches(`^node-\d+$`), "node-x", false},
		{"OneOf", OneOf("1", "3"), "3", true},
		{"OneOf Mismatch", OneOf("1", "3"), "2", false},
		{"Absent", Absent(), "", true},
		{"Not", Not[string](Is("2")), "2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.pass, tt.checker.Check(tt.actual))
			assert.NotEmpty(t, tt.checker.Expected())
		})
	}

	assert.True(t, AtLeast(1.0).Check(2))
	assert.False(t, AtLeast(3).Check(2))
	assert.Equal(t, "at least 3", AtLeast(3).Expected())
}

func TestCheckAllJSON(t *testing.T) {
	line := `{"level":"info","msg":"Routing is correct, but coordinator needs to catch-up","node":1,"coordinator":2}`

	assert.True(t, checkAllJSON(line, []JSONFieldChecker{
		{Path: "coordinator", Checker: Is("2")},
		{Path: "node", Checker: Not[string](Is("2"))},
		{Path: "missing", Checker: Absent()},
	}, nil))

	// An empty but present field is not absent.
	assert.False(t, checkAllJSON(`{"error":""}`, []JSONFieldChecker{
		{Path: "error", Checker: Absent()},
	}, nil))

	var failed string
	assert.False(t, checkAllJSON(line, []JSONFieldChecker{
		{Path: "level", Checker: Is("warn")},
	}, func(m JSONFieldChecker, _ any) { failed = m.Path }))
	assert.Equal(t, "level", failed)
}
