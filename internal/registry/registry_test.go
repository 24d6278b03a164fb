package registry

import (
	"testing"

	"github.com/st3v3nmw/bootfuzz/internal/attest"
	"github.com/st3v3nmw/bootfuzz/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	group := &Group{Name: "Test Group", Summary: "Checks the registry.", Concepts: []string{"a", "b"}}
	group.AddScenario("first", "First scenario", func(*config.Config) *attest.Suite { return attest.New() })
	group.AddScenario("second", "Second scenario", func(*config.Config) *attest.Suite { return attest.New() })
	RegisterGroup("zz-test", group)
	t.Cleanup(func() { delete(groups, "zz-test") })

	got, err := GetGroup("zz-test")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())
	assert.Equal(t, []string{"first", "second"}, got.ScenarioOrder)

	_, err = got.GetScenario("third")
	assert.Error(t, err)

	_, err = GetGroup("missing")
	assert.Error(t, err)

	readme := got.README()
	assert.Contains(t, readme, "1. **first** - First scenario")
	assert.Contains(t, readme, "bootfuzz run zz-test")

	all := GetAllGroups()
	assert.Equal(t, "zz-test", all[len(all)-1].Key)
}
