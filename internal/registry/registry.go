package registry

import (
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/attest"
	"github.com/st3v3nmw/bootfuzz/internal/config"
)

func init() {
	log.SetFlags(0)
}

var groups = make(map[string]*Group)

// Group is a family of scenarios exercising one topology change.
type Group struct {
	Key           string
	Name          string
	Concepts      []string
	Summary       string
	Scenarios     map[string]*Scenario
	ScenarioOrder []string
}

type Scenario struct {
	Name string
	Fn   ScenarioFunc
}

// ScenarioFunc builds the suite of a scenario for one configuration.
type ScenarioFunc func(cfg *config.Config) *attest.Suite

func (g *Group) AddScenario(key, name string, fn ScenarioFunc) {
	if g.Scenarios == nil {
		g.Scenarios = make(map[string]*Scenario)
	}

	g.Scenarios[key] = &Scenario{Name: name, Fn: fn}
	g.ScenarioOrder = append(g.ScenarioOrder, key)
}

func (g *Group) GetScenario(key string) (*Scenario, error) {
	scenario, exists := g.Scenarios[key]
	if !exists {
		return nil, errors.Newf("Scenario %q not found in group %s.", key, g.Key)
	}

	return scenario, nil
}

func (g *Group) Len() int {
	return len(g.ScenarioOrder)
}

func (g *Group) README() string {
	var scenarios strings.Builder
	for i, key := range g.ScenarioOrder {
		fmt.Fprintf(&scenarios, "%d. **%s** - %s\n", i+1, key, g.Scenarios[key].Name)
	}

	return fmt.Sprintf(`# %s

%s

Concepts: %s

## Scenarios

%s
## Running

1. Edit _bootfuzz.yaml_ to size the cluster and the workload
2. Run _bootfuzz run %s_ to run every scenario of the group
3. Node logs of each run are kept under the working directory
`, g.Name, g.Summary, strings.Join(g.Concepts, ", "), scenarios.String(), g.Key)
}

func RegisterGroup(key string, group *Group) {
	if len(group.Scenarios) == 0 {
		log.Fatalf("Cannot register empty scenario group %s.", key)
	}

	group.Key = key
	groups[key] = group
}

func GetGroup(key string) (*Group, error) {
	group, exists := groups[key]
	if !exists {
		return nil, errors.Newf("Scenario group %s not found", key)
	}

	return group, nil
}

// GetAllGroups returns the groups sorted by key.
func GetAllGroups() []*Group {
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	all := make([]*Group, 0, len(keys))
	for _, key := range keys {
		all = append(all, groups[key])
	}

	return all
}
