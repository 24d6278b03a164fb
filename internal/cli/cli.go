package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/config"
	"github.com/st3v3nmw/bootfuzz/internal/registry"
	_ "github.com/st3v3nmw/bootfuzz/scenarios"
	commands "github.com/urfave/cli/v3"
)

// InitConfig writes a default bootfuzz.yaml and a README per scenario group.
func InitConfig(ctx context.Context, cmd *commands.Command) error {
	targetPath := "."
	if cmd.NArg() > 0 {
		targetPath = cmd.Args().First()
	}

	if targetPath != "." {
		if err := os.MkdirAll(targetPath, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory %s", targetPath)
		}
	}

	configPath := filepath.Join(targetPath, "bootfuzz.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return errors.WithHint(
			errors.Newf("%s already exists", configPath),
			"Edit it, or remove it to start over.")
	}

	if err := config.SaveTo(config.Default(), configPath); err != nil {
		return err
	}

	// Create one README per group
	for _, group := range registry.GetAllGroups() {
		readmePath := filepath.Join(targetPath, fmt.Sprintf("README.%s.md", group.Key))
		if err := os.WriteFile(readmePath, []byte(group.README()), 0644); err != nil {
			return errors.Wrapf(err, "failed to create %s", readmePath)
		}
	}

	if targetPath == "." {
		fmt.Println("Created bootfuzz.yaml in current directory.")
	} else {
		fmt.Printf("Created bootfuzz.yaml in directory: %s\n", targetPath)
	}

	fmt.Println("Run 'bootfuzz list' to see the scenarios, then 'bootfuzz run'.")
	return nil
}

// ListScenarios prints every registered scenario.
func ListScenarios(ctx context.Context, cmd *commands.Command) error {
	fmt.Println("Available scenarios:")
	fmt.Println()

	for _, group := range registry.GetAllGroups() {
		fmt.Printf("%s - %s\n", group.Key, group.Name)
		for _, key := range group.ScenarioOrder {
			fmt.Printf("  %-20s - %s\n", key, group.Scenarios[key].Name)
		}
		fmt.Println()
	}

	fmt.Println("Run one with: bootfuzz run <group> <scenario>")
	return nil
}

// ShowInfo prints a group's README.
func ShowInfo(ctx context.Context, cmd *commands.Command) error {
	if cmd.NArg() != 1 {
		return errors.New("group name is required\nUsage: bootfuzz info <group>")
	}

	group, err := registry.GetGroup(cmd.Args().First())
	if err != nil {
		return err
	}

	fmt.Print(group.README())
	return nil
}

// loadConfig reads --config, or bootfuzz.yaml when present, and applies
// the flag overrides.
func loadConfig(cmd *commands.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := cmd.String("config"); path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("writes") {
		cfg.Workload.Writes = cmd.Int("writes")
	}
	if cmd.IsSet("seed") {
		cfg.Workload.Seed = cmd.Uint64("seed")
	}
	if cmd.Bool("verbose") {
		cfg.Verbose = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type selected struct {
	group    *registry.Group
	scenario string
}

func selectScenarios(args []string) ([]selected, error) {
	var picked []selected

	switch len(args) {
	case 0:
		// bootfuzz run
		for _, group := range registry.GetAllGroups() {
			for _, key := range group.ScenarioOrder {
				picked = append(picked, selected{group, key})
			}
		}
	case 1, 2:
		// bootfuzz run <group> [scenario]
		group, err := registry.GetGroup(args[0])
		if err != nil {
			return nil, err
		}

		if len(args) == 1 {
			for _, key := range group.ScenarioOrder {
				picked = append(picked, selected{group, key})
			}
			break
		}

		if _, err := group.GetScenario(args[1]); err != nil {
			msg := "Available scenarios:\n"
			for _, key := range group.ScenarioOrder {
				msg += fmt.Sprintf("- %s\n", key)
			}
			return nil, errors.WithHint(err, msg)
		}
		picked = append(picked, selected{group, args[1]})
	default:
		return nil, errors.New("too many arguments\nUsage: bootfuzz run [group] [scenario]")
	}

	return picked, nil
}

// RunScenarios runs the selected scenarios one after the other and fails
// if any of them did.
func RunScenarios(ctx context.Context, cmd *commands.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	picked, err := selectScenarios(cmd.Args().Slice())
	if err != nil {
		return err
	}

	failed := 0
	for i, s := range picked {
		scenario := s.group.Scenarios[s.scenario]
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("Running %s/%s: %s\n\n", s.group.Key, s.scenario, scenario.Name)

		if err := scenario.Fn(cfg).Run(ctx); err != nil {
			failed++
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if failed > 0 {
		return errors.Newf("%d of %d scenarios failed", failed, len(picked))
	}

	return nil
}
