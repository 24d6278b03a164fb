package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/cli"
	commands "github.com/urfave/cli/v3"
)

func main() {
	cmd := &commands.Command{
		Name:  "bootfuzz",
		Usage: "Check consistency while nodes join a cluster",
		Commands: []*commands.Command{
			{
				Name:      "init",
				Usage:     "Write a default bootfuzz.yaml",
				ArgsUsage: "[path]",
				Action:    cli.InitConfig,
			},
			{
				Name:   "list",
				Usage:  "Show available scenarios",
				Action: cli.ListScenarios,
			},
			{
				Name:      "info",
				Usage:     "Show scenario group details",
				ArgsUsage: "<group>",
				Action:    cli.ShowInfo,
			},
			{
				Name:      "run",
				Usage:     "Run scenarios",
				ArgsUsage: "[group] [scenario]",
				Flags: []commands.Flag{
					&commands.StringFlag{
						Name:    "config",
						Usage:   "Path to the configuration file",
						Aliases: []string{"c"},
					},
					&commands.IntFlag{
						Name:  "writes",
						Usage: "Writes per workload phase",
					},
					&commands.Uint64Flag{
						Name:  "seed",
						Usage: "Workload seed",
					},
					&commands.BoolFlag{
						Name:    "verbose",
						Usage:   "Show detailed progress",
						Aliases: []string{"v"},
						Value:   false,
					},
				},
				Action: cli.RunScenarios,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if hints := errors.FlattenHints(err); hints != "" {
			fmt.Fprintln(os.Stderr, hints)
		}
		stop()
		os.Exit(1)
	}
}
