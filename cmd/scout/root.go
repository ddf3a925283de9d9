package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"scout/internal/config"
)

// Color helpers for terminal output.
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY checks if the current environment has a TTY available.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

type rootFlags struct {
	serverURL string
	userID    string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "scout",
		Short: "Terminal client for a remote research-agent backend",
		Long: "scout follows the progress stream of a remote research agent,\n" +
			"reconciling its events into a live view of the running task, its\n" +
			"spawned sub-agents, and the aggregated sources they found.",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if !isTTY() {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVar(&flags.serverURL, "server", "", "backend base URL (overrides config)")
	root.PersistentFlags().StringVar(&flags.userID, "user", "", "update-channel user id (overrides config)")

	root.AddCommand(
		newAskCommand(flags),
		newWatchCommand(flags),
		newCancelCommand(flags),
		newSteerCommand(flags),
		newServeCommand(),
	)
	return root
}

// loadConfig resolves the effective configuration with flag overrides.
func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if flags.serverURL != "" {
		cfg.ServerURL = flags.serverURL
	}
	if flags.userID != "" {
		cfg.UserID = flags.userID
	}
	return cfg, nil
}
