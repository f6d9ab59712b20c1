// Package cmd provides the deckard CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deckard-mcp/deckard/internal/config"
	"github.com/deckard-mcp/deckard/internal/profiling"
	"github.com/deckard-mcp/deckard/pkg/version"
)

var configPath string

// Profiling flags apply to every subcommand.
var (
	profileCPU   string
	profileMem   string
	profileTrace string
	profiler     = profiling.NewProfiler()
	cpuStop      func()
	traceStop    func()
)

// NewRootCmd creates the root command. Running deckard with no
// subcommand starts the stdio proxy, which is what editor integrations
// invoke.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deckard",
		Short: "Local code-search daemon for coding agents",
		Long: `Deckard indexes workspaces locally and serves fast code search to
coding agents over a framed JSON protocol. All indexing and search stay
on this machine.

Run 'deckard' with no arguments to bridge stdio to the daemon, starting
the daemon if needed. This is the mode editor and agent integrations use.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return cmd.Help()
			}
			return runProxy(cmd.Context())
		},
	}
	cmd.SetVersionTemplate("deckard version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (default ~/.config/deckard/config.yaml)")
	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write heap profile to file on exit")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfiling
	cmd.PersistentPostRunE = stopProfiling

	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newProxyCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the CLI, printing errors to stderr.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "error: %v\n", err)
		return err
	}
	return nil
}

// loadConfig resolves the effective configuration for a command run.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func startProfiling(_ *cobra.Command, _ []string) error {
	var err error
	if profileCPU != "" {
		if cpuStop, err = profiler.StartCPU(profileCPU); err != nil {
			return err
		}
	}
	if profileTrace != "" {
		if traceStop, err = profiler.StartTrace(profileTrace); err != nil {
			return err
		}
	}
	return nil
}

func stopProfiling(_ *cobra.Command, _ []string) error {
	if cpuStop != nil {
		cpuStop()
		cpuStop = nil
	}
	if traceStop != nil {
		traceStop()
		traceStop = nil
	}
	if profileMem != "" {
		return profiler.WriteHeap(profileMem)
	}
	return nil
}
