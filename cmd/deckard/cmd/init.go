package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/deckard-mcp/deckard/internal/daemon"
	"github.com/deckard-mcp/deckard/internal/output"
	"github.com/deckard-mcp/deckard/pkg/version"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Register a workspace and start indexing it",
		Long: `Register a workspace root with the daemon and kick off the initial
index pass. With no argument the current directory is registered.

Roots may not nest: registering a directory inside (or containing) an
already-registered workspace is rejected.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runInit(cmd.Context(), cmd, path)
		},
	}
}

func runInit(ctx context.Context, cmd *cobra.Command, path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if path == "" {
		if path, err = os.Getwd(); err != nil {
			return err
		}
	}

	if err := daemon.EnsureDaemon(ctx, cfg); err != nil {
		return err
	}
	client := daemon.NewClient(cfg.Port, cfg.LegacyFraming)
	defer func() { _ = client.Close() }()

	res, err := client.Initialize(ctx, daemon.InitializeParams{
		Root:          path,
		ClientVersion: version.Short(),
	})
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	out.Success("workspace registered")
	out.Field("workspace", res.WorkspaceID)
	out.Field("root", res.Root)
	out.Field("daemon", res.DaemonVersion)
	return nil
}
