package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckard-mcp/deckard/internal/daemon"
	"github.com/deckard-mcp/deckard/internal/output"
)

func newStatusCmd() *cobra.Command {
	var jsonOut bool
	var root string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and workspace health",
		Long: `Show the daemon state plus per-workspace index health: file and
symbol counts, last full index time, fast-track lag, and files that
index slowly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd, root, jsonOut)
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Limit the report to one workspace root")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, root string, jsonOut bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := output.New(cmd.OutOrStdout())

	client := daemon.NewClient(cfg.Port, cfg.LegacyFraming)
	defer func() { _ = client.Close() }()
	if !client.IsRunning() {
		out.Println("daemon is not running")
		return nil
	}

	res, err := client.Status(ctx, daemon.StatusParams{Root: root})
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	out.Header("daemon")
	out.Field("state", res.DaemonState)
	out.Field("version", res.Version)
	out.Field("pid", fmt.Sprintf("%d", res.PID))
	out.Field("uptime", res.Uptime)

	for _, ws := range res.Workspaces {
		out.Newline()
		out.Header(ws.Root)
		out.Field("workspace", ws.WorkspaceID)
		out.Field("state", ws.State)
		out.Field("files", fmt.Sprintf("%d", ws.Files))
		out.Field("symbols", fmt.Sprintf("%d", ws.Symbols))
		if !ws.LastFullIndex.IsZero() {
			out.Field("last full index", ws.LastFullIndex.Format(time.RFC3339))
		}
		out.Field("fast-track lag", fmt.Sprintf("%d commits", ws.FastTrackLag))
		if ws.LastScan != nil {
			out.Field("last scan", fmt.Sprintf("%d scanned, %d indexed, %d skipped in %dms",
				ws.LastScan.Scanned, ws.LastScan.Indexed, ws.LastScan.Skipped,
				ws.LastScan.DurationMS))
		}
		for _, sf := range ws.SlowFiles {
			out.Field("slow file", fmt.Sprintf("%s (%dms)", sf.Path, sf.DurationMS))
		}
	}
	return nil
}
