package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckard-mcp/deckard/internal/daemon"
	"github.com/deckard-mcp/deckard/internal/logging"
	"github.com/deckard-mcp/deckard/internal/output"
	"github.com/deckard-mcp/deckard/internal/preflight"
	"github.com/deckard-mcp/deckard/internal/registry"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or manage the background daemon",
		Long: `The daemon owns all workspace indexes and serves search on a local
TCP port. Proxies start it on demand; this command manages it directly.

Examples:
  deckard daemon          # run the daemon in the foreground
  deckard daemon stop     # ask the running daemon to shut down
  deckard daemon status   # check liveness`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStop(cmd.Context(), cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStatus(cmd.Context(), cmd)
		},
	})

	return cmd
}

// runDaemon runs the daemon in this process until a signal arrives.
func runDaemon(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.FilePath = fmt.Sprintf("%s/daemon.log", cfg.LogDir)
	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()

	checks := preflight.New(cfg.DataDir, cfg.Port).RunAll()
	for _, r := range checks {
		slog.Info("preflight", slog.String("check", r.Name),
			slog.String("status", r.Status.String()), slog.String("detail", r.Message))
	}
	if failed, ok := preflight.CriticalFailure(checks); ok {
		return fmt.Errorf("preflight %s: %s", failed.Name, failed.Message)
	}

	pidFile := daemon.NewPIDFile(daemon.PIDFilePath(cfg.DataDir))
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer func() { _ = pidFile.Remove() }()

	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return daemon.New(cfg, reg).Run(ctx)
}

func runDaemonStop(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := output.New(cmd.OutOrStdout())

	client := daemon.NewClient(cfg.Port, cfg.LegacyFraming)
	defer func() { _ = client.Close() }()
	if client.IsRunning() {
		if err := client.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown request: %w", err)
		}
		out.Success("daemon stopping")
		return nil
	}

	// No listener; fall back to the PID file in case the daemon is
	// wedged between bind and accept.
	pidFile := daemon.NewPIDFile(daemon.PIDFilePath(cfg.DataDir))
	if pidFile.IsRunning() {
		if err := pidFile.Signal(syscall.SIGTERM); err != nil {
			return err
		}
		out.Success("daemon signalled")
		return nil
	}

	out.Println("daemon is not running")
	return nil
}

func runDaemonStatus(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := output.New(cmd.OutOrStdout())

	client := daemon.NewClient(cfg.Port, cfg.LegacyFraming)
	defer func() { _ = client.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := client.Ping(pingCtx)
	if err != nil {
		out.Println("daemon is not running")
		return nil
	}
	out.Success(fmt.Sprintf("daemon running (version %s, port %d)", res.Version, cfg.Port))
	return nil
}

func newProxyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "Bridge stdio to the daemon, starting it if needed",
		Long: `Reads framed requests on stdin and writes framed responses on stdout,
forwarding to the daemon over TCP. If no daemon is running, exactly one
proxy starts it; concurrent proxies wait on a start lock.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context())
		},
	}
}

func runProxy(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Logs go to file only: stdout carries protocol frames.
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.FilePath = fmt.Sprintf("%s/proxy.log", cfg.LogDir)
	logCfg.WriteToStderr = false
	if cleanup, err := logging.SetupDefault(logCfg); err == nil {
		defer cleanup()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return daemon.NewProxy(cfg, os.Stdin, os.Stdout).Run(ctx)
}
