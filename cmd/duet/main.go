// Command duet drives two or more interactive AI coding CLIs from one
// terminal. The root command opens the interactive shell; doctor and
// bugreport are diagnostic subcommands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/duet-cli/duet/internal/config"
	"github.com/duet-cli/duet/internal/console"
	"github.com/duet-cli/duet/internal/events"
	"github.com/duet-cli/duet/internal/locks"
	"github.com/duet-cli/duet/internal/logging"
	"github.com/duet-cli/duet/internal/orchestrator"
	"github.com/duet-cli/duet/internal/recovery"
	"github.com/duet-cli/duet/internal/telemetry"
	"github.com/duet-cli/duet/internal/transcript"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	// SIGINT and SIGTERM cancel the context; the shell sees it, stops
	// reading, and terminates every tool process on the way out.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// rootOptions holds the command-line flags. Config loading happens inside
// RunE rather than before dispatch because --config decides what to load.
type rootOptions struct {
	configPath string
	tool       string
	oneshot    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "duet",
		Short:         "Drive two or more AI coding CLIs from one terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd.Context(), cmd, opts)
		},
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default: ~/.duet/config.toml overlaid by ./.duet/config.toml)")
	root.Flags().StringVar(&opts.tool, "tool", "",
		"tool to talk to first (overrides the configured default)")
	root.Flags().BoolVar(&opts.oneshot, "oneshot", false,
		"run a fresh tool process per prompt instead of persistent sessions")

	root.AddCommand(
		newDoctorCommand(opts),
		newBugreportCommand(opts),
	)
	return root
}

// loadConfig resolves the config file set for this invocation and loads it.
// The paths come back even when loading fails so diagnostics can name them.
func loadConfig(ctx context.Context, opts *rootOptions) (*config.Config, []string, error) {
	if opts.configPath != "" {
		paths := []string{opts.configPath}
		if _, err := os.Stat(opts.configPath); err != nil {
			// An explicit --config that does not exist is an error, unlike
			// the default locations, which are optional.
			return nil, paths, fmt.Errorf("config file %s: %w", opts.configPath, err)
		}
		cfg, err := config.LoadPaths(ctx, opts.configPath)
		return cfg, paths, err
	}

	paths, err := config.Paths()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadPaths(ctx, paths...)
	return cfg, paths, err
}

// applyFlagOverrides lets command-line flags win over file settings. The
// reload callback reuses it so a config edit cannot undo an explicit flag.
func applyFlagOverrides(cfg *config.Config, opts *rootOptions) {
	if cfg == nil || opts == nil {
		return
	}
	if tool := strings.ToLower(strings.TrimSpace(opts.tool)); tool != "" {
		cfg.DefaultTool = tool
	}
	if opts.oneshot {
		cfg.Mode = config.ModeOneShot
	}
}

// runShell wires the full runtime and hands control to the interactive
// shell: config, logging, the single-instance lock, the orphan sweep from
// the previous run, history, telemetry, and finally the orchestrator.
func runShell(ctx context.Context, cmd *cobra.Command, opts *rootOptions) error {
	cfg, cfgPaths, err := loadConfig(ctx, opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg, opts)

	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}

	rt, err := logging.New(ctx, logging.WithDir(cfg.LogDir), logging.WithLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", closeErr)
		}
	}()
	logger := rt.Logger

	guard, err := locks.NewGuard(locks.DefaultPath(stateDir), Version)
	if err != nil {
		return err
	}
	if err := guard.Acquire(); err != nil {
		if errors.Is(err, locks.ErrHeld) {
			return fmt.Errorf("another duet is already running (%v); stop it first, or remove %s if it crashed",
				err, guard.Path())
		}
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() {
		if releaseErr := guard.Release(); releaseErr != nil {
			logger.Warn("instance lock release failed", "error", releaseErr)
		}
	}()

	out := cmd.OutOrStdout()
	ui := console.New(console.WithWriter(out))
	bus := events.New()

	// The ledger still holds the previous run's children at this point.
	// Sweep first; the recorder then restarts it for this run.
	ledger, err := recovery.NewFileStore(recovery.DefaultPath(stateDir))
	if err != nil {
		return err
	}
	sweeper, err := recovery.NewManager(ledger, recovery.Config{
		TerminateGrace: cfg.TerminateGrace,
		EventBus:       bus,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if result, sweepErr := sweeper.Sweep(ctx); sweepErr != nil {
		logger.Warn("orphan sweep failed", "error", sweepErr)
	} else if len(result.Terminated) > 0 {
		ui.Warnf("stopped %d tool process(es) left behind by a previous run", len(result.Terminated))
	}
	if _, err := recovery.NewRecorder(ledger, bus, logger); err != nil {
		return fmt.Errorf("start child ledger: %w", err)
	}

	var store *transcript.Store
	if cfg.HistoryEnabled {
		store, err = openTranscript(cfg)
		if err != nil {
			ui.Warnf("history disabled for this run: %v", err)
			logger.Warn("transcript store unavailable", "error", err)
		} else {
			defer func() {
				if closeErr := store.Close(); closeErr != nil {
					logger.Warn("transcript close failed", "error", closeErr)
				}
			}()
			transcript.NewRecorder(store, bus, logger)
		}
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		logger.Warn("telemetry unavailable", "error", err)
	}
	if shutdownTelemetry != nil {
		defer shutdownTelemetry()
	}
	if cfg.Telemetry.Enabled && err == nil {
		if _, recErr := telemetry.NewExchangeRecorder(bus); recErr != nil {
			logger.Warn("exchange tracing unavailable", "error", recErr)
		}
	}

	registry, err := orchestrator.BuildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Registry:   registry,
		Config:     cfg,
		Bus:        bus,
		Console:    ui,
		Logger:     logger,
		Transcript: store,
		Input:      cmd.InOrStdin(),
		Output:     out,
		Version:    Version,
	})
	if err != nil {
		return err
	}

	watcher, err := config.Watch(ctx, config.WatchOptions{
		Paths:  cfgPaths,
		Logger: logger,
		OnChange: func(next *config.Config) {
			applyFlagOverrides(next, opts)
			if applyErr := orch.ApplyConfig(next); applyErr != nil {
				logger.Warn("config reload not applied", "error", applyErr)
			}
		},
	})
	if err != nil {
		logger.Warn("config watch unavailable", "error", err)
	} else {
		defer func() {
			if closeErr := watcher.Close(); closeErr != nil {
				logger.Warn("config watcher close failed", "error", closeErr)
			}
		}()
	}

	logger.Info("duet starting",
		"version", Version,
		"default_tool", cfg.DefaultTool,
		"mode", cfg.Mode,
		"history", cfg.HistoryEnabled,
	)
	return orch.Run(ctx)
}

// openTranscript opens the history store at the configured path, or the
// default ~/.duet/history.db.
func openTranscript(cfg *config.Config) (*transcript.Store, error) {
	path := cfg.HistoryPath
	if path == "" {
		resolved, err := transcript.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	return transcript.Open(path, transcript.WithLimit(cfg.HistoryLimit))
}
