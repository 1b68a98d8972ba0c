// Package cmd implements the scribe command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/butter-bot-machines/scribe/pkg/config"
	"github.com/butter-bot-machines/scribe/pkg/core"
	"github.com/butter-bot-machines/scribe/pkg/fs"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
)

const Version = "0.1.0"

// DefaultConfigPath is used when --config is not given
const DefaultConfigPath = "scribe.yaml"

// Exit codes
const (
	ExitOK    = 0
	ExitFatal = 1
)

// RootOptions holds the global flags
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// CLI represents the command-line interface
type CLI struct {
	stdout io.Writer
	stderr io.Writer
	// Logs overrides the console log destination; defaults to stderr
	Logs io.Writer
}

// NewCLI creates a CLI writing to stdout and stderr
func NewCLI(stdout, stderr io.Writer) *CLI {
	return &CLI{stdout: stdout, stderr: stderr}
}

// Run executes the command line in args and returns the process exit
// code. Cancelling ctx stops a running engine gracefully.
func (c *CLI) Run(ctx context.Context, args []string) int {
	root := c.NewRootCommand()
	root.SetArgs(args)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return ExitFatal
	}
	return ExitOK
}

// NewRootCommand builds the command tree. The root command runs the engine.
func (c *CLI) NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "scribe",
		Short:         "Scribe watches files and runs rule-driven actions on them",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogLevel != "" {
				if _, err := logging.ParseLevel(opts.LogLevel); err != nil {
					return fmt.Errorf("invalid --log-level %q", opts.LogLevel)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", DefaultConfigPath, "path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (DEBUG, INFO, WARNING, ERROR); overrides the config")

	cmd.AddCommand(c.newValidateCommand(opts))
	cmd.AddCommand(c.newScanCommand(opts))
	cmd.AddCommand(c.newInitCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(c.stdout, "scribe version %s\n", Version)
			return nil
		},
	})
	return cmd
}

// serve runs the engine until ctx is cancelled or a background task fails
func (c *CLI) serve(ctx context.Context, opts *RootOptions) error {
	gen, logger, err := c.setup(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	flush, err := telemetry.Init(ctx, telemetry.ConfigFromEnv(Version))
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
		flush = nil
	}

	engine, err := core.New(core.Options{
		ConfigPath: opts.ConfigPath,
		Logger:     logger,
		LogLevel:   opts.LogLevel,
		Flush:      flush,
	})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		logger.Error("Startup failed", "error", err)
		return err
	}

	es := gen.Config.EngineSettings
	fmt.Fprintf(c.stdout, "Watching %s\n", strings.Join(es.WatchPaths, ", "))
	if addr := engine.HealthAddr(); addr != "" {
		fmt.Fprintf(c.stdout, "Health on http://%s/health\n", addr)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case <-engine.Done():
		runErr = engine.Err()
		if runErr != nil {
			logger.Error("Engine failed", "error", runErr)
		}
	}

	// Stop applies the configured grace to the drain; this bounds the rest
	grace := time.Duration(es.ShutdownGraceSecs) * time.Second
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*grace+5*time.Second)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// setup loads the config once up front so the logger can be built from
// its log settings before the engine starts.
func (c *CLI) setup(opts *RootOptions) (*config.Generation, *logging.ZapLogger, error) {
	gen, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	es := gen.Config.EngineSettings

	name := opts.LogLevel
	if name == "" {
		name = es.LogLevel
	}
	level, _ := logging.ParseLevel(name)

	logOpts := &logging.Options{
		Level:  level,
		Format: es.LogFormat,
		Output: c.Logs,
		Name:   "scribe",
	}
	if es.LogFile != "" {
		logOpts.File = &logging.FileOptions{
			Path:       es.LogFile,
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		}
	}
	return gen, logging.NewLogger(logOpts), nil
}

func (c *CLI) newValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			cfg := gen.Config
			enabled := 0
			for i := range cfg.Rules {
				if cfg.Rules[i].IsEnabled() {
					enabled++
				}
			}
			fmt.Fprintf(c.stdout, "%s is valid: %d rules (%d enabled), watching %s\n",
				gen.Path, len(cfg.Rules), enabled, strings.Join(cfg.EngineSettings.WatchPaths, ", "))
			return nil
		},
	}
}

func (c *CLI) newScanCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Process every matching file once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.scan(cmd.Context(), opts)
		},
	}
}

func (c *CLI) scan(ctx context.Context, opts *RootOptions) error {
	gen, logger, err := c.setup(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	engine, err := core.New(core.Options{
		ConfigPath: opts.ConfigPath,
		Logger:     logger,
		LogLevel:   opts.LogLevel,
		Once:       true,
	})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	report, scanErr := engine.Scan(ctx)

	grace := time.Duration(gen.Config.EngineSettings.ShutdownGraceSecs) * time.Second
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*grace+5*time.Second)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil && scanErr == nil {
		scanErr = err
	}
	if scanErr != nil {
		return scanErr
	}

	st := engine.HealthState().Worker
	fmt.Fprintf(c.stdout, "Processed %d files, %d failed\n", st.EventsProcessed, st.EventsFailed)
	if st.EventsFailed > 0 {
		return fmt.Errorf("%d/%d files failed processing", st.EventsFailed, report.Submitted)
	}
	return nil
}

func (c *CLI) newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return c.initProject(dir)
		},
	}
}

const starterConfig = `config_version: "1.0"

engine_settings:
  log_level: INFO
  watch_paths: [docs]
  quarantine_path: quarantine
  pause_file: .scribe/pause
  worker_count: 4
  queue_capacity: 1000
  health_port: 9090

security:
  allowed_commands: [echo]
  restricted_paths: [.git, .scribe]
  audit_log: .scribe/audit.log

plugins:
  directories: [plugins]
  auto_reload: true

rules:
  - id: RULE-001
    name: Mark reviewed notes
    file_glob: "**/*.md"
    trigger_pattern: "(?m)^status: reviewed$"
    actions:
      - type: append_text
        params:
          text_to_append: "\n<!-- reviewed -->\n"
          skip_if_present: true
`

// initProject writes a starter config and security policy into dir
func (c *CLI) initProject(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	for _, sub := range []string{"docs", "plugins", ".scribe"} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", sub, err)
		}
	}

	cfgPath := filepath.Join(abs, DefaultConfigPath)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	w := fs.NewAtomicWriter()
	if err := w.WriteFile(cfgPath, []byte(starterConfig)); err != nil {
		return err
	}
	if err := w.WriteYAML(filepath.Join(abs, config.PolicyFileName), config.DefaultSecurityPolicy()); err != nil {
		return err
	}

	fmt.Fprintf(c.stdout, "Initialized scribe project in %s\n", abs)
	return nil
}
