// Package main provides the semneeds binary entry point.
// Semneeds validates documentation-embedded needs against declarative
// schemas, locally and across their link network.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semneeds/config"
	"github.com/c360studio/semneeds/report"
	"github.com/c360studio/semneeds/schema"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semneeds"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		if !errors.Is(err, errValidationFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

// reportFlags override the report and validation sections of the config.
type reportFlags struct {
	schemas      []string
	needs        []string
	format       string
	severity     string
	failOn       string
	debugDir     string
	maxNestLevel int
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Schema validation for documentation needs",
		Long: `Semneeds validates needs (requirements, specifications, tests) exported
from documentation against declarative schemas.

Each schema entry selects needs by type and attributes, checks the
need's own attributes with a JSON-Schema subset and walks its outgoing
links to check the linked needs. Results are cached per need so that
watch mode only re-validates what a change affects.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML); skips user and project config discovery")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(validateCmd(g), watchCmd(g), schemaCmd(g), rulesCmd(), configCmd(g))

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func addReportFlags(cmd *cobra.Command, f *reportFlags) {
	cmd.Flags().StringSliceVarP(&f.schemas, "schema", "s", nil, "Schema file (repeatable); overrides config schemas")
	cmd.Flags().StringSliceVarP(&f.needs, "needs", "n", nil, "Need source glob (repeatable); overrides config needs")
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "Report format ("+strings.Join(report.FormatNames(), ", ")+")")
	cmd.Flags().StringVar(&f.severity, "severity", "", "Lowest surfaced severity (none, info, warning, violation, config_error)")
	cmd.Flags().StringVar(&f.failOn, "fail-on", "", "Lowest severity that fails the run (none fails on config errors only)")
	cmd.Flags().StringVar(&f.debugDir, "debug-dir", "", "Write per-warning debug dumps to this directory")
	cmd.Flags().IntVar(&f.maxNestLevel, "max-nest-level", 0, "Network traversal depth bound")
}

// apply overlays flags on cfg. Flag paths are relative to the working
// directory, not the config file.
func (f *reportFlags) apply(cfg *config.Config) error {
	over := &config.Config{
		Schemas:    absAll(f.schemas),
		Needs:      absAll(f.needs),
		Validation: config.ValidationConfig{MaxNestLevel: f.maxNestLevel},
		Report: config.ReportConfig{
			Severity: f.severity,
			FailOn:   f.failOn,
			Format:   f.format,
		},
	}
	if f.debugDir != "" {
		over.Debug = config.DebugConfig{Enabled: true, Dir: absPath(f.debugDir)}
	}
	if over.Report.Format != "" {
		format, err := report.ParseFormat(over.Report.Format)
		if err != nil {
			return err
		}
		over.Report.Format = string(format)
	}
	cfg.Merge(over)
	return cfg.Validate()
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func absAll(paths []string) []string {
	var out []string
	for _, p := range paths {
		out = append(out, absPath(p))
	}
	return out
}

func validateCmd(g *globalFlags) *cobra.Command {
	f := &reportFlags{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate all needs once and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(g.logLevel)
			cfg, err := loadConfig(g.configPath, logger)
			if err != nil {
				return err
			}
			if err := f.apply(cfg); err != nil {
				return err
			}
			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			r, err := app.Validate(ctx, cmd.OutOrStdout())
			if r != nil {
				logger.Info("Validation finished",
					"run_id", r.RunID,
					"needs", r.Summary.Needs,
					"warnings", r.Summary.Warnings,
					"config_errors", r.Summary.ConfigErrors)
			}
			return err
		},
	}
	addReportFlags(cmd, f)
	return cmd
}

func watchCmd(g *globalFlags) *cobra.Command {
	f := &reportFlags{}
	var (
		debounce    time.Duration
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-validate needs whenever their source files change",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(g.logLevel)
			cfg, err := loadConfig(g.configPath, logger)
			if err != nil {
				return err
			}
			if debounce > 0 {
				cfg.Watch.DebounceDelay = debounce
			}
			if err := f.apply(cfg); err != nil {
				return err
			}
			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}

			// Setup signal handling
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			err = app.Watch(ctx, cmd.OutOrStdout())
			logger.Info("Watcher stopped")
			return err
		},
	}
	addReportFlags(cmd, f)
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "Debounce delay (overrides watch.debounce_delay)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("Serving metrics", "addr", addr)
	return srv
}

func schemaCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Schema file utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [schema files...]",
		Short: "Compile schema files and report configuration errors",
		Long: `Compile schema files without loading needs. With no arguments the
configured schema files are checked. Every error of every file is listed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(g.logLevel)
			cfg, err := loadConfig(g.configPath, logger)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.Schemas = absAll(args)
			}
			return checkSchemas(cmd.OutOrStdout(), cfg)
		},
	})
	return cmd
}

// checkSchemas prints one line per compiled file and returns the joined
// compile errors.
func checkSchemas(out io.Writer, cfg *config.Config) error {
	if len(cfg.Schemas) == 0 {
		return fmt.Errorf("no schema files configured")
	}
	fields := cfg.NeedFields()
	var errs []error
	for _, path := range cfg.Schemas {
		set, err := compileFile(path, fields)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s\n", path)
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Fprintf(out, "  %s\n", line)
			}
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%d entries, %d primary)\n", path, set.Len(), len(set.Primary()))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d schema files invalid: %w", len(errs), len(cfg.Schemas), schema.ErrConfig)
	}
	return nil
}

func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List warning rules and their default severity",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RULE\tDEFAULT SEVERITY")
			for _, r := range schema.Rules() {
				fmt.Fprintf(tw, "%s\t%s\n", r, r.DefaultSeverity())
			}
			return tw.Flush()
		},
	}
}

func configCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(g.logLevel)
			cfg, err := loadConfig(g.configPath, logger)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default " + config.ProjectConfigFile + " to the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(config.ProjectConfigFile); err == nil {
				return fmt.Errorf("%s already exists", config.ProjectConfigFile)
			}
			cfg := config.DefaultConfig()
			cfg.Schemas = []string{"schemas.json"}
			if err := cfg.SaveToFile(config.ProjectConfigFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", config.ProjectConfigFile)
			return nil
		},
	})
	return cmd
}

// setupLogging configures the default logger on stderr.
func setupLogging(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	loader := config.NewLoader(logger)
	if configPath != "" {
		cfg, err := loader.LoadExplicit(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
