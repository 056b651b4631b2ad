package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/c360studio/semneeds/config"
	"github.com/c360studio/semneeds/need"
	"github.com/c360studio/semneeds/report"
	"github.com/c360studio/semneeds/schema"
	"github.com/c360studio/semneeds/validator"
	"github.com/c360studio/semneeds/watch"
)

// errValidationFailed marks a run whose report reached the fail threshold.
var errValidationFailed = errors.New("validation failed")

// App wires the configured schema files into engines.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	fields *need.Fields

	engines []*validator.Engine
}

// NewApp compiles every configured schema file into its own engine.
// Compile errors of all files are reported together.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Schemas) == 0 {
		return nil, fmt.Errorf("no schema files configured")
	}

	app := &App{
		cfg:    cfg,
		logger: logger,
		fields: cfg.NeedFields(),
	}

	var errs []error
	for _, path := range cfg.Schemas {
		set, err := compileFile(path, app.fields)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		app.engines = append(app.engines, validator.New(set,
			validator.WithName(engineName(path)),
			validator.WithMaxNestLevel(cfg.Validation.MaxNestLevel),
			validator.WithLogger(logger)))
		logger.Debug("Compiled schema file", "path", path, "entries", set.Len())
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return app, nil
}

func compileFile(path string, fields *need.Fields) (*schema.Set, error) {
	defs, err := schema.LoadFile(path)
	if err != nil {
		return nil, err
	}
	set, err := schema.Compile(defs, schema.WithFields(fields))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

func engineName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Engines returns the compiled engines in schema file order.
func (a *App) Engines() []*validator.Engine {
	return a.engines
}

// Validate loads the needs, runs every engine and writes the report to out.
// It returns errValidationFailed when the report fails.
func (a *App) Validate(ctx context.Context, out io.Writer) (*report.Report, error) {
	store, err := need.Load(a.cfg.Needs, a.fields)
	if err != nil {
		return nil, fmt.Errorf("load needs: %w", err)
	}
	a.logger.Debug("Loaded needs", "count", store.Len(), "patterns", a.cfg.Needs)

	results, err := validator.RunParallel(ctx, store, a.engines...)
	if err != nil {
		return nil, err
	}
	return a.emit(validator.MergeResults(results...), out)
}

func (a *App) emit(res *validator.Results, out io.Writer) (*report.Report, error) {
	opts, err := a.cfg.ReportOptions()
	if err != nil {
		return nil, err
	}
	opts.Logger = a.logger
	format, err := report.ParseFormat(a.cfg.Report.Format)
	if err != nil {
		return nil, err
	}
	failOn, err := a.cfg.FailOn()
	if err != nil {
		return nil, err
	}

	r, err := report.Emit(res, opts)
	if err != nil {
		// Dump failures do not fail the run.
		a.logger.Warn("Failed to write debug dumps", "dir", opts.DebugDir, "error", err)
	}
	if err := r.Write(out, format); err != nil {
		return nil, err
	}
	if r.Failed(failOn) {
		return r, errValidationFailed
	}
	return r, nil
}

// Watch validates once, then re-validates on every need source change until
// ctx is done.
func (a *App) Watch(ctx context.Context, out io.Writer) error {
	w, err := watch.New(watch.Config{
		Patterns:      a.cfg.Needs,
		Fields:        a.fields,
		DebounceDelay: a.cfg.Watch.DebounceDelay,
	}, a.engines, a.logger)
	if err != nil {
		return err
	}
	defer w.Stop()

	if err := w.Start(ctx); err != nil {
		return err
	}
	for u := range w.Updates() {
		r, err := a.emit(u.Results, out)
		if err != nil && !errors.Is(err, errValidationFailed) {
			return err
		}
		r.Log(a.logger)
	}
	return nil
}
