// Command funnel-report pulls campaign performance from Meta and Google Ads,
// maps conversion actions to funnel stages and reports, stores or serves the
// resulting period totals.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/radiusdt/funnel-report/internal/config"
	"github.com/radiusdt/funnel-report/internal/jobs"
	"github.com/radiusdt/funnel-report/internal/middleware"
	"github.com/radiusdt/funnel-report/internal/period"
	"github.com/radiusdt/funnel-report/internal/report"
	"github.com/radiusdt/funnel-report/internal/storage"
)

var version = "dev"

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

const usageText = `usage: funnel-report <command> [flags]

commands:
  report              print funnel totals for a period
  backfill            recompute and store summaries for past periods
  audit               compare stored summaries with a fresh fetch
  refresh-cache       refresh current month and week snapshots
  serve               run the HTTP API
  store-google-token  save a Google Ads refresh token in system settings

Run "funnel-report <command> -h" for command flags.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// usageError is a bad command line. It maps to exit code 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// options are the parsed flags of one command.
type options struct {
	command   string
	sel       jobs.Selection
	spec      jobs.PeriodSpec
	format    string
	out       string
	dryRun    bool
	tolerance float64
	token     string
}

// parseCommand parses the flags of command. Only the flags a command uses
// are registered on its flag set.
func parseCommand(command string, args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := &options{command: command}

	var client, platform string
	withSelection := func() {
		fs.StringVar(&client, "client", "", "client name (default: all active clients)")
		fs.StringVar(&platform, "platform", "all", "meta, google or all")
	}
	withPeriods := func() {
		fs.StringVar(&opts.spec.Expr, "period", "", "current-month | current-week | month:YYYY-MM | week:YYYY-MM-DD | isoweek:YYYY-Www")
		fs.IntVar(&opts.spec.Weeks, "weeks", 0, "the current week and the n-1 weeks before it")
		fs.IntVar(&opts.spec.Months, "months", 0, "the current month and the n-1 months before it")
	}

	switch command {
	case "report":
		withSelection()
		withPeriods()
		fs.StringVar(&opts.format, "format", "text", "text, json or xlsx")
		fs.StringVar(&opts.out, "out", "", "output file (default: stdout; xlsx writes funnel-report-YYYY-MM-DD.xlsx)")
	case "backfill":
		withSelection()
		withPeriods()
		fs.BoolVar(&opts.dryRun, "dry-run", false, "fetch and log summaries without writing them")
	case "audit":
		withSelection()
		withPeriods()
		fs.Float64Var(&opts.tolerance, "tolerance", jobs.DefaultTolerance, "relative difference reported as drift")
		fs.StringVar(&opts.out, "out", "", "output file (default: stdout)")
	case "refresh-cache":
		withSelection()
	case "serve":
		fs.StringVar(&platform, "platform", "all", "platforms served: meta, google or all")
	case "store-google-token":
		fs.StringVar(&opts.token, "token", "", "Google Ads OAuth refresh token")
	default:
		return nil, usagef("unknown command %q", command)
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, &usageError{msg: err.Error()}
	}
	if fs.NArg() > 0 {
		return nil, usagef("unexpected arguments: %v", fs.Args())
	}

	platforms, err := jobs.ParsePlatforms(platform)
	if err != nil {
		return nil, &usageError{msg: err.Error()}
	}
	opts.sel = jobs.Selection{ClientName: client, Platforms: platforms}

	set := 0
	for _, on := range []bool{opts.spec.Expr != "", opts.spec.Weeks != 0, opts.spec.Months != 0} {
		if on {
			set++
		}
	}
	if set > 1 {
		return nil, usagef("use only one of --period, --weeks and --months")
	}
	if opts.spec.Weeks < 0 || opts.spec.Months < 0 {
		return nil, usagef("--weeks and --months must be positive")
	}
	if command == "backfill" && set == 0 {
		return nil, usagef("backfill needs --period, --weeks or --months")
	}
	if command == "report" {
		if _, err := report.ForFormat(opts.format); err != nil {
			return nil, &usageError{msg: err.Error()}
		}
	}
	if command == "audit" && opts.tolerance < 0 {
		return nil, usagef("--tolerance must not be negative")
	}
	if command == "store-google-token" && opts.token == "" {
		return nil, usagef("--token is required")
	}
	return opts, nil
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var uerr *usageError
	var perr *period.InvalidPeriodError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &uerr), errors.As(err, &perr):
		return exitUsage
	}
	return exitError
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usageText)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}

	opts, err := parseCommand(args[0], args[1:], stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n\n%s", err, usageText)
		return exitUsage
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitError
	}

	// Bad period expressions are usage errors; catch them before connecting.
	if _, err := opts.spec.Resolve(period.NewResolver(cfg.Location())); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitCode(err)
	}

	platforms := opts.sel.Platforms
	if opts.command == "store-google-token" {
		platforms = nil
	}
	if err := cfg.ValidateFor(platforms, true); err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitError
	}
	if opts.command == "serve" {
		if err := cfg.ValidateServe(); err != nil {
			fmt.Fprintf(stderr, "configuration error: %v\n", err)
			return exitError
		}
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return exitError
	}
	defer logger.Sync()

	logger.Info("starting funnel-report",
		zap.String("command", opts.command),
		zap.String("version", version),
		zap.String("env", cfg.App.Env),
	)

	a, err := newApp(ctx, cfg, logger, platforms)
	if err != nil {
		var merr *config.MissingError
		if errors.As(err, &merr) {
			fmt.Fprintf(stderr, "configuration error: %v\n", err)
		} else {
			logger.Error("startup failed", zap.Error(err))
		}
		return exitError
	}
	defer a.close()

	res, err := execute(ctx, a, opts, stdout)
	if err != nil {
		logger.Error("command failed", zap.String("command", opts.command), zap.Error(err))
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitCode(err)
	}
	if res != nil && res.AllFailed() {
		fmt.Fprintf(stderr, "every unit failed (%d)\n", res.Failed)
		return exitError
	}
	return exitOK
}

// execute runs the job behind opts.command.
func execute(ctx context.Context, a *app, opts *options, stdout io.Writer) (*jobs.RunResult, error) {
	switch opts.command {
	case "report":
		reps, res, err := jobs.NewReportJob(a.deps, a.cache).Run(ctx, opts.sel, opts.spec)
		if err != nil {
			return res, err
		}
		return res, writeReports(opts, reps, stdout)

	case "backfill":
		return jobs.NewBackfillJob(a.deps).Run(ctx, opts.sel, opts.spec, opts.dryRun)

	case "audit":
		rep, res, err := jobs.NewAuditJob(a.deps, opts.tolerance).Run(ctx, opts.sel, opts.spec)
		if err != nil {
			return res, err
		}
		return res, withOutput(opts.out, stdout, rep.WriteText)

	case "refresh-cache":
		return jobs.NewCacheRefreshJob(a.deps, a.cache).Run(ctx, opts.sel)

	case "serve":
		return nil, a.server().Run(ctx)

	case "store-google-token":
		if err := a.settings.SetSetting(ctx, storage.SettingGoogleRefreshToken, opts.token); err != nil {
			return nil, err
		}
		a.logger.Info("google refresh token stored")
		return nil, nil
	}
	return nil, usagef("unknown command %q", opts.command)
}

func writeReports(opts *options, reps []report.Report, stdout io.Writer) error {
	em, err := report.ForFormat(opts.format)
	if err != nil {
		return &usageError{msg: err.Error()}
	}
	out := opts.out
	if out == "" && em.Ext() == ".xlsx" {
		out = "funnel-report-" + time.Now().Format("2006-01-02") + em.Ext()
	}
	return withOutput(out, stdout, func(w io.Writer) error {
		return em.Emit(w, reps...)
	})
}

// withOutput calls fn with path opened for writing, or with stdout when path
// is empty.
func withOutput(path string, stdout io.Writer, fn func(w io.Writer) error) error {
	if path == "" {
		return fn(stdout)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
