package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/co-cddo/ndx-canary/internal/config"
	"github.com/co-cddo/ndx-canary/internal/distribution"
	"github.com/co-cddo/ndx-canary/internal/functions"
	"github.com/co-cddo/ndx-canary/internal/logging"
	"github.com/co-cddo/ndx-canary/internal/reconcile"
)

var version = "dev"

const (
	exitOK = iota
	exitFailure
	exitInvalidConfig
	exitConflict
	exitScopeViolation
	exitNotFound
	exitActionRequired
)

// configError marks a failure to load or validate settings.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// driftError reports a run that finished but left distribution state only an
// operator can resolve.
type driftError struct{ drift []distribution.Change }

func (e *driftError) Error() string {
	details := make([]string, len(e.drift))
	for i, d := range e.drift {
		details[i] = d.Detail
	}
	return fmt.Sprintf("operator action required: %s", strings.Join(details, "; "))
}

// app holds the flags shared by every command and the settings they load.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	region     string
	logLevel   string
	logFormat  string

	cfg *config.Config
	log *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	cmd := a.rootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if a.log != nil {
		_ = a.log.Sync()
	}
	if err == nil {
		return exitOK
	}
	printError(stderr, err)
	return exitCode(err)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ndxcanary",
		Short:         "Cookie-gated canary routing for a CloudFront distribution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", config.DefaultPath, "path to config file")
	flags.StringVar(&a.region, "region", "", "AWS region override")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: console or json")

	root.AddCommand(
		a.reconcileCommand(),
		a.routeCommand(),
		a.functionCommand(),
		a.verifyCommand(),
		a.previewCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

// setup loads the settings, applies flag overrides, validates them for
// purpose and builds the logger.
func (a *app) setup(purpose config.Purpose) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return &configError{err}
	}
	if a.region != "" {
		cfg.Region = a.region
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Validate(purpose); err != nil {
		return &configError{err}
	}

	log, err := logging.New(a.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return &configError{err}
	}
	a.cfg = cfg
	a.log = log
	return nil
}

func exitCode(err error) int {
	var (
		cfgErr   *configError
		fnErrs   functions.ValidationErrors
		conflict *reconcile.ConflictError
		scope    *distribution.ScopeViolationError
		policy   *distribution.CachePolicyConflictError
		drift    *driftError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr), errors.As(err, &fnErrs):
		return exitInvalidConfig
	case errors.As(err, &conflict):
		return exitConflict
	case errors.As(err, &scope):
		return exitScopeViolation
	case errors.As(err, &policy), errors.As(err, &drift):
		return exitActionRequired
	case distribution.IsNotFound(err):
		return exitNotFound
	default:
		return exitFailure
	}
}

func printError(w io.Writer, err error) {
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		fmt.Fprintf(w, "Invalid configuration:\n")
		for _, e := range verrs {
			fmt.Fprintf(w, "  %s: %s\n", e.Key, e.Message)
		}
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}
