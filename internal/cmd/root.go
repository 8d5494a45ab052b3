// Package cmd implements the fmaxsweep command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/internal/config"
	"github.com/3leaps/fmaxsweep/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build information injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile  string
	verbose  bool
	logLevel string

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fmaxsweep",
	Short: "Hardware synthesis design-space exploration",
	Long: `fmaxsweep runs an external synthesis tool once per architecture/parameter
variant of a job set and, where requested, bisects the clock frequency of each
variant to find the highest frequency that still meets timing.

Jobs run in waves bounded by a concurrency limit. A running sweep can be
inspected and steered (pause, start, kill, open) through its control server.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./fmaxsweep.yaml, then the data directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

// initApp loads configuration and the CLI logger before any command runs.
func initApp(cmd *cobra.Command, _ []string) error {
	if cfgFile != "" {
		if err := os.Setenv(config.ConfigFileEnv, cfgFile); err != nil {
			return exitError(foundry.ExitInvalidArgument, "set config path", err)
		}
	}

	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "load configuration", err)
	}
	appConfig = cfg

	if err := observability.InitCLILogger(config.AppName, observability.Options{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
		Verbose: verbose,
	}); err != nil {
		return exitError(foundry.ExitInvalidArgument, "initialize logger", err)
	}
	return nil
}

// currentConfig returns the loaded configuration, loading defaults when a
// command runs without the root pre-run (as in tests).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}

// ExitCodeError carries the process exit code of a failed command.
type ExitCodeError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &ExitCodeError{Code: code, Message: message, Err: err}
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	return execute(context.Background(), os.Args[1:])
}

func execute(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	defer observability.Sync()
	if err == nil {
		return 0
	}

	var exit *ExitCodeError
	if errors.As(err, &exit) {
		if exit.Err != nil || exit.Message != "" {
			observability.CLILogger.Error(exit.Message, zap.Error(exit.Err), zap.Int("exit_code", exit.Code))
			_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return exit.Code
	}

	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return int(foundry.ExitInvalidArgument)
}
