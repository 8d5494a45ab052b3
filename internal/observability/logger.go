// Package observability owns the process-wide CLI logger.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// CLILogger is the logger used by commands. It is a no-op logger until
// InitCLILogger runs, so packages may log during tests without setup.
var CLILogger = zap.NewNop()

// Options configures InitCLILogger.
type Options struct {
	Level   string
	Profile string
	Verbose bool
}

// InitCLILogger builds CLILogger for the named service. Logs go to stderr so
// that stdout stays reserved for command output.
func InitCLILogger(service string, opts Options) error {
	logger, err := NewLogger(service, opts)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// NewLogger builds a zap logger writing to stderr.
func NewLogger(service string, opts Options) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, err
		}
	}
	if opts.Verbose {
		level.SetLevel(zapcore.DebugLevel)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Profile) {
	case ProfileConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	default:
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core).With(zap.String("service", service)), nil
}

// Sync flushes CLILogger. Errors from syncing a terminal are ignored.
func Sync() {
	_ = CLILogger.Sync()
}
