package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type LoggerType uint8

const (
	ConsoleLogger LoggerType = iota
	JSONLogger
)

// Component loggers. They are usable before Init is called and write to
// stdout at info level until then.
var (
	Root    = zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	Ledger  = Root.With().Str("component", "ledger").Logger()
	Bridge  = Root.With().Str("component", "bridge").Logger()
	Relay   = Root.With().Str("component", "relay").Logger()
	Network = Root.With().Str("component", "network").Logger()
	API     = Root.With().Str("component", "api").Logger()
)

// Options for Logger
type Options struct {
	// Enable Debug loglevel, default Info
	LogLevel zerolog.Level
	Type     LoggerType
	// Output defaults to stdout
	Output io.Writer
}

func ParseLogLevel(loglevel string) (zerolog.Level, error) {
	return zerolog.ParseLevel(loglevel)
}

// ParseLoggerType maps "console" and "json" to a LoggerType.
func ParseLoggerType(s string) (LoggerType, error) {
	switch strings.ToLower(s) {
	case "", "console":
		return ConsoleLogger, nil
	case "json":
		return JSONLogger, nil
	default:
		return 0, fmt.Errorf("unknown logger type %q", s)
	}
}

func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	switch opts.Type {
	case ConsoleLogger:
		Root = zerolog.New(newConsoleWriter(out)).Level(opts.LogLevel).
			With().Timestamp().Logger()
	default:
		Root = zerolog.New(out).Level(opts.LogLevel).
			With().Timestamp().Logger()
	}
	Ledger = Root.With().Str("component", "ledger").Logger()
	Bridge = Root.With().Str("component", "bridge").Logger()
	Relay = Root.With().Str("component", "relay").Logger()
	Network = Root.With().Str("component", "network").Logger()
	API = Root.With().Str("component", "api").Logger()
}

// Disable silences every component logger, used by tests.
func Disable() {
	Init(Options{LogLevel: zerolog.Disabled, Type: JSONLogger, Output: io.Discard})
}

func newConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}

	cw.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}

	cw.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("message: \"%s\" |", i)
	}

	cw.FormatFieldName = func(i interface{}) string {
		return fmt.Sprintf("\"%s\": ", i)
	}

	cw.FormatFieldValue = func(i interface{}) string {
		return fmt.Sprintf("\"%s\" |", i)
	}

	cw.FormatErrFieldValue = func(i interface{}) string {
		return fmt.Sprintf(" %s |", i)
	}
	return cw
}
