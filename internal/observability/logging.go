package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
)

// FileSink configures an optional rotating log file written alongside stdout.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SetupFileSink tees every logger created afterwards into a rotating file.
// The returned closer flushes and closes the file.
func SetupFileSink(sink FileSink) io.Closer {
	rotator := &lumberjack.Logger{
		Filename:   sink.Path,
		MaxSize:    sink.MaxSizeMB,
		MaxBackups: sink.MaxBackups,
		MaxAge:     sink.MaxAgeDays,
		Compress:   sink.Compress,
	}
	outputMu.Lock()
	output = io.MultiWriter(os.Stdout, rotator)
	outputMu.Unlock()
	return rotator
}

func currentOutput() io.Writer {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return output
}

// NewLogger builds a JSON logger for component at the level named by
// CLEAR_LOG_LEVEL (info when unset).
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, ParseLogLevel(os.Getenv("CLEAR_LOG_LEVEL")))
}

// NewLoggerWithLevel builds a JSON logger for component at level. It writes
// to stdout, plus the rotating file when SetupFileSink ran first.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(currentOutput()).Level(level).
		With().Timestamp().Str("component", component).
		Logger()
}

// ParseLogLevel accepts zerolog level names; blank or unrecognised input
// means info.
func ParseLogLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
