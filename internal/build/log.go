package build

import (
	"fmt"
	"os"
	"sync"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// logManager owns the process-wide logging state: the root handler set that
// every subsystem logger fans out through, and the registry of per-subsystem
// handlers so levels can be adjusted at runtime.
type logManager struct {
	mu sync.Mutex

	// root is the handler set shared by all subsystem loggers.
	root *HandlerSet

	// subsystems maps a subsystem tag to its derived handler.
	subsystems map[string]btclogv2.Handler

	// fileWriter is the rotating log file writer, if enabled.
	fileWriter *RotatingLogWriter
}

var logMgr = &logManager{
	root: NewHandlerSet(btclogv2.NewDefaultHandler(
		os.Stderr, btclogv2.WithNoTimestamp(),
	)),
	subsystems: make(map[string]btclogv2.Handler),
}

// NewSubLogger returns a structured logger for the given subsystem tag. The
// logger writes through the root handler set, so it picks up the console
// handler and, once InitLogRotator has been called, the rotating file
// handler too.
func NewSubLogger(tag string) btclogv2.Logger {
	logMgr.mu.Lock()
	defer logMgr.mu.Unlock()

	handler, ok := logMgr.subsystems[tag]
	if !ok {
		handler = logMgr.root.SubSystem(tag)
		logMgr.subsystems[tag] = handler
	}

	return btclogv2.NewSLogger(handler)
}

// InitLogRotator enables file logging by attaching a rotating file handler
// to the root handler set. Call this before creating any subsystem loggers,
// otherwise the already-derived handlers keep writing to the console only.
func InitLogRotator(cfg *LogRotatorConfig) error {
	logMgr.mu.Lock()
	defer logMgr.mu.Unlock()

	writer := NewRotatingLogWriter()
	if err := writer.InitLogRotator(cfg); err != nil {
		return err
	}

	logMgr.fileWriter = writer
	logMgr.root = NewHandlerSet(
		btclogv2.NewDefaultHandler(os.Stderr, btclogv2.WithNoTimestamp()),
		btclogv2.NewDefaultHandler(writer),
	)

	return nil
}

// SetLogLevels applies the given level string (trace, debug, info, warn,
// error, critical, off) to the root handler and all existing subsystem
// handlers.
func SetLogLevels(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("unknown log level %q", levelStr)
	}

	logMgr.mu.Lock()
	defer logMgr.mu.Unlock()

	logMgr.root.SetLevel(level)
	for _, handler := range logMgr.subsystems {
		handler.SetLevel(level)
	}

	return nil
}

// ShutdownLogging flushes and closes the rotating log file, if one was
// initialized.
func ShutdownLogging() {
	logMgr.mu.Lock()
	defer logMgr.mu.Unlock()

	if logMgr.fileWriter != nil {
		_ = logMgr.fileWriter.Close()
		logMgr.fileWriter = nil
	}
}
