package atel

import (
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// The diagnostic channel carries the SDK's own operational messages
// (swallowed recording errors, reachability warnings). It is distinct from
// the telemetry log pipeline and never exports anywhere.
var diagLogger atomic.Pointer[zap.Logger]

func diagnostics() *zap.Logger {
	if l := diagLogger.Load(); l != nil {
		return l
	}
	l := newDefaultDiagnostics()
	if diagLogger.CompareAndSwap(nil, l) {
		return l
	}
	return diagLogger.Load()
}

func newDefaultDiagnostics() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("atel")
}

// SetDiagnosticsLogger replaces the logger used for the SDK's internal
// diagnostic messages. Passing nil silences diagnostics entirely.
func SetDiagnosticsLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	diagLogger.Store(logger)
}

func diagnosticsWarnFlush(signal SignalKind, err error) {
	diagnostics().Warn("flush before exporter swap failed",
		zap.String("signal", string(signal)),
		zap.Error(err))
}

// LogHandler returns a zapcore.Core that forwards records at or above the
// configured logging level to the logs pipeline. The caller attaches it to
// its own logger; the SDK never installs itself into application loggers.
//
//	core, err := atel.LogHandler()
//	logger := zap.New(zapcore.NewTee(existingCore, core))
//
// Fails with ErrNotInitialized until the logs signal is ready.
func (c *Controller) LogHandler() (zapcore.Core, error) {
	c.mu.Lock()
	provider := c.loggerProvider
	level := zapcore.WarnLevel
	if c.rc != nil {
		level = c.rc.loggingLevel
	}
	c.mu.Unlock()

	if provider == nil {
		return nil, fmt.Errorf("%w: logs signal is not ready", ErrNotInitialized)
	}

	core := otelzap.NewCore("atel", otelzap.WithLoggerProvider(provider))
	return zapcore.NewIncreaseLevelCore(core, zap.NewAtomicLevelAt(level))
}

// LogHandler returns a log handler from the default controller.
func LogHandler() (zapcore.Core, error) {
	return defaultController.LogHandler()
}
