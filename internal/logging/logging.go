// Package logging provides one named, structured logger per engine
// component, built on go.uber.org/zap. Logging is silent by default (a
// zap.NewNop() core) so embedding the engine never produces output unless
// the caller explicitly supplies a *zap.Logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names the subsystem a logger is scoped to.
type Component string

const (
	ComponentSchema    Component = "schema"
	ComponentStore     Component = "store"
	ComponentEvaluator Component = "evaluator"
)

// Loggers holds one SugaredLogger per component, all children of a single
// base *zap.Logger so they share sinks and level configuration.
type Loggers struct {
	base *zap.Logger
}

// New derives a Loggers from base. If base is nil, all returned loggers are
// no-ops. level is one of "debug", "info", "warn", "error" (config.Config's
// LogLevel); an empty or unrecognized level leaves base's own configured
// level untouched.
func New(base *zap.Logger, level string) *Loggers {
	if base == nil {
		return &Loggers{base: zap.NewNop()}
	}
	if lvl, ok := parseLevel(level); ok {
		base = base.WithOptions(zap.IncreaseLevel(lvl))
	}
	return &Loggers{base: base}
}

func parseLevel(level string) (zapcore.Level, bool) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return 0, false
	}
}

// For returns the named sugared logger for component.
func (l *Loggers) For(c Component) *zap.SugaredLogger {
	return l.base.Named(string(c)).Sugar()
}
