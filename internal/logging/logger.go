// Package logging provides categorized structured logging for the engine,
// built on zap. Each subsystem logs through its own named child logger so
// output can be filtered per category. Until Initialize runs, a nop logger
// is installed and all calls are safe no-ops.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup, initialization order
	CategoryStore     Category = "store"     // sqlite adapters, schema, pragmas
	CategoryInstinct  Category = "instinct"  // tier 0 rule base
	CategorySkull     Category = "skull"     // protection kernel verdicts
	CategoryRouter    Category = "router"    // routing decisions, bundles
	CategoryDispatch  Category = "dispatch"  // request state machine
	CategoryAgents    Category = "agents"    // agent execution
	CategoryTemplates Category = "templates" // template load, render, reload
	CategoryFormatter Category = "formatter" // response shaping
	CategoryLearning  Category = "learning"  // learning pipeline runs
	CategoryEvents    Category = "events"    // event log
	CategoryWorkspace Category = "workspace" // artifact writes, git
	CategoryGateway   Category = "gateway"   // LLM collaborator calls
	CategoryTelemetry Category = "telemetry" // metrics
)

// Options controls Initialize.
type Options struct {
	Level   string // debug, info, warn, error (default info)
	Console bool   // console encoder instead of JSON
	File    string // optional log file path; stderr when empty
}

// Logger wraps a category-scoped zap sugared logger with printf-style
// methods, which is how the rest of the codebase logs.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = map[Category]*Logger{}
)

// Initialize builds the shared zap logger. Call once at startup; calling
// again replaces the backend (used by tests).
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.Console {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	core := zapcore.NewCore(enc, sink, level)

	mu.Lock()
	root = zap.New(core)
	loggers = map[Category]*Logger{}
	mu.Unlock()
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	mu.RLock()
	l, ok := loggers[category]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok = loggers[category]; ok {
		return l
	}
	l = &Logger{
		category: category,
		sugar:    root.Named(string(category)).WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a logger carrying extra structured fields (trace ids and
// the like) on every entry.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(kv...)}
}

// ===== PER-CATEGORY HELPERS =====
// Hot paths log through these so call sites stay one token wide.

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Instinct logs to the instinct category
func Instinct(format string, args ...interface{}) {
	Get(CategoryInstinct).Info(format, args...)
}

// InstinctDebug logs debug to the instinct category
func InstinctDebug(format string, args ...interface{}) {
	Get(CategoryInstinct).Debug(format, args...)
}

// Skull logs to the skull category
func Skull(format string, args ...interface{}) {
	Get(CategorySkull).Info(format, args...)
}

// SkullDebug logs debug to the skull category
func SkullDebug(format string, args ...interface{}) {
	Get(CategorySkull).Debug(format, args...)
}

// Router logs to the router category
func Router(format string, args ...interface{}) {
	Get(CategoryRouter).Info(format, args...)
}

// RouterDebug logs debug to the router category
func RouterDebug(format string, args ...interface{}) {
	Get(CategoryRouter).Debug(format, args...)
}

// Dispatch logs to the dispatch category
func Dispatch(format string, args ...interface{}) {
	Get(CategoryDispatch).Info(format, args...)
}

// DispatchDebug logs debug to the dispatch category
func DispatchDebug(format string, args ...interface{}) {
	Get(CategoryDispatch).Debug(format, args...)
}

// Agents logs to the agents category
func Agents(format string, args ...interface{}) {
	Get(CategoryAgents).Info(format, args...)
}

// AgentsDebug logs debug to the agents category
func AgentsDebug(format string, args ...interface{}) {
	Get(CategoryAgents).Debug(format, args...)
}

// Templates logs to the templates category
func Templates(format string, args ...interface{}) {
	Get(CategoryTemplates).Info(format, args...)
}

// TemplatesDebug logs debug to the templates category
func TemplatesDebug(format string, args ...interface{}) {
	Get(CategoryTemplates).Debug(format, args...)
}

// Formatter logs to the formatter category
func Formatter(format string, args ...interface{}) {
	Get(CategoryFormatter).Info(format, args...)
}

// FormatterDebug logs debug to the formatter category
func FormatterDebug(format string, args ...interface{}) {
	Get(CategoryFormatter).Debug(format, args...)
}

// Learning logs to the learning category
func Learning(format string, args ...interface{}) {
	Get(CategoryLearning).Info(format, args...)
}

// LearningDebug logs debug to the learning category
func LearningDebug(format string, args ...interface{}) {
	Get(CategoryLearning).Debug(format, args...)
}

// Events logs to the events category
func Events(format string, args ...interface{}) {
	Get(CategoryEvents).Info(format, args...)
}

// EventsDebug logs debug to the events category
func EventsDebug(format string, args ...interface{}) {
	Get(CategoryEvents).Debug(format, args...)
}

// Workspace logs to the workspace category
func Workspace(format string, args ...interface{}) {
	Get(CategoryWorkspace).Info(format, args...)
}

// WorkspaceDebug logs debug to the workspace category
func WorkspaceDebug(format string, args ...interface{}) {
	Get(CategoryWorkspace).Debug(format, args...)
}

// Gateway logs to the gateway category
func Gateway(format string, args ...interface{}) {
	Get(CategoryGateway).Info(format, args...)
}

// GatewayDebug logs debug to the gateway category
func GatewayDebug(format string, args ...interface{}) {
	Get(CategoryGateway).Debug(format, args...)
}

// ===== PERFORMANCE TIMING =====

// Timer tracks operation duration for performance logging.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
