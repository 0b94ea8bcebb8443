// Package logging provides config-driven categorized logging for skillforge.
// Every category is a named child of a single zap logger; until Initialize is
// called all loggers are no-ops.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"skillforge/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	// Core system categories
	CategoryBoot    Category = "boot"    // Boot/initialization
	CategoryMetrics Category = "metrics" // Metric export

	// Healing categories
	CategoryExtract   Category = "extract"   // Code block extraction
	CategoryHeal      Category = "heal"      // Regex healing and lowering
	CategoryStructure Category = "structure" // Parse repair and shape validation
	CategoryPolicy    Category = "policy"    // Mangle forbidden-construct policy

	// Execution categories
	CategorySandbox Category = "sandbox" // Trial execution
	CategoryVerdict Category = "verdict" // Verdict assembly

	// Persistence categories
	CategoryArchive  Category = "archive"  // Append-only archive
	CategoryRegistry Category = "registry" // Registry publishing
	CategoryLedger   Category = "ledger"   // SQLite verdict ledger

	// Orchestration categories
	CategoryPipeline   Category = "pipeline"   // End-to-end runs
	CategoryAblation   Category = "ablation"   // Ablation harness
	CategoryRegression Category = "regression" // Golden corpus checks
	CategoryInbox      Category = "inbox"      // Inbox watcher
)

// Logger wraps a sugared zap logger scoped to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	base      *zap.Logger
	settings  config.LoggingConfig
	configMu  sync.RWMutex
)

// Initialize builds the root zap logger from the logging config.
// Safe to call more than once; later calls replace the root logger.
func Initialize(cfg config.LoggingConfig) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.DisableStacktrace = true
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" || cfg.Format == "" {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	zc.OutputPaths = []string{output}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	InitializeWithLogger(logger, cfg)

	Get(CategoryBoot).Info("logging initialized (level=%s format=%s output=%s)", level, zc.Encoding, output)
	if len(cfg.Categories) > 0 {
		enabled := 0
		for _, on := range cfg.Categories {
			if on {
				enabled++
			}
		}
		Get(CategoryBoot).Debug("category filter: %d/%d enabled", enabled, len(cfg.Categories))
	}
	return nil
}

// InitializeWithLogger installs an existing zap logger as the root.
// Tests use it with zaptest/observer cores.
func InitializeWithLogger(logger *zap.Logger, cfg config.LoggingConfig) {
	configMu.Lock()
	if base != nil {
		_ = base.Sync()
	}
	base = logger
	settings = cfg
	configMu.Unlock()

	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if base == nil {
		return false
	}
	return settings.IsCategoryEnabled(string(category))
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if logging is not initialized or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	configMu.RLock()
	root := base
	configMu.RUnlock()
	if root == nil {
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		sugar:    root.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a child logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// WithRunID creates a run-scoped logger so every line of one pipeline run correlates.
func WithRunID(category Category, runID string) *Logger {
	return Get(category).With("run", runID)
}

// CloseAll flushes the root logger (call at shutdown)
func CloseAll() {
	configMu.Lock()
	defer configMu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
}

// reset returns the package to its uninitialized state.
func reset() {
	configMu.Lock()
	base = nil
	settings = config.LoggingConfig{}
	configMu.Unlock()

	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Extract logs to the extract category
func Extract(format string, args ...interface{}) {
	Get(CategoryExtract).Info(format, args...)
}

// ExtractDebug logs debug to the extract category
func ExtractDebug(format string, args ...interface{}) {
	Get(CategoryExtract).Debug(format, args...)
}

// Heal logs to the heal category
func Heal(format string, args ...interface{}) {
	Get(CategoryHeal).Info(format, args...)
}

// HealDebug logs debug to the heal category
func HealDebug(format string, args ...interface{}) {
	Get(CategoryHeal).Debug(format, args...)
}

// Structure logs to the structure category
func Structure(format string, args ...interface{}) {
	Get(CategoryStructure).Info(format, args...)
}

// StructureDebug logs debug to the structure category
func StructureDebug(format string, args ...interface{}) {
	Get(CategoryStructure).Debug(format, args...)
}

// Policy logs to the policy category
func Policy(format string, args ...interface{}) {
	Get(CategoryPolicy).Info(format, args...)
}

// PolicyDebug logs debug to the policy category
func PolicyDebug(format string, args ...interface{}) {
	Get(CategoryPolicy).Debug(format, args...)
}

// Sandbox logs to the sandbox category
func Sandbox(format string, args ...interface{}) {
	Get(CategorySandbox).Info(format, args...)
}

// SandboxDebug logs debug to the sandbox category
func SandboxDebug(format string, args ...interface{}) {
	Get(CategorySandbox).Debug(format, args...)
}

// SandboxWarn logs warning to the sandbox category
func SandboxWarn(format string, args ...interface{}) {
	Get(CategorySandbox).Warn(format, args...)
}

// Archive logs to the archive category
func Archive(format string, args ...interface{}) {
	Get(CategoryArchive).Info(format, args...)
}

// ArchiveError logs error to the archive category
func ArchiveError(format string, args ...interface{}) {
	Get(CategoryArchive).Error(format, args...)
}

// Registry logs to the registry category
func Registry(format string, args ...interface{}) {
	Get(CategoryRegistry).Info(format, args...)
}

// RegistryWarn logs warning to the registry category
func RegistryWarn(format string, args ...interface{}) {
	Get(CategoryRegistry).Warn(format, args...)
}

// Ledger logs to the ledger category
func Ledger(format string, args ...interface{}) {
	Get(CategoryLedger).Info(format, args...)
}

// LedgerError logs error to the ledger category
func LedgerError(format string, args ...interface{}) {
	Get(CategoryLedger).Error(format, args...)
}

// Pipeline logs to the pipeline category
func Pipeline(format string, args ...interface{}) {
	Get(CategoryPipeline).Info(format, args...)
}

// PipelineDebug logs debug to the pipeline category
func PipelineDebug(format string, args ...interface{}) {
	Get(CategoryPipeline).Debug(format, args...)
}

// PipelineError logs error to the pipeline category
func PipelineError(format string, args ...interface{}) {
	Get(CategoryPipeline).Error(format, args...)
}

// Ablation logs to the ablation category
func Ablation(format string, args ...interface{}) {
	Get(CategoryAblation).Info(format, args...)
}

// Regression logs to the regression category
func Regression(format string, args ...interface{}) {
	Get(CategoryRegression).Info(format, args...)
}

// RegressionWarn logs warning to the regression category
func RegressionWarn(format string, args ...interface{}) {
	Get(CategoryRegression).Warn(format, args...)
}

// Inbox logs to the inbox category
func Inbox(format string, args ...interface{}) {
	Get(CategoryInbox).Info(format, args...)
}

// InboxWarn logs warning to the inbox category
func InboxWarn(format string, args ...interface{}) {
	Get(CategoryInbox).Warn(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
