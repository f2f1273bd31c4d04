// Package logging wraps log/slog with the category-gated debug
// helpers the streaming engine's subsystems use for high-volume,
// normally-silent tracing (per-packet RTP/clock detail that would
// flood a normal info log).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Level is the logging verbosity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category names a high-volume subsystem that can be selectively
// enabled for Debug-level tracing without turning on every package.
type Category string

const (
	CategoryRTSP     Category = "rtsp"
	CategoryRTP      Category = "rtp"
	CategoryClock    Category = "clock"
	CategoryPlayback Category = "playback"
	CategoryHTTP     Category = "http"
	CategoryAll      Category = "all"
)

// Format selects the slog handler used.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logger configuration.
type Config struct {
	Level      Level
	Format     Format
	OutputFile string

	mu         sync.RWMutex
	categories map[Category]bool
}

// NewConfig returns a Config with sane defaults (info level, text
// format, stdout).
func NewConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		categories: make(map[Category]bool),
	}
}

// ParseLevel converts a string into a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

func (l Level) toSlog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnableCategory turns on Debug*-helper output for category, or every
// category when passed CategoryAll.
func (c *Config) EnableCategory(category Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if category == CategoryAll {
		c.categories[CategoryRTSP] = true
		c.categories[CategoryRTP] = true
		c.categories[CategoryClock] = true
		c.categories[CategoryPlayback] = true
		c.categories[CategoryHTTP] = true
		return
	}
	c.categories[category] = true
}

// IsCategoryEnabled reports whether category tracing is on.
func (c *Config) IsCategoryEnabled(category Category) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.categories[category]
}

// Logger wraps slog.Logger with the category helpers.
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// New builds a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	var w io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		w = f
		file = f
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.toSlog()}
	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), config: cfg, file: file}, nil
}

// Close closes the underlying log file, if any was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// With returns a derived Logger carrying extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), config: l.config, file: l.file}
}

// DebugRTSP logs at Debug only when the rtsp category is enabled.
func (l *Logger) DebugRTSP(msg string, args ...any) { l.debugCat(CategoryRTSP, msg, args...) }

// DebugRTP logs at Debug only when the rtp category is enabled.
func (l *Logger) DebugRTP(msg string, args ...any) { l.debugCat(CategoryRTP, msg, args...) }

// DebugClock logs at Debug only when the clock category is enabled.
func (l *Logger) DebugClock(msg string, args ...any) { l.debugCat(CategoryClock, msg, args...) }

// DebugPlayback logs at Debug only when the playback category is enabled.
func (l *Logger) DebugPlayback(msg string, args ...any) { l.debugCat(CategoryPlayback, msg, args...) }

// DebugHTTP logs at Debug only when the http category is enabled.
func (l *Logger) DebugHTTP(msg string, args ...any) { l.debugCat(CategoryHTTP, msg, args...) }

func (l *Logger) debugCat(cat Category, msg string, args ...any) {
	if l.config != nil && l.config.IsCategoryEnabled(cat) {
		args = append([]any{"category", string(cat)}, args...)
		l.Debug(msg, args...)
	}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns a process-wide fallback Logger, creating one with
// NewConfig() defaults the first time it's needed.
func Default() *Logger {
	once.Do(func() {
		logger, err := New(NewConfig())
		if err != nil {
			logger = &Logger{Logger: slog.Default(), config: NewConfig()}
		}
		defaultLogger = logger
	})
	return defaultLogger
}
