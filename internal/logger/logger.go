// Package logger builds the structured slog loggers used across the ingestion
// core. Loggers carry component names and pick up symbol, task, gap and trace
// identifiers from the context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	OperationKey ContextKey = "operation"
	SymbolKey    ContextKey = "symbol"
	ProviderKey  ContextKey = "provider"
	TaskIDKey    ContextKey = "task_id"
	GapIDKey     ContextKey = "gap_id"
)

// contextKeys is the order attributes are emitted in.
var contextKeys = []ContextKey{TraceIDKey, OperationKey, SymbolKey, ProviderKey, TaskIDKey, GapIDKey}

// LoggerManager owns the log writer and hands out component loggers.
type LoggerManager struct {
	baseLogger *slog.Logger
	config     config.LoggingConfig
	writer     io.WriteCloser

	mu             sync.Mutex
	componentCache map[string]*slog.Logger
}

// NewLoggerManager creates a logger manager writing where cfg.Output says.
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}
	return newManager(cfg, writer), nil
}

// NewWithWriter creates a logger manager writing to w regardless of cfg.Output.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) *LoggerManager {
	return newManager(cfg, nopWriteCloser{w})
}

func newManager(cfg config.LoggingConfig, writer io.WriteCloser) *LoggerManager {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	if len(cfg.ContextFields) > 0 {
		attrs := make([]slog.Attr, 0, len(cfg.ContextFields))
		for key, value := range cfg.ContextFields {
			attrs = append(attrs, slog.String(key, value))
		}
		handler = handler.WithAttrs(attrs)
	}

	return &LoggerManager{
		baseLogger:     slog.New(handler),
		config:         cfg,
		writer:         writer,
		componentCache: make(map[string]*slog.Logger),
	}
}

func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}, nil
	default:
		return nopWriteCloser{os.Stdout}, nil
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogger returns the base logger instance
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.baseLogger
}

// GetComponentLogger returns a cached logger tagged with the component name.
func (lm *LoggerManager) GetComponentLogger(component string) *slog.Logger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if cached, ok := lm.componentCache[component]; ok {
		return cached
	}
	l := lm.baseLogger.With(slog.String("component", component))
	lm.componentCache[component] = l
	return l
}

// Close closes the underlying writer.
func (lm *LoggerManager) Close() error {
	if lm.writer != nil {
		return lm.writer.Close()
	}
	return nil
}

// FromContext returns l enriched with every identifier found in ctx.
func FromContext(ctx context.Context, l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	attrs := contextAttributes(ctx)
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

func contextAttributes(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var attrs []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithNewTraceID attaches a fresh random trace ID.
func WithNewTraceID(ctx context.Context) context.Context {
	return WithTraceID(ctx, uuid.NewString())
}

func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, SymbolKey, symbol)
}

func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, ProviderKey, provider)
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

func WithGapID(ctx context.Context, gapID string) context.Context {
	return context.WithValue(ctx, GapIDKey, gapID)
}

// GetTraceID extracts the trace ID from context
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// TimedOperation runs fn and logs its outcome and duration.
func TimedOperation(ctx context.Context, l *slog.Logger, operation string, fn func() error) error {
	start := time.Now()
	l = FromContext(WithOperation(ctx, operation), l)

	err := fn()
	duration := time.Since(start)

	if err != nil {
		l.Error("operation failed", slog.Duration("duration", duration), slog.Any("error", err))
		return err
	}
	l.Debug("operation completed", slog.Duration("duration", duration))
	return nil
}

// Discard returns a logger that drops everything, for tests and defaults.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
