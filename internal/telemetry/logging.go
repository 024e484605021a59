package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// LogLevel определяет уровень логирования из переменной окружения.
// Возможные значения: DEBUG, INFO, WARN, ERROR
// По умолчанию: INFO
func LogLevel() slog.Level {
	level := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger инициализирует глобальный логгер.
//
// Формат вывода определяется переменной LOG_FORMAT:
//   - "json" (по умолчанию) — JSON формат для production
//   - "text" — цветной человекочитаемый формат (tint) для разработки
func SetupLogger() *slog.Logger {
	logger := slog.New(NewHandler(os.Getenv("LOG_FORMAT"), LogLevel()))
	slog.SetDefault(logger)
	return logger
}

// NewHandler создаёт slog.Handler для формата и уровня.
func NewHandler(format string, level slog.Level) slog.Handler {
	if format == "text" {
		return tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			AddSource:  level == slog.LevelDebug,
			TimeFormat: time.RFC3339,
		})
	}
	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})
}

// Ключи контекста для передачи данных в логгер.
type ctxKey string

const (
	// CtxLogger — ключ для логгера в контексте.
	CtxLogger ctxKey = "logger"
)

// WithLogger добавляет логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext извлекает логгер из контекста.
// Если логгер не найден, возвращает fallback.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}

// WithJob возвращает логгер с tenant_id и job_id.
func WithJob(logger *slog.Logger, tenantID, jobID uuid.UUID) *slog.Logger {
	return logger.With("tenant_id", tenantID, "job_id", jobID)
}

// WithBatch возвращает логгер с tenant_id, job_id и batch_id.
func WithBatch(logger *slog.Logger, tenantID, jobID, batchID uuid.UUID) *slog.Logger {
	return WithJob(logger, tenantID, jobID).With("batch_id", batchID)
}
