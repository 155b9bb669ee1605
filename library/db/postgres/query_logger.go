package postgres

import (
	"context"
	"fmt"
	"strings"

	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/pgvector/pgvector-go"
)

const (
	defaultMaxLoggedParamLength = 256
	defaultVectorPreviewDims    = 8
)

// queryLogger forwards pgx trace events to the application logger with
// oversized parameters (embeddings, abstracts) summarized.
type queryLogger struct {
	logger               logSDK.Logger
	maxLoggedParamLength int
	vectorPreviewDims    int
}

// NewQueryTracer returns a pgx tracer that logs statements at debug level.
func NewQueryTracer(logger logSDK.Logger) *tracelog.TraceLog {
	return &tracelog.TraceLog{
		Logger: &queryLogger{
			logger:               logger,
			maxLoggedParamLength: defaultMaxLoggedParamLength,
			vectorPreviewDims:    defaultVectorPreviewDims,
		},
		LogLevel: tracelog.LogLevelDebug,
	}
}

// Log implements tracelog.Logger.
func (l *queryLogger) Log(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	fields := make([]zap.Field, 0, len(data))
	for key, value := range data {
		if key == "args" {
			if args, ok := value.([]any); ok {
				value = sanitizeLoggedSQLParams(l.maxLoggedParamLength, l.vectorPreviewDims, args...)
			}
		}
		fields = append(fields, zap.Any(key, value))
	}

	switch level {
	case tracelog.LogLevelError:
		l.logger.Warn(msg, fields...)
	case tracelog.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case tracelog.LogLevelInfo:
		l.logger.Info(msg, fields...)
	default:
		l.logger.Debug(msg, fields...)
	}
}

// sanitizeLoggedSQLParams summarizes every parameter of a statement.
func sanitizeLoggedSQLParams(maxLoggedParamLength, vectorPreviewDims int, params ...any) []any {
	filtered := make([]any, len(params))
	for idx, param := range params {
		filtered[idx] = sanitizeLoggedSQLParam(param, maxLoggedParamLength, vectorPreviewDims)
	}
	return filtered
}

// sanitizeLoggedSQLParam converts oversized parameter values into compact log-safe summaries.
func sanitizeLoggedSQLParam(param any, maxLoggedParamLength, vectorPreviewDims int) any {
	switch value := param.(type) {
	case pgvector.Vector:
		return summarizeVectorForLog(value.Slice(), vectorPreviewDims)
	case string:
		if isVectorLikeLiteral(value) {
			return truncateStringForLog(value, maxLoggedParamLength)
		}
		if len(value) > maxLoggedParamLength {
			return fmt.Sprintf("<string:len=%d,truncated>", len(value))
		}
		return value
	case []byte:
		if len(value) > maxLoggedParamLength {
			return fmt.Sprintf("<bytes:len=%d,truncated>", len(value))
		}
		return value
	default:
		return param
	}
}

// summarizeVectorForLog returns a compact vector summary including dimensionality and preview values.
func summarizeVectorForLog(vector []float32, previewDims int) string {
	if previewDims <= 0 {
		previewDims = defaultVectorPreviewDims
	}

	previewCount := min(previewDims, len(vector))
	return fmt.Sprintf("<vector:dim=%d,preview=%v,truncated=%t>", len(vector), vector[:previewCount], len(vector) > previewCount)
}

// truncateStringForLog shortens a string and appends metadata about the original length.
func truncateStringForLog(raw string, maxLoggedParamLength int) string {
	if maxLoggedParamLength <= 0 || len(raw) <= maxLoggedParamLength {
		return raw
	}
	return fmt.Sprintf("%s...<truncated:len=%d>", raw[:maxLoggedParamLength], len(raw))
}

// isVectorLikeLiteral checks whether a SQL parameter string resembles a vector literal.
func isVectorLikeLiteral(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < 4 {
		return false
	}
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return false
	}
	return strings.Contains(trimmed, ",")
}
