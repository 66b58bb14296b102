package logger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
)

const serviceName = "autoscan"

type Logger struct {
	*zap.SugaredLogger
	otelCore   *otelzap.Core
	tracer     trace.Tracer
	baseLogger *zap.Logger
}

func New(cfg config.LoggerConfig) (*Logger, error) {
	var zapConfig zap.Config

	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if len(cfg.OutputPaths) > 0 {
		zapConfig.OutputPaths = cfg.OutputPaths
	}

	zapConfig.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	baseLogger, err := zapConfig.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	// Tee into otelzap so log records carry trace correlation.
	otelCore := otelzap.NewCore(serviceName,
		otelzap.WithAttributes(attribute.String("service", serviceName)),
	)

	core := zapcore.NewTee(baseLogger.Core(), otelCore)
	enhancedLogger := zap.New(core, zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{
		SugaredLogger: enhancedLogger.Sugar(),
		otelCore:      otelCore,
		tracer:        otel.Tracer(serviceName + "/logger"),
		baseLogger:    enhancedLogger,
	}, nil
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	base := zap.NewNop()
	return &Logger{
		SugaredLogger: base.Sugar(),
		tracer:        otel.Tracer(serviceName + "/nop"),
		baseLogger:    base,
	}
}

func (l *Logger) WithContext(ctx context.Context) *Logger {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		spanCtx := span.SpanContext()
		return &Logger{
			SugaredLogger: l.With(
				"trace_id", spanCtx.TraceID().String(),
				"span_id", spanCtx.SpanID().String(),
			),
			otelCore:   l.otelCore,
			tracer:     l.tracer,
			baseLogger: l.baseLogger,
		}
	}
	return l
}

func (l *Logger) WithFields(fields ...interface{}) *Logger {
	return &Logger{
		SugaredLogger: l.With(fields...),
		otelCore:      l.otelCore,
		tracer:        l.tracer,
		baseLogger:    l.baseLogger,
	}
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

func (l *Logger) WithTarget(target string) *Logger {
	return l.WithFields("target_id", target)
}

func (l *Logger) WithSession(sessionID string) *Logger {
	return l.WithFields("session_id", sessionID)
}

func (l *Logger) WithStep(step string) *Logger {
	return l.WithFields("step", step)
}

func (l *Logger) WithScanID(scanID string) *Logger {
	return l.WithFields("scan_id", scanID)
}

func (l *Logger) WithTool(tool string) *Logger {
	return l.WithFields("tool", tool)
}

func (l *Logger) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if l.tracer == nil {
		l.tracer = otel.Tracer(serviceName + "/default")
	}
	return l.tracer.Start(ctx, name, opts...)
}

func (l *Logger) LogDuration(ctx context.Context, operation string, start time.Time, fields ...interface{}) {
	duration := time.Since(start)

	allFields := []interface{}{
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	}
	allFields = append(allFields, fields...)

	l.WithContext(ctx).Infow("Operation completed", allFields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("operation_completed", trace.WithAttributes(
			attribute.String("operation", operation),
			attribute.Int64("duration_ms", duration.Milliseconds()),
		))
	}
}

func (l *Logger) LogError(ctx context.Context, err error, operation string, fields ...interface{}) {
	if err == nil {
		return
	}

	allFields := []interface{}{
		"error", err.Error(),
		"operation", operation,
		"error_type", fmt.Sprintf("%T", err),
	}
	allFields = append(allFields, fields...)

	l.WithContext(ctx).Errorw("Operation failed", allFields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (l *Logger) LogPanic(ctx context.Context, recovered interface{}, operation string, fields ...interface{}) {
	allFields := []interface{}{
		"panic", recovered,
		"operation", operation,
		"panic_type", fmt.Sprintf("%T", recovered),
	}
	allFields = append(allFields, fields...)

	l.WithContext(ctx).Errorw("Panic recovered", allFields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", recovered))
	}
}

func (l *Logger) LogDatabaseOperation(ctx context.Context, operation string, table string, rowsAffected int64, duration time.Duration, fields ...interface{}) {
	allFields := []interface{}{
		"db_operation", operation,
		"db_table", table,
		"rows_affected", rowsAffected,
		"duration_ms", duration.Milliseconds(),
	}
	allFields = append(allFields, fields...)

	l.WithContext(ctx).Debugw("Database operation completed", allFields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("database_operation", trace.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("table", table),
			attribute.Int64("rows_affected", rowsAffected),
		))
	}
}

type contextKey struct{}

var loggerKey = contextKey{}

func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	logger, err := New(config.LoggerConfig{Level: "info", Format: "json"})
	if err != nil {
		return NewNop()
	}
	return logger
}

func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func (l *Logger) StartOperation(ctx context.Context, operation string, fields ...interface{}) (context.Context, trace.Span) {
	ctx, span := l.StartSpan(ctx, operation)

	allFields := []interface{}{"operation", operation}
	allFields = append(allFields, fields...)

	l.WithContext(ctx).Debugw("Operation started", allFields...)

	return ctx, span
}

func (l *Logger) FinishOperation(ctx context.Context, span trace.Span, operation string, start time.Time, err error, fields ...interface{}) {
	defer span.End()

	allFields := []interface{}{
		"operation", operation,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	allFields = append(allFields, fields...)

	if err != nil {
		l.LogError(ctx, err, operation, allFields...)
		return
	}
	l.WithContext(ctx).Debugw("Operation completed successfully", allFields...)
	span.SetStatus(codes.Ok, "completed")
}
