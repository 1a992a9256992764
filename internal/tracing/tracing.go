// Package tracing sets up OpenTelemetry trace export and the span
// helpers used around model calls and task runs. When telemetry is
// disabled everything degrades to the otel no-op tracer.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/providers"
)

const scopeName = "github.com/nextlevelbuilder/gocrew"

// Init configures the global tracer provider from config and returns a
// shutdown function. Disabled telemetry returns a no-op shutdown.
func Init(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "gocrew"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func tracer() trace.Tracer { return otel.Tracer(scopeName) }

// StartTaskRun opens a span for one worker task execution.
func StartTaskRun(ctx context.Context, agentID, taskID, role string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "task.run", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("task.id", taskID),
		attribute.String("agent.role", role),
	))
}

// StartModelCall opens a span for one model request.
func StartModelCall(ctx context.Context, agentID, model string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "model.call", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("model", model),
	))
}

// EndModelCall closes a model-call span with usage attributes and error
// status.
func EndModelCall(span trace.Span, resp *providers.ChatResponse, provider string, err error) {
	if provider != "" {
		span.SetAttributes(attribute.String("provider", provider))
	}
	if resp != nil && resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("tokens.prompt", resp.Usage.PromptTokens),
			attribute.Int("tokens.completion", resp.Usage.CompletionTokens),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// EndTaskRun closes a task span with the final board status.
func EndTaskRun(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("task.status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
