// Package otel bridges observe.Sink to OpenTelemetry tracing.
//
// Each event becomes one span so session passes, node transitions, polls
// and continuation handling show up in any OpenTelemetry-compatible backend.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/procedure-engine/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/procedure-engine"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into an OTel span.
func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	event.Normalize()
	if ctx == nil {
		ctx = context.Background()
	}

	startTime := event.Timestamp
	_, span := s.tracer.Start(ctx, spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("procedure.event.kind", string(event.Kind)),
	}
	if event.SessionID != "" {
		attrs = append(attrs, attribute.String("procedure.session.id", event.SessionID))
	}
	if event.SessionAgentID != "" {
		attrs = append(attrs, attribute.String("procedure.session_agent.id", event.SessionAgentID))
	}
	if event.AgentID != "" {
		attrs = append(attrs, attribute.String("procedure.agent.id", event.AgentID))
	}
	if event.Function != "" {
		attrs = append(attrs, attribute.String("procedure.function", event.Function))
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("procedure.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("procedure.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("procedure.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("procedure.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("procedure.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindSession:
		if event.Name != "" {
			return "procedure." + event.Name
		}
		return "procedure.session"
	case observe.KindNode:
		if event.AgentID != "" {
			return "procedure.node." + event.AgentID
		}
		return "procedure.node"
	case observe.KindPoll:
		return "procedure.poll"
	case observe.KindContinuation:
		if event.Function != "" {
			return "procedure.continuation." + event.Function
		}
		return "procedure.continuation"
	default:
		if event.Name != "" {
			return "procedure." + event.Name
		}
		return "procedure.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
