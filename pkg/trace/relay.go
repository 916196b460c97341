package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys used throughout the relay.
const (
	AttrSessionID   = "session.id"
	AttrEndpoint    = "channel.endpoint"
	AttrCommandType = "command.type"
	AttrCommandSize = "command.size"
	AttrEventType   = "event.type"
)

// SessionAttrs creates attributes for session information.
func SessionAttrs(sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
	}
}

// InstrumentChannelConnect creates a span for a control-channel dial.
func InstrumentChannelConnect(ctx context.Context, sessionID, endpoint string) (context.Context, trace.Span) {
	attrs := SessionAttrs(sessionID)
	attrs = append(attrs, attribute.String(AttrEndpoint, endpoint))

	return StartSpan(ctx, "channel.connect",
		trace.WithAttributes(attrs...),
	)
}

// InstrumentCommandSend creates a span for an outbound avatar command.
func InstrumentCommandSend(ctx context.Context, sessionID, commandType string, size int) (context.Context, trace.Span) {
	attrs := SessionAttrs(sessionID)
	attrs = append(attrs,
		attribute.String(AttrCommandType, commandType),
		attribute.Int(AttrCommandSize, size),
	)

	return StartSpan(ctx, "channel.command",
		trace.WithAttributes(attrs...),
	)
}

// InstrumentBridgeEvent creates a span for one bridge event dispatch.
func InstrumentBridgeEvent(ctx context.Context, sessionID, eventType string) (context.Context, trace.Span) {
	attrs := SessionAttrs(sessionID)
	attrs = append(attrs, attribute.String(AttrEventType, eventType))

	return StartSpan(ctx, "bridge.process_event",
		trace.WithAttributes(attrs...),
	)
}

// InstrumentSessionCreate creates a span for relay session creation.
func InstrumentSessionCreate(ctx context.Context) (context.Context, trace.Span) {
	return StartSpan(ctx, "session.create")
}

// InstrumentSessionTeardown creates a span for relay session teardown.
func InstrumentSessionTeardown(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session.teardown",
		trace.WithAttributes(SessionAttrs(sessionID)...),
	)
}
