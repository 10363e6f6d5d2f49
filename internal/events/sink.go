// Package events delivers lifecycle events produced by the engine to
// loggers, Redis streams and in-process consumers.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/sbpm/model"
)

// Sink consumes lifecycle events. Publish must not block the caller for
// long and never fails; delivery problems are handled by the sink.
type Sink interface {
	Publish(ctx context.Context, event model.LifecycleEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event model.LifecycleEvent)

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, event model.LifecycleEvent) {
	f(ctx, event)
}

// Fanout publishes every event to each of its sinks in order.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(ctx context.Context, event model.LifecycleEvent) {
	for _, s := range f {
		s.Publish(ctx, event)
	}
}

// Filter forwards only the events accepted by match.
func Filter(match func(model.LifecycleEvent) bool, next Sink) Sink {
	return SinkFunc(func(ctx context.Context, event model.LifecycleEvent) {
		if match(event) {
			next.Publish(ctx, event)
		}
	})
}

// Is returns a matcher for events of kind with one of the given actions.
// Without actions every action matches.
func Is(kind model.EventKind, actions ...model.EventAction) func(model.LifecycleEvent) bool {
	return func(ev model.LifecycleEvent) bool {
		if ev.Kind != kind {
			return false
		}
		if len(actions) == 0 {
			return true
		}
		for _, a := range actions {
			if ev.Action == a {
				return true
			}
		}
		return false
	}
}

// LogSink writes every event to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, ev model.LifecycleEvent) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("action", string(ev.Action)),
		zap.String("process_model", ev.ProcessModelID),
		zap.String("instance_id", ev.ProcessInstanceID),
	}
	if ev.SubjectID != "" {
		fields = append(fields, zap.String("subject_id", ev.SubjectID), zap.String("state_id", ev.StateID))
	}
	if ev.InstanceState != "" {
		fields = append(fields, zap.String("instance_state", string(ev.InstanceState)))
	}
	if ev.Task != nil && ev.Task.Provider != "" {
		fields = append(fields, zap.String("provider", ev.Task.Provider))
	}
	s.logger.Info("lifecycle event", fields...)
}
