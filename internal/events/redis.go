package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/sbpm/internal/observability"
	"github.com/pitabwire/sbpm/model"
)

const redisSinkName = "redis"

// RedisSink appends events to a Redis stream. Each entry carries the event
// header as flat fields, the JSON encoded event as "payload" and the W3C
// trace context of the publishing span.
type RedisSink struct {
	client  redis.Cmdable
	stream  string
	maxLen  int64
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRedisSink creates a stream sink. A positive maxLen caps the stream
// approximately at that many entries.
func NewRedisSink(client redis.Cmdable, stream string, maxLen int64, logger *zap.Logger, metrics *observability.Metrics) *RedisSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSink{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		logger:  logger,
		metrics: metrics,
	}
}

// Publish implements Sink. Failures are logged and counted, never returned.
func (s *RedisSink) Publish(ctx context.Context, ev model.LifecycleEvent) {
	if err := s.append(ctx, ev); err != nil {
		s.metrics.RecordEventSinkFailure(redisSinkName)
		s.logger.Error("publishing lifecycle event failed",
			zap.String("stream", s.stream),
			zap.String("kind", string(ev.Kind)),
			zap.String("instance_id", ev.ProcessInstanceID),
			zap.Error(err),
		)
	}
}

func (s *RedisSink) append(ctx context.Context, ev model.LifecycleEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	values := map[string]any{
		"kind":                string(ev.Kind),
		"action":              string(ev.Action),
		"process_model_id":    ev.ProcessModelID,
		"process_instance_id": ev.ProcessInstanceID,
		"payload":             string(payload),
	}
	if ev.SubjectID != "" {
		values["subject_id"] = ev.SubjectID
	}
	for k, v := range observability.InjectTraceFields(ctx) {
		values[k] = v
	}

	args := &redis.XAddArgs{Stream: s.stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %q: %w", s.stream, err)
	}
	return nil
}

// HealthCheck pings the Redis server.
func (s *RedisSink) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// DecodeStreamEntry rebuilds the event carried by a stream entry together
// with a context holding its trace parent.
func DecodeStreamEntry(ctx context.Context, msg redis.XMessage) (context.Context, model.LifecycleEvent, error) {
	var ev model.LifecycleEvent
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return ctx, ev, fmt.Errorf("stream entry %s has no payload", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ctx, ev, fmt.Errorf("unmarshal stream entry %s: %w", msg.ID, err)
	}

	fields := make(map[string]string)
	for k, v := range msg.Values {
		if str, ok := v.(string); ok {
			fields[k] = str
		}
	}
	return observability.ExtractTraceFields(ctx, fields), ev, nil
}
