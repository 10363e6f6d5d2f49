// Package archive copies the audit trail of finished process instances to
// object storage as newline-delimited JSON.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"go.uber.org/zap"

	"github.com/pitabwire/sbpm/internal/observability"
	"github.com/pitabwire/sbpm/model"
)

// ContentType is the media type of archived trails.
const ContentType = "application/x-ndjson"

// ObjectStore stores archived trails.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, metadata map[string]string) error
}

// TrailReader reads the audit trail of a process instance.
type TrailReader interface {
	Trail(ctx context.Context, instanceID string) ([]model.AuditEntry, error)
}

// Archiver writes one object per terminated process instance. It consumes
// ProcessInstanceChanged UPDATE events and ignores everything else.
type Archiver struct {
	store   ObjectStore
	trails  TrailReader
	prefix  string
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewArchiver creates an archiver writing under prefix.
func NewArchiver(store ObjectStore, trails TrailReader, prefix string, logger *zap.Logger, metrics *observability.Metrics) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:   store,
		trails:  trails,
		prefix:  prefix,
		logger:  logger,
		metrics: metrics,
	}
}

// Key returns the object key for an instance's trail.
func (a *Archiver) Key(processModelID, instanceID string) string {
	return path.Join(a.prefix, processModelID, instanceID+".ndjson")
}

// Publish implements the event sink contract.
func (a *Archiver) Publish(ctx context.Context, ev model.LifecycleEvent) {
	if ev.Kind != model.EventProcessInstanceChanged || ev.Action != model.ActionUpdate || !ev.InstanceState.Terminal() {
		return
	}
	if err := a.Archive(ctx, ev.ProcessModelID, ev.ProcessInstanceID, ev.InstanceState); err != nil {
		a.metrics.RecordArchive("failed")
		observability.OperationLogger(ctx, a.logger).Error("archiving trail failed",
			zap.String("instance_id", ev.ProcessInstanceID),
			zap.Error(err),
		)
		return
	}
	a.metrics.RecordArchive("ok")
}

// Archive uploads the full trail of one instance. Uploading the same
// instance twice overwrites the object with identical content.
func (a *Archiver) Archive(ctx context.Context, processModelID, instanceID string, final model.InstanceState) (err error) {
	ctx, span := observability.StartSpan(ctx, "archive.trail",
		observability.AttrProcessModel.String(processModelID),
		observability.AttrProcessInstance.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	entries, err := a.trails.Trail(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("reading trail: %w", err)
	}

	var buf bytes.Buffer
	if err := EncodeTrail(&buf, entries); err != nil {
		return err
	}

	key := a.Key(processModelID, instanceID)
	err = a.store.Put(ctx, key, buf.Bytes(), map[string]string{
		"process-model":  processModelID,
		"instance-state": string(final),
		"entries":        fmt.Sprint(len(entries)),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	observability.OperationLogger(ctx, a.logger).Info("trail archived",
		zap.String("instance_id", instanceID),
		zap.String("key", key),
		zap.Int("entries", len(entries)),
	)
	return nil
}

// EncodeTrail writes entries to w, one JSON object per line. Timestamps
// are written in UTC.
func EncodeTrail(w io.Writer, entries []model.AuditEntry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		e.Timestamp = e.Timestamp.UTC()
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encoding trail entry %d: %w", e.ID, err)
		}
	}
	return nil
}
