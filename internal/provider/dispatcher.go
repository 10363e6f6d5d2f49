package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sbpm/internal/observability"
	"github.com/pitabwire/sbpm/model"
)

// Executor is the part of the engine the dispatcher drives.
type Executor interface {
	Task(ctx context.Context, subjectID string) (model.TaskInfo, error)
	ChangeState(ctx context.Context, req model.TaskRequest) error
	CancelBySystem(ctx context.Context, instanceID, reason string) error
}

// Dispatcher reacts to ProviderTaskChanged CREATE events by running the
// named provider and applying its decision. A provider failure cancels the
// owning process instance; it is never retried.
type Dispatcher struct {
	registry *Registry
	executor Executor
	breakers *breakers
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBreaker sets the circuit breaker thresholds applied per provider.
func WithBreaker(failureThreshold int, coolDown time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.breakers.factory = func() *Breaker { return NewBreaker(failureThreshold, 1, coolDown) }
	}
}

// WithTimeout bounds a single provider execution.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithLogger sets the fallback logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *Registry, executor Executor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		executor: executor,
		breakers: &breakers{
			byName:  make(map[string]*Breaker),
			factory: func() *Breaker { return NewBreaker(0, 0, 0) },
		},
		timeout: time.Minute,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish implements the event sink contract. Events other than a provider
// task being created are ignored.
func (d *Dispatcher) Publish(ctx context.Context, ev model.LifecycleEvent) {
	if ev.Kind != model.EventProviderTaskChanged || ev.Action != model.ActionCreate || ev.Task == nil {
		return
	}
	if err := d.Dispatch(ctx, ev.SubjectID, ev.Task.Provider); err != nil {
		observability.OperationLogger(ctx, d.logger).Error("provider dispatch failed",
			zap.String("subject_id", ev.SubjectID),
			zap.String("provider", ev.Task.Provider),
			zap.Error(err),
		)
	}
}

// Dispatch runs provider name for the current task of a subject.
func (d *Dispatcher) Dispatch(ctx context.Context, subjectID, name string) (err error) {
	ctx, span := observability.StartSpan(ctx, "provider.execute",
		observability.AttrSubjectID.String(subjectID),
		observability.AttrProvider.String(name),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	logger := observability.OperationLogger(ctx, d.logger).With(
		zap.String("subject_id", subjectID),
		zap.String("provider", name),
	)

	// 1. Re-read the task; it may have moved on since the event was emitted.
	task, err := d.executor.Task(ctx, subjectID)
	if model.IsCode(err, model.ErrNotFound) {
		logger.Debug("provider task no longer open")
		d.metrics.RecordProviderExecution(name, "skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	if task.Provider != name {
		logger.Debug("provider task superseded", zap.String("state_id", task.StateID))
		d.metrics.RecordProviderExecution(name, "skipped")
		return nil
	}
	span.SetAttributes(
		observability.AttrProcessInstance.String(task.ProcessInstanceID),
		observability.AttrStateID.String(task.StateID),
	)

	// 2. Execute.
	decision, execErr := d.execute(ctx, name, task)
	if execErr != nil {
		d.metrics.RecordProviderExecution(name, "failed")
		return d.cancel(ctx, logger, task, execErr)
	}

	// 3. Apply the decision with the version the provider saw.
	err = d.executor.ChangeState(ctx, model.TaskRequest{
		SubjectID:     task.SubjectID,
		TargetStateID: decision.TargetStateID,
		Version:       task.Version,
		User:          "provider:" + name,
		Objects:       decision.Objects,
	})
	switch {
	case err == nil:
		d.metrics.RecordProviderExecution(name, "ok")
		logger.Debug("provider task completed",
			zap.String("state_id", task.StateID),
			zap.String("target_state", decision.TargetStateID),
		)
		return nil
	case model.IsCode(err, model.ErrTaskOutOfDate),
		model.IsCode(err, model.ErrConflict),
		model.IsCode(err, model.ErrNotFound),
		model.IsCode(err, model.ErrInstanceNotActive):
		d.metrics.RecordProviderExecution(name, "skipped")
		logger.Info("provider decision discarded", zap.Error(err))
		return nil
	default:
		d.metrics.RecordProviderExecution(name, "rejected")
		return d.cancel(ctx, logger, task, fmt.Errorf("applying decision %q: %w", decision.TargetStateID, err))
	}
}

// execute runs the provider under its breaker, a timeout and panic
// recovery.
func (d *Dispatcher) execute(ctx context.Context, name string, task model.TaskInfo) (decision Decision, err error) {
	p, ok := d.registry.Get(name)
	if !ok {
		return Decision{}, fmt.Errorf("provider %q is not registered", name)
	}

	breaker := d.breakers.get(name)
	if err := breaker.Allow(); err != nil {
		return Decision{}, fmt.Errorf("provider %q: %w", name, err)
	}
	defer func() { breaker.Record(err) }()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider %q panicked: %v", name, r)
		}
	}()

	decision, err = p.Execute(ctx, task)
	if err != nil {
		return Decision{}, err
	}
	if decision.TargetStateID == "" {
		return Decision{}, errors.New("provider chose no successor")
	}
	return decision, nil
}

func (d *Dispatcher) cancel(ctx context.Context, logger *zap.Logger, task model.TaskInfo, cause error) error {
	reason := cause.Error()
	logger.Warn("provider failed, cancelling process instance",
		zap.String("instance_id", task.ProcessInstanceID),
		zap.String("state_id", task.StateID),
		zap.Error(cause),
	)
	err := d.executor.CancelBySystem(ctx, task.ProcessInstanceID, reason)
	if model.IsCode(err, model.ErrInstanceNotActive) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancelling process instance %s: %w", task.ProcessInstanceID, err)
	}
	return nil
}
