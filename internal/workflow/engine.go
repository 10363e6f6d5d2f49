package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/sbpm/internal/display"
	"github.com/pitabwire/sbpm/internal/idempotency"
	"github.com/pitabwire/sbpm/internal/observability"
	"github.com/pitabwire/sbpm/model"
)

const (
	defaultCascadeLimit   = 10000
	defaultIdempotencyTTL = 24 * time.Hour
	systemUser            = "system"
)

// DefinitionProvider resolves process models by ID.
type DefinitionProvider interface {
	GetProcess(processModelID string) (*model.ProcessModel, bool)
}

// EventSink receives lifecycle events after their unit of work commits.
type EventSink interface {
	Publish(ctx context.Context, event model.LifecycleEvent)
}

// StartRequest asks the engine to create a process instance.
type StartRequest struct {
	ProcessModelID string
	User           string
	IdempotencyKey string
}

// InstanceView is a process instance together with its subjects and
// object instances.
type InstanceView struct {
	Instance model.ProcessInstance  `json:"instance"`
	Subjects []model.Subject        `json:"subjects"`
	Objects  []model.ObjectInstance `json:"objects"`
}

// Engine executes subject-oriented process models.
type Engine struct {
	definitions    DefinitionProvider
	store          Store
	sink           EventSink
	evaluator      display.Evaluator
	idempotency    idempotency.Store
	idempotencyTTL time.Duration
	metrics        *observability.Metrics
	logger         *zap.Logger
	cascadeLimit   int
	clock          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventSink sets the destination of lifecycle events.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithEvaluator sets the title evaluator used for task descriptions.
func WithEvaluator(ev display.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithIdempotency enables start deduplication.
func WithIdempotency(store idempotency.Store, ttl time.Duration) Option {
	return func(e *Engine) {
		e.idempotency = store
		if ttl > 0 {
			e.idempotencyTTL = ttl
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCascadeLimit bounds the number of cascade steps one unit of work may
// execute.
func WithCascadeLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cascadeLimit = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates a new engine.
func NewEngine(definitions DefinitionProvider, store Store, opts ...Option) *Engine {
	e := &Engine{
		definitions:    definitions,
		store:          store,
		evaluator:      display.NewTemplateEvaluator(),
		idempotencyTTL: defaultIdempotencyTTL,
		logger:         zap.NewNop(),
		cascadeLimit:   defaultCascadeLimit,
		clock:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a process instance and its starter subject. A start state
// of kind Send delivers its message within the same unit of work.
func (e *Engine) Start(ctx context.Context, req StartRequest) (inst model.ProcessInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrProcessModel.String(req.ProcessModelID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	logger := observability.OperationLogger(ctx, e.logger)

	// 1. Replay a previous start with the same key.
	var idemKey, idemHash string
	if req.IdempotencyKey != "" && e.idempotency != nil {
		idemKey = idempotency.FormatKey(req.ProcessModelID, req.IdempotencyKey)
		idemHash = idempotency.Hash(req.ProcessModelID, req.User)
		id, found, err := e.idempotency.Check(ctx, idemKey, idemHash)
		if err != nil {
			return model.ProcessInstance{}, err
		}
		if found {
			logger.Debug("start replayed", zap.String("idempotency_key", req.IdempotencyKey), zap.String("instance_id", id))
			view, err := e.Get(ctx, id)
			if err != nil {
				return model.ProcessInstance{}, err
			}
			return view.Instance, nil
		}
	}

	// 2. Look up the process model.
	process, ok := e.definitions.GetProcess(req.ProcessModelID)
	if !ok {
		return model.ProcessInstance{}, model.NewNotFoundError(
			fmt.Sprintf("process model %q not found", req.ProcessModelID),
		)
	}
	starter := process.Subject(process.Starter)
	if starter == nil {
		return model.ProcessInstance{}, model.NewIllegalStateError(
			fmt.Sprintf("process model %q has no starter subject %q", process.ID, process.Starter),
		)
	}

	// 3. Create the instance and the starter subject in one unit of work.
	var committed *unit
	err = e.store.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		now := e.clock()
		pi := &model.ProcessInstance{
			ID:             uuid.New().String(),
			ProcessModelID: process.ID,
			Owner:          req.User,
			State:          model.InstanceActive,
			StartedAt:      now,
		}
		if err := tx.Instances().Create(ctx, pi); err != nil {
			return err
		}

		u := e.newUnit(ctx, tx, process, pi, req.User)
		u.emit(model.LifecycleEvent{
			Kind:          model.EventProcessInstanceChanged,
			Action:        model.ActionCreate,
			InstanceState: pi.State,
		})

		subj, err := u.createSubject(starter, req.User)
		if err != nil {
			return err
		}
		if start := u.currentState(subj); start != nil && start.Kind == model.StateKindSend {
			if err := u.run(u.sendStep(subj, start)); err != nil {
				return err
			}
		}
		if err := u.finishIfDone(); err != nil {
			return err
		}
		committed = u
		return nil
	})
	if err != nil {
		logger.Warn("start failed", zap.String("process_model", req.ProcessModelID), zap.Error(err))
		return model.ProcessInstance{}, err
	}

	// 4. Remember the key only once the instance exists.
	if idemKey != "" {
		if err := e.idempotency.Store(ctx, idemKey, idemHash, committed.instance.ID, e.idempotencyTTL); err != nil {
			logger.Error("storing idempotency key failed", zap.Error(err))
		}
	}

	e.metrics.RecordInstanceStart(process.ID)
	e.afterCommit(ctx, committed)
	logger.Info("process instance started",
		zap.String("process_model", process.ID),
		zap.String("instance_id", committed.instance.ID),
		zap.String("owner", req.User),
	)
	return *committed.instance, nil
}

// ChangeState moves a subject from its visible state to the requested
// successor and runs the resulting cascade in the same unit of work.
func (e *Engine) ChangeState(ctx context.Context, req model.TaskRequest) (err error) {
	began := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.change_state",
		observability.AttrSubjectID.String(req.SubjectID),
		observability.AttrStateID.String(req.TargetStateID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	logger := observability.OperationLogger(ctx, e.logger)

	var committed *unit
	processID := "unknown"
	steps := 0
	err = e.store.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		// 1. Lock the instance, then the subject, for the rest of the unit.
		// Units of one instance run one at a time so the subjects loaded
		// below stay current until commit.
		found, err := tx.Subjects().FindByID(ctx, req.SubjectID)
		if err != nil {
			return err
		}
		inst, err := tx.Instances().RetrieveForWrite(ctx, found.ProcessInstanceID)
		if err != nil {
			return err
		}
		subj, err := tx.Subjects().RetrieveForWrite(ctx, req.SubjectID)
		if err != nil {
			return err
		}
		if inst.State != model.InstanceActive {
			return model.NewInstanceNotActiveError(inst.ID, inst.State)
		}
		u, err := e.openUnit(ctx, tx, inst, req.User)
		if err != nil {
			return err
		}
		processID = u.process.ID
		defer func() { steps = u.steps }()
		subj = u.track(subj)

		// 2. Reject stale requests.
		if req.Version != subj.Version {
			return model.NewTaskOutOfDateError(subj.ID, req.Version, subj.Version)
		}

		// 3. Resolve the state the user is looking at.
		visible := u.visibleState(subj)
		if visible == nil {
			return model.NewIllegalStateError(
				fmt.Sprintf("subject %q has no visible state", subj.ID),
			)
		}

		// 4. The target must be a declared successor.
		if !visible.HasHead(req.TargetStateID) {
			return model.NewInvalidTransitionError(visible.ID, req.TargetStateID)
		}
		target := u.model(subj).State(req.TargetStateID)
		if target == nil {
			return model.NewIllegalStateError(
				fmt.Sprintf("state %q is not declared by subject model %q", req.TargetStateID, subj.SubjectModelID),
			)
		}

		// 5. Validate and persist submitted object data.
		if ce := logger.Check(zap.DebugLevel, "applying object data"); ce != nil {
			ce.Write(zap.String("subject_id", subj.ID), zap.Any("objects", redactObjects(req.Objects)))
		}
		if err := u.applyObjectData(visible, req.Objects); err != nil {
			return err
		}

		// 6. Switch state and run the cascade.
		if err := u.run(u.switchToNextState(subj, target)); err != nil {
			return err
		}

		// 7. Finish the instance once every subject is terminal.
		if err := u.finishIfDone(); err != nil {
			return err
		}
		committed = u
		return nil
	})

	span.SetAttributes(
		observability.AttrProcessModel.String(processID),
		observability.AttrCascadeSteps.Int(steps),
	)
	e.metrics.RecordTransition(processID, outcome(err), time.Since(began), steps)
	if err != nil {
		logger.Warn("change state rejected",
			zap.String("subject_id", req.SubjectID),
			zap.String("target_state", req.TargetStateID),
			zap.String("code", model.ErrorCode(err)),
			zap.Error(err),
		)
		return err
	}

	e.afterCommit(ctx, committed)
	logger.Debug("state changed",
		zap.String("subject_id", req.SubjectID),
		zap.String("target_state", req.TargetStateID),
		zap.Int("cascade_steps", steps),
	)
	return nil
}

// Cancel terminates an active instance on behalf of its owner.
func (e *Engine) Cancel(ctx context.Context, instanceID, user string) error {
	return e.terminate(ctx, instanceID, func(inst *model.ProcessInstance) error {
		if inst.Owner != user {
			return model.NewForbiddenError(
				fmt.Sprintf("user %q does not own process instance %q", user, instanceID),
			)
		}
		return inst.Terminate(model.InstanceCancelledByUser, e.clock(), "")
	})
}

// CancelBySystem terminates an active instance after an automated failure.
func (e *Engine) CancelBySystem(ctx context.Context, instanceID, reason string) error {
	return e.terminate(ctx, instanceID, func(inst *model.ProcessInstance) error {
		return inst.Terminate(model.InstanceCancelledBySystem, e.clock(), reason)
	})
}

func (e *Engine) terminate(ctx context.Context, instanceID string, apply func(*model.ProcessInstance) error) (err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel",
		observability.AttrProcessInstance.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var committed *unit
	err = e.store.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		inst, err := tx.Instances().RetrieveForWrite(ctx, instanceID)
		if err != nil {
			return err
		}
		process, ok := e.definitions.GetProcess(inst.ProcessModelID)
		if !ok {
			return model.NewIllegalStateError(
				fmt.Sprintf("process model %q of instance %q is not loaded", inst.ProcessModelID, inst.ID),
			)
		}
		if err := apply(inst); err != nil {
			return err
		}
		if err := tx.Instances().Save(ctx, inst); err != nil {
			return err
		}
		u := e.newUnit(ctx, tx, process, inst, "")
		u.emit(model.LifecycleEvent{
			Kind:          model.EventProcessInstanceChanged,
			Action:        model.ActionUpdate,
			InstanceState: inst.State,
		})
		committed = u
		return nil
	})
	if err != nil {
		return err
	}

	e.afterCommit(ctx, committed)
	observability.OperationLogger(ctx, e.logger).Info("process instance cancelled",
		zap.String("instance_id", instanceID),
		zap.String("state", string(committed.instance.State)),
		zap.String("reason", committed.instance.FailureMessage),
	)
	return nil
}

// Task returns the visible task of a subject.
func (e *Engine) Task(ctx context.Context, subjectID string) (model.TaskInfo, error) {
	var info model.TaskInfo
	err := e.store.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		subj, err := tx.Subjects().FindByID(ctx, subjectID)
		if err != nil {
			return err
		}
		inst, err := tx.Instances().FindByID(ctx, subj.ProcessInstanceID)
		if err != nil {
			return err
		}
		u, err := e.openUnit(ctx, tx, inst, "")
		if err != nil {
			return err
		}
		subj = u.track(subj)

		state := u.visibleState(subj)
		if state == nil || state.IsEnd() {
			return model.NewNotFoundError(fmt.Sprintf("subject %q has no open task", subjectID))
		}
		info = u.taskInfo(subj, state)
		return nil
	})
	return info, err
}

// Tasks returns the open tasks of every subject of an instance.
func (e *Engine) Tasks(ctx context.Context, instanceID string) ([]model.TaskInfo, error) {
	var tasks []model.TaskInfo
	err := e.store.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		inst, err := tx.Instances().FindByID(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.State != model.InstanceActive {
			return nil
		}
		u, err := e.openUnit(ctx, tx, inst, "")
		if err != nil {
			return err
		}
		for _, subj := range u.subjects {
			if state := u.visibleState(subj); state != nil && !state.IsEnd() {
				tasks = append(tasks, u.taskInfo(subj, state))
			}
		}
		return nil
	})
	return tasks, err
}

// Get returns an instance with its subjects and object instances.
func (e *Engine) Get(ctx context.Context, instanceID string) (InstanceView, error) {
	var view InstanceView
	err := e.store.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		inst, err := tx.Instances().FindByID(ctx, instanceID)
		if err != nil {
			return err
		}
		subjects, err := tx.Subjects().FindByInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		objects, err := tx.Objects().FindByInstance(ctx, instanceID)
		if err != nil {
			return err
		}

		view.Instance = *inst
		view.Subjects = make([]model.Subject, 0, len(subjects))
		for _, s := range subjects {
			view.Subjects = append(view.Subjects, *s)
		}
		view.Objects = make([]model.ObjectInstance, 0, len(objects))
		for _, o := range objects {
			view.Objects = append(view.Objects, *o)
		}
		return nil
	})
	return view, err
}

// ObjectInstance returns the object instance of objectModel (ID or name)
// within an instance, creating it on first touch. Concurrent first touches
// observe the same instance.
func (e *Engine) ObjectInstance(ctx context.Context, instanceID, objectModel string) (model.ObjectInstance, error) {
	var obj model.ObjectInstance
	err := e.store.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		inst, err := tx.Instances().FindByID(ctx, instanceID)
		if err != nil {
			return err
		}
		process, ok := e.definitions.GetProcess(inst.ProcessModelID)
		if !ok {
			return model.NewIllegalStateError(
				fmt.Sprintf("process model %q of instance %q is not loaded", inst.ProcessModelID, inst.ID),
			)
		}
		om := process.Object(objectModel)
		if om == nil {
			return model.NewNotFoundError(
				fmt.Sprintf("object model %q not declared by process model %q", objectModel, process.ID),
			)
		}
		o, err := e.newUnit(ctx, tx, process, inst, "").objectInstance(om)
		if err != nil {
			return err
		}
		obj = *o.Clone()
		return nil
	})
	return obj, err
}

// Trail returns the audit trail of an instance ordered by time.
func (e *Engine) Trail(ctx context.Context, instanceID string) ([]model.AuditEntry, error) {
	var entries []model.AuditEntry
	err := e.store.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.Instances().FindByID(ctx, instanceID); err != nil {
			return err
		}
		var err error
		entries, err = tx.Trail().List(ctx, instanceID)
		return err
	})
	return entries, err
}

// afterCommit publishes the buffered events of a committed unit and records
// its metrics.
func (e *Engine) afterCommit(ctx context.Context, u *unit) {
	e.metrics.RecordMessages(u.process.ID, u.delivered, u.consumed)
	for _, ev := range u.events {
		if ev.Kind == model.EventProcessInstanceChanged && ev.Action == model.ActionUpdate && ev.InstanceState.Terminal() {
			e.metrics.RecordInstanceCompletion(u.process.ID, string(ev.InstanceState))
		}
		e.metrics.RecordEventPublished(string(ev.Kind), string(ev.Action))
		if e.sink != nil {
			e.sink.Publish(ctx, ev)
		}
	}
}

// outcome maps an operation error to a metric label.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := model.ErrorCode(err); code != "" {
		return strings.ToLower(code)
	}
	return "error"
}

func redactObjects(objects map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(objects))
	for name, data := range objects {
		out[name] = observability.RedactData(data, nil)
	}
	return out
}
