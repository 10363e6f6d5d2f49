package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sbpm/internal/attribute"
	"github.com/pitabwire/sbpm/model"
)

// unit is the in-memory working set of one unit of work. Subjects and
// object instances are loaded once and mutated in place, so every step of a
// cascade observes the writes of the steps before it.
type unit struct {
	e        *Engine
	ctx      context.Context
	tx       Tx
	process  *model.ProcessModel
	instance *model.ProcessInstance
	actor    string

	subjects []*model.Subject
	objects  map[string]*model.ObjectInstance // key: object-model ID
	events   []model.LifecycleEvent

	steps     int
	delivered int
	consumed  int
}

func (e *Engine) newUnit(ctx context.Context, tx Tx, process *model.ProcessModel, inst *model.ProcessInstance, actor string) *unit {
	return &unit{
		e:        e,
		ctx:      ctx,
		tx:       tx,
		process:  process,
		instance: inst,
		actor:    actor,
		objects:  make(map[string]*model.ObjectInstance),
	}
}

// openUnit loads the subjects and object instances of an existing instance.
func (e *Engine) openUnit(ctx context.Context, tx Tx, inst *model.ProcessInstance, actor string) (*unit, error) {
	process, ok := e.definitions.GetProcess(inst.ProcessModelID)
	if !ok {
		return nil, model.NewIllegalStateError(
			fmt.Sprintf("process model %q of instance %q is not loaded", inst.ProcessModelID, inst.ID),
		)
	}
	u := e.newUnit(ctx, tx, process, inst, actor)

	subjects, err := tx.Subjects().FindByInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range subjects {
		if process.Subject(s.SubjectModelID) == nil {
			return nil, model.NewIllegalStateError(
				fmt.Sprintf("subject %q refers to unknown subject model %q", s.ID, s.SubjectModelID),
			)
		}
	}
	u.subjects = subjects

	objects, err := tx.Objects().FindByInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	for _, o := range objects {
		u.objects[o.ObjectModelID] = o
	}
	return u, nil
}

// track replaces the loaded copy of s with s itself, so the locked subject
// is the one every step mutates.
func (u *unit) track(s *model.Subject) *model.Subject {
	for i, existing := range u.subjects {
		if existing.ID == s.ID {
			u.subjects[i] = s
			return s
		}
	}
	u.subjects = append(u.subjects, s)
	return s
}

func (u *unit) subject(id string) *model.Subject {
	for _, s := range u.subjects {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (u *unit) model(s *model.Subject) *model.SubjectModel {
	return u.process.Subject(s.SubjectModelID)
}

func (u *unit) currentState(s *model.Subject) *model.StateModel {
	return u.model(s).State(s.CurrentState)
}

func (u *unit) now() time.Time {
	return u.e.clock()
}

// visibleState resolves the state a subject presents to its user. A
// Function state is visible as itself. A Send state has none. A Receive
// state shows the head of the first message model with a pending message,
// following chained Receive heads while matching messages remain.
func (u *unit) visibleState(s *model.Subject) *model.StateModel {
	state := u.currentState(s)
	if state == nil {
		return nil
	}
	sm := u.model(s)
	taken := make(map[string]int)
	seen := make(map[string]bool)

	var resolve func(st *model.StateModel) *model.StateModel
	resolve = func(st *model.StateModel) *model.StateModel {
		return model.MatchState(st, model.StateCases[*model.StateModel]{
			Function: func(st *model.StateModel) *model.StateModel { return st },
			Receive: func(st *model.StateModel, messages []model.MessageModel) *model.StateModel {
				if seen[st.ID] {
					return nil
				}
				seen[st.ID] = true
				for _, mm := range messages {
					if s.Unconsumed(mm.Object) <= taken[mm.Object] {
						continue
					}
					head := sm.State(mm.Head)
					if head == nil {
						return nil
					}
					taken[mm.Object]++
					return resolve(head)
				}
				return nil
			},
		})
	}
	return resolve(state)
}

// activeSubjectOf returns the most recently created subject of a
// subject-model that has not reached an end state.
func (u *unit) activeSubjectOf(subjectModelID string) *model.Subject {
	for i := len(u.subjects) - 1; i >= 0; i-- {
		s := u.subjects[i]
		if s.SubjectModelID != subjectModelID {
			continue
		}
		if cur := u.currentState(s); cur != nil && !cur.IsEnd() {
			return s
		}
	}
	return nil
}

func (u *unit) emit(ev model.LifecycleEvent) {
	ev.ProcessInstanceID = u.instance.ID
	ev.ProcessModelID = u.process.ID
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = u.now()
	}
	u.events = append(u.events, ev)
}

// emitTaskCreated announces a new visible task, and the provider task when
// the state is automated.
func (u *unit) emitTaskCreated(s *model.Subject, state *model.StateModel) {
	task := u.taskInfo(s, state)
	u.emit(model.LifecycleEvent{
		Kind:      model.EventSubjectStateChanged,
		Action:    model.ActionCreate,
		SubjectID: s.ID,
		StateID:   state.ID,
		Task:      &task,
	})
	if state.Provider != "" {
		u.emit(model.LifecycleEvent{
			Kind:      model.EventProviderTaskChanged,
			Action:    model.ActionCreate,
			SubjectID: s.ID,
			StateID:   state.ID,
			Task:      &task,
		})
	}
}

func (u *unit) emitTaskDeleted(s *model.Subject, state *model.StateModel) {
	u.emit(model.LifecycleEvent{
		Kind:      model.EventSubjectStateChanged,
		Action:    model.ActionDelete,
		SubjectID: s.ID,
		StateID:   state.ID,
	})
	if state.Provider != "" {
		u.emit(model.LifecycleEvent{
			Kind:      model.EventProviderTaskChanged,
			Action:    model.ActionDelete,
			SubjectID: s.ID,
			StateID:   state.ID,
		})
	}
}

// taskInfo describes the task a subject shows in state.
func (u *unit) taskInfo(s *model.Subject, state *model.StateModel) model.TaskInfo {
	info := model.TaskInfo{
		ProcessInstanceID: u.instance.ID,
		ProcessModelID:    u.process.ID,
		SubjectID:         s.ID,
		SubjectName:       u.model(s).Name,
		User:              s.UserID,
		StateID:           state.ID,
		StateName:         state.Name,
		Title:             state.Name,
		Provider:          state.Provider,
		Version:           s.Version,
	}
	if info.SubjectName == "" {
		info.SubjectName = s.SubjectModelID
	}

	sm := u.model(s)
	for _, id := range state.Successors() {
		ref := model.StateRef{ID: id}
		if head := sm.State(id); head != nil {
			ref.Name = head.Name
		}
		info.Heads = append(info.Heads, ref)
	}

	bindings := make(map[string]map[string]any)
	for i := range u.process.Objects {
		om := &u.process.Objects[i]
		data := map[string]any{}
		if obj, ok := u.objects[om.ID]; ok {
			data = obj.Data
		}
		bindings[om.Name] = data
		if !om.VisibleIn(state) {
			continue
		}
		view := map[string]any{}
		if store, err := attribute.New(om.Attributes, model.CloneData(data)); err == nil {
			view = store.View(state)
		}
		info.Objects = append(info.Objects, model.ObjectView{
			ObjectModelID: om.ID,
			Name:          om.Name,
			Data:          view,
		})
	}

	if state.Title != "" {
		title, err := u.e.evaluator.Evaluate(state.Title, bindings)
		if err != nil {
			u.e.logger.Warn("rendering task title failed",
				zap.String("state_id", state.ID),
				zap.Error(err),
			)
		} else {
			info.Title = title
		}
	}
	return info
}

// finishIfDone moves the instance to FINISHED once every subject rests in
// an end state.
func (u *unit) finishIfDone() error {
	if u.instance.State != model.InstanceActive || len(u.subjects) == 0 {
		return nil
	}
	for _, s := range u.subjects {
		if cur := u.currentState(s); cur == nil || !cur.IsEnd() {
			return nil
		}
	}

	inst, err := u.tx.Instances().RetrieveForWrite(u.ctx, u.instance.ID)
	if err != nil {
		return err
	}
	u.instance = inst
	if inst.State != model.InstanceActive {
		return nil
	}
	if err := inst.Terminate(model.InstanceFinished, u.now(), ""); err != nil {
		return err
	}
	if err := u.tx.Instances().Save(u.ctx, inst); err != nil {
		return fmt.Errorf("saving process instance %s: %w", inst.ID, err)
	}
	u.emit(model.LifecycleEvent{
		Kind:          model.EventProcessInstanceChanged,
		Action:        model.ActionUpdate,
		InstanceState: inst.State,
	})
	return nil
}
