package workflow

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/sbpm/model"
)

// updateState persists s in state and records the move in the audit trail.
// Moving to the current state is a no-op. With fireEvents the visible-task
// change is announced.
func (u *unit) updateState(s *model.Subject, state *model.StateModel, fireEvents bool) error {
	if s.CurrentState == state.ID {
		return nil
	}

	var previous *model.StateModel
	if fireEvents {
		previous = u.visibleState(s)
	}

	s.CurrentState = state.ID
	s.LastChanged = u.now()
	if err := u.tx.Subjects().Save(u.ctx, s); err != nil {
		return fmt.Errorf("saving subject %s: %w", s.ID, err)
	}
	if err := u.record(s, state); err != nil {
		return err
	}

	u.e.logger.Debug("subject state updated",
		zap.String("instance_id", u.instance.ID),
		zap.String("subject_id", s.ID),
		zap.String("state_id", state.ID),
		zap.Bool("events", fireEvents),
	)

	if !fireEvents {
		return nil
	}
	if previous != nil {
		u.emitTaskDeleted(s, previous)
	}
	if next := u.visibleState(s); next != nil && !next.IsEnd() {
		u.emitTaskCreated(s, next)
	}
	return nil
}

// record appends an audit entry for s entering state.
func (u *unit) record(s *model.Subject, state *model.StateModel) error {
	user := s.UserID
	if user == "" {
		user = u.actor
	}
	if user == "" {
		user = systemUser
	}
	entry := model.AuditEntry{
		ProcessInstanceID: u.instance.ID,
		SubjectID:         s.ID,
		SubjectName:       u.model(s).Name,
		User:              user,
		StateID:           state.ID,
		StateName:         state.Name,
		Timestamp:         s.LastChanged,
	}
	if entry.SubjectName == "" {
		entry.SubjectName = s.SubjectModelID
	}
	if err := u.tx.Trail().Append(u.ctx, entry); err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	return nil
}

// createSubject instantiates sm in its start state, bound to user when one
// is given and the subject-model is not a service.
func (u *unit) createSubject(sm *model.SubjectModel, user string) (*model.Subject, error) {
	start := sm.StartState()
	if start == nil {
		return nil, model.NewIllegalStateError(
			fmt.Sprintf("subject model %q has no start state", sm.ID),
		)
	}

	now := u.now()
	s := &model.Subject{
		ID:                uuid.New().String(),
		ProcessInstanceID: u.instance.ID,
		SubjectModelID:    sm.ID,
		Kind:              model.SubjectUser,
		UserID:            user,
		CreatedAt:         now,
		LastChanged:       now,
	}
	if sm.Service || user == "" {
		s.Kind = model.SubjectService
		s.UserID = ""
	}

	if err := u.tx.Subjects().Create(u.ctx, s); err != nil {
		return nil, fmt.Errorf("creating subject: %w", err)
	}
	u.subjects = append(u.subjects, s)

	if err := u.updateState(s, start, true); err != nil {
		return nil, err
	}
	return s, nil
}

// sendMessageToReceiver delivers the payload notification of a Send state to
// the active subject of the target subject-model, creating one if none
// exists.
func (u *unit) sendMessageToReceiver(sender *model.Subject, send *model.StateModel) (*model.Subject, error) {
	target := u.process.Subject(send.Send.Target)
	if target == nil {
		return nil, model.NewIllegalStateError(
			fmt.Sprintf("send state %q targets unknown subject model %q", send.ID, send.Send.Target),
		)
	}

	receiver := u.activeSubjectOf(target.ID)
	if receiver == nil {
		var err error
		receiver, err = u.createSubject(target, target.Assignee)
		if err != nil {
			return nil, err
		}
	}

	previous := u.visibleState(receiver)

	msg := model.Message{
		ID:            uuid.New().String(),
		SubjectID:     receiver.ID,
		ObjectModelID: send.Send.Object,
		SenderID:      sender.ID,
		DeliveredAt:   u.now(),
	}
	if err := u.tx.Messages().Append(u.ctx, msg); err != nil {
		return nil, fmt.Errorf("delivering message: %w", err)
	}
	receiver.Inbox = append(receiver.Inbox, msg)
	u.delivered++

	u.e.logger.Debug("message delivered",
		zap.String("instance_id", u.instance.ID),
		zap.String("sender_id", sender.ID),
		zap.String("receiver_id", receiver.ID),
		zap.String("object_model_id", msg.ObjectModelID),
	)

	next := u.visibleState(receiver)
	if next == nil || (previous != nil && previous.ID == next.ID) {
		return receiver, nil
	}
	if previous != nil && !previous.IsEnd() {
		u.emitTaskDeleted(receiver, previous)
	}
	if !next.IsEnd() {
		u.emitTaskCreated(receiver, next)
	}
	return receiver, nil
}
