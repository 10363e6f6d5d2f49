package workflow

import (
	"fmt"

	"github.com/pitabwire/sbpm/model"
)

// step is one unit of cascade work. It returns the steps it gives rise to;
// they run depth-first, in order, before any sibling scheduled earlier.
type step func() ([]step, error)

// run drives a cascade from first to completion on an explicit stack.
func (u *unit) run(first step) error {
	stack := []step{first}
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		u.steps++
		if u.steps > u.e.cascadeLimit {
			return model.NewCascadeLimitError(u.e.cascadeLimit)
		}

		children, err := next()
		if err != nil {
			return err
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return nil
}

// switchToNextState leaves the subject's current state for next. Leaving a
// Receive state first drains the message that made next visible.
func (u *unit) switchToNextState(s *model.Subject, next *model.StateModel) step {
	return func() ([]step, error) {
		var steps []step
		if cur := u.currentState(s); cur != nil && cur.Kind == model.StateKindReceive {
			steps = append(steps, u.receiveMessages(s, cur))
		}
		return append(steps, u.commitState(s, next)), nil
	}
}

// receiveMessages consumes the oldest pending message of the first message
// model of recv that has one, moves the subject to that model's head
// without events, and wakes the sender.
func (u *unit) receiveMessages(s *model.Subject, recv *model.StateModel) step {
	return func() ([]step, error) {
		sm := u.model(s)
		for _, mm := range recv.Receive {
			msg := s.OldestUnconsumed(mm.Object)
			if msg == nil {
				continue
			}
			head := sm.State(mm.Head)
			if head == nil {
				return nil, model.NewIllegalStateError(
					fmt.Sprintf("receive state %q names unknown head %q", recv.ID, mm.Head),
				)
			}

			ok, err := u.tx.Messages().MarkConsumed(u.ctx, s.ID, msg.ID)
			if err != nil {
				return nil, fmt.Errorf("consuming message %s: %w", msg.ID, err)
			}
			if !ok {
				return nil, model.NewConflictError(
					fmt.Sprintf("message %q of subject %q was already consumed", msg.ID, s.ID),
				)
			}
			msg.Consumed = true
			u.consumed++

			if err := u.updateState(s, head, false); err != nil {
				return nil, err
			}

			steps := []step{u.wakeSender(s, *msg)}
			if head.Kind == model.StateKindReceive {
				steps = append(steps, u.receiveMessages(s, head))
			}
			return steps, nil
		}
		return nil, nil
	}
}

// wakeSender advances a sender still blocked in the synchronous Send state
// that produced msg.
func (u *unit) wakeSender(receiver *model.Subject, msg model.Message) step {
	return func() ([]step, error) {
		sender := u.subject(msg.SenderID)
		if sender == nil {
			return nil, nil
		}
		cur := u.currentState(sender)
		if cur == nil || cur.Kind != model.StateKindSend || cur.Send == nil || cur.Send.Async {
			return nil, nil
		}
		if cur.Send.Target != receiver.SubjectModelID || cur.Send.Object != msg.ObjectModelID {
			return nil, nil
		}
		if len(cur.Heads) == 0 {
			return nil, nil
		}
		head := u.model(sender).State(cur.Heads[0])
		if head == nil {
			return nil, model.NewIllegalStateError(
				fmt.Sprintf("send state %q names unknown head %q", cur.ID, cur.Heads[0]),
			)
		}
		return []step{u.switchToNextState(sender, head)}, nil
	}
}

// commitState persists the move to next and, for a Send state, delivers
// its message.
func (u *unit) commitState(s *model.Subject, next *model.StateModel) step {
	return func() ([]step, error) {
		if err := u.updateState(s, next, true); err != nil {
			return nil, err
		}
		if next.Kind != model.StateKindSend {
			return nil, nil
		}
		return u.sendStep(s, next)()
	}
}

// sendStep delivers the message of a Send state. An asynchronous sender
// moves on at once; the receiver is advanced when the delivery leaves it
// looking at an end state.
func (u *unit) sendStep(sender *model.Subject, send *model.StateModel) step {
	return func() ([]step, error) {
		receiver, err := u.sendMessageToReceiver(sender, send)
		if err != nil {
			return nil, err
		}

		var steps []step
		if send.Send.Async && len(send.Heads) > 0 {
			head := u.model(sender).State(send.Heads[0])
			if head == nil {
				return nil, model.NewIllegalStateError(
					fmt.Sprintf("send state %q names unknown head %q", send.ID, send.Heads[0]),
				)
			}
			steps = append(steps, u.switchToNextState(sender, head))
		}
		return append(steps, u.advanceToEnd(receiver)), nil
	}
}

// advanceToEnd moves a subject whose pending message leads straight to an
// end Function state into that state, since no user will ever act on it.
func (u *unit) advanceToEnd(s *model.Subject) step {
	return func() ([]step, error) {
		cur := u.currentState(s)
		if cur == nil || cur.Kind != model.StateKindReceive {
			return nil, nil
		}
		visible := u.visibleState(s)
		if visible == nil || visible.Kind != model.StateKindFunction || !visible.IsEnd() {
			return nil, nil
		}
		return []step{u.switchToNextState(s, visible)}, nil
	}
}
