package model

import "time"

// InstanceState is the lifecycle state of a process instance.
type InstanceState string

// Process instance lifecycle states.
const (
	InstanceActive            InstanceState = "ACTIVE"
	InstanceFinished          InstanceState = "FINISHED"
	InstanceCancelledByUser   InstanceState = "CANCELLED_BY_USER"
	InstanceCancelledBySystem InstanceState = "CANCELLED_BY_SYSTEM"
)

// Terminal reports whether the state ends the instance.
func (s InstanceState) Terminal() bool {
	return s != InstanceActive
}

// ProcessInstance is one running (or terminated) execution of a process
// model. EndedAt is set if and only if State is not ACTIVE.
type ProcessInstance struct {
	ID             string        `json:"id"`
	ProcessModelID string        `json:"process_model_id"`
	Owner          string        `json:"owner"`
	State          InstanceState `json:"state"`
	FailureMessage string        `json:"failure_message,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	Version        int64         `json:"version"`
}

// Terminate moves an active instance into a terminal state.
func (p *ProcessInstance) Terminate(state InstanceState, at time.Time, reason string) error {
	if p.State != InstanceActive {
		return NewInstanceNotActiveError(p.ID, p.State)
	}
	p.State = state
	p.EndedAt = &at
	p.FailureMessage = reason
	return nil
}

// SubjectKind distinguishes user-bound from service subjects.
type SubjectKind string

const (
	SubjectUser    SubjectKind = "user"
	SubjectService SubjectKind = "service"
)

// Subject is the runtime actor bound to a subject-model. Version is the
// optimistic concurrency token: it increases on every persisted state change.
type Subject struct {
	ID                string      `json:"id"`
	ProcessInstanceID string      `json:"process_instance_id"`
	SubjectModelID    string      `json:"subject_model_id"`
	Kind              SubjectKind `json:"kind"`
	UserID            string      `json:"user_id,omitempty"`
	CurrentState      string      `json:"current_state,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	LastChanged       time.Time   `json:"last_changed"`
	Version           int64       `json:"version"`
	Inbox             []Message   `json:"inbox,omitempty"`
}

// OldestUnconsumed returns the earliest delivered message for the
// object-model that has not been consumed, or nil.
func (s *Subject) OldestUnconsumed(objectModelID string) *Message {
	for i := range s.Inbox {
		m := &s.Inbox[i]
		if m.ObjectModelID == objectModelID && !m.Consumed {
			return m
		}
	}
	return nil
}

// Unconsumed counts unconsumed messages for the object-model.
func (s *Subject) Unconsumed(objectModelID string) int {
	n := 0
	for _, m := range s.Inbox {
		if m.ObjectModelID == objectModelID && !m.Consumed {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of s.
func (s *Subject) Clone() *Subject {
	c := *s
	c.Inbox = append([]Message(nil), s.Inbox...)
	return &c
}

// Message is a delivered payload reference in a subject's inbox.
type Message struct {
	ID            string    `json:"id"`
	SubjectID     string    `json:"subject_id"`
	ObjectModelID string    `json:"object_model_id"`
	SenderID      string    `json:"sender_id"`
	Consumed      bool      `json:"consumed"`
	DeliveredAt   time.Time `json:"delivered_at"`
}

// ObjectInstance holds the data of one object-model within a process
// instance. There is at most one per (process instance, object-model).
type ObjectInstance struct {
	ID                string         `json:"id"`
	ProcessInstanceID string         `json:"process_instance_id"`
	ObjectModelID     string         `json:"object_model_id"`
	Data              map[string]any `json:"data"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Version           int64          `json:"version"`
}

// Clone returns a deep copy of o.
func (o *ObjectInstance) Clone() *ObjectInstance {
	c := *o
	c.Data = CloneData(o.Data)
	return &c
}

// CloneData deep-copies nested maps and lists of attribute data.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneData(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = cloneValue(item)
		}
		return items
	case []map[string]any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = CloneData(item)
		}
		return items
	default:
		return v
	}
}

// AuditEntry records one state a subject passed through. Entries are
// ordered by (Timestamp, ID).
type AuditEntry struct {
	ID                int64     `json:"id"`
	ProcessInstanceID string    `json:"process_instance_id"`
	SubjectID         string    `json:"subject_id"`
	SubjectName       string    `json:"subject_name"`
	User              string    `json:"user"`
	StateID           string    `json:"state_id"`
	StateName         string    `json:"state_name"`
	Timestamp         time.Time `json:"timestamp"`
}
