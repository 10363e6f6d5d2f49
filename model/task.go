package model

import "time"

// TaskRequest asks the engine to move a subject out of its visible state.
// Objects is keyed by object-model name (or ID) and holds flat or nested
// field maps.
type TaskRequest struct {
	SubjectID     string                    `json:"subject_id"`
	TargetStateID string                    `json:"target_state_id"`
	Version       int64                     `json:"version"`
	User          string                    `json:"user,omitempty"`
	Objects       map[string]map[string]any `json:"objects,omitempty"`
}

// StateRef names a state.
type StateRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ObjectView is the permission-filtered data of an object instance.
type ObjectView struct {
	ObjectModelID string         `json:"object_model_id"`
	Name          string         `json:"name"`
	Data          map[string]any `json:"data"`
}

// TaskInfo describes the visible task of a subject.
type TaskInfo struct {
	ProcessInstanceID string       `json:"process_instance_id"`
	ProcessModelID    string       `json:"process_model_id"`
	SubjectID         string       `json:"subject_id"`
	SubjectName       string       `json:"subject_name"`
	User              string       `json:"user,omitempty"`
	StateID           string       `json:"state_id"`
	StateName         string       `json:"state_name"`
	Title             string       `json:"title"`
	Provider          string       `json:"provider,omitempty"`
	Heads             []StateRef   `json:"heads"`
	Version           int64        `json:"version"`
	Objects           []ObjectView `json:"objects,omitempty"`
}

// EventKind identifies the lifecycle notification type.
type EventKind string

const (
	EventSubjectStateChanged    EventKind = "subject_state_changed"
	EventProcessInstanceChanged EventKind = "process_instance_changed"
	EventProviderTaskChanged    EventKind = "provider_task_changed"
)

// EventAction is the change carried by a lifecycle event.
type EventAction string

const (
	ActionCreate EventAction = "CREATE"
	ActionDelete EventAction = "DELETE"
	ActionUpdate EventAction = "UPDATE"
)

// LifecycleEvent is a notification about a visible task or a process
// instance. Delivery is at-least-once.
type LifecycleEvent struct {
	Kind              EventKind     `json:"kind"`
	Action            EventAction   `json:"action"`
	ProcessInstanceID string        `json:"process_instance_id"`
	ProcessModelID    string        `json:"process_model_id"`
	SubjectID         string        `json:"subject_id,omitempty"`
	StateID           string        `json:"state_id,omitempty"`
	InstanceState     InstanceState `json:"instance_state,omitempty"`
	Task              *TaskInfo     `json:"task,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
}
