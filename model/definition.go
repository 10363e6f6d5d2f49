package model

// ProcessModel is the root structure of a process definition file. It
// declares the subject-models that take part in the process and the
// object-models they exchange and edit. A ProcessModel is immutable once
// loaded.
type ProcessModel struct {
	ID       string         `yaml:"id"       json:"id"`
	Name     string         `yaml:"name"     json:"name"`
	Version  string         `yaml:"version"  json:"version"`
	Starter  string         `yaml:"starter"  json:"starter"`
	Subjects []SubjectModel `yaml:"subjects" json:"subjects"`
	Objects  []ObjectModel  `yaml:"objects"  json:"objects,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Subject returns the subject-model with the given ID, or nil.
func (p *ProcessModel) Subject(id string) *SubjectModel {
	for i := range p.Subjects {
		if p.Subjects[i].ID == id {
			return &p.Subjects[i]
		}
	}
	return nil
}

// Object returns the object-model with the given ID or name, or nil.
func (p *ProcessModel) Object(ref string) *ObjectModel {
	for i := range p.Objects {
		if p.Objects[i].ID == ref {
			return &p.Objects[i]
		}
	}
	for i := range p.Objects {
		if p.Objects[i].Name == ref {
			return &p.Objects[i]
		}
	}
	return nil
}

// SubjectModel describes one actor of a process and its local state graph.
type SubjectModel struct {
	ID   string `yaml:"id"   json:"id"`
	Name string `yaml:"name" json:"name"`
	// Service marks subjects that are not bound to a user.
	Service bool `yaml:"service" json:"service,omitempty"`
	// Assignee binds subjects created on message delivery to a user.
	Assignee string       `yaml:"assignee" json:"assignee,omitempty"`
	States   []StateModel `yaml:"states"   json:"states"`
}

// State returns the state with the given ID, or nil.
func (s *SubjectModel) State(id string) *StateModel {
	if id == "" {
		return nil
	}
	for i := range s.States {
		if s.States[i].ID == id {
			return &s.States[i]
		}
	}
	return nil
}

// StartState returns the declared start state, or nil when none is declared.
func (s *SubjectModel) StartState() *StateModel {
	for i := range s.States {
		if s.States[i].Start {
			return &s.States[i]
		}
	}
	return nil
}

// StateKind discriminates the closed set of state variants.
type StateKind string

const (
	StateKindFunction StateKind = "function"
	StateKindSend     StateKind = "send"
	StateKindReceive  StateKind = "receive"
)

// StateModel is a node of a subject-model's state graph. Kind selects which
// of the variant payloads applies: Function states use Heads, Title,
// Provider and Permissions; Send states use Send and at most one Head;
// Receive states use Receive.
type StateModel struct {
	ID    string    `yaml:"id"    json:"id"`
	Name  string    `yaml:"name"  json:"name"`
	Kind  StateKind `yaml:"kind"  json:"kind"`
	Start bool      `yaml:"start" json:"start,omitempty"`
	Heads []string  `yaml:"heads" json:"heads,omitempty"`

	Title       string                `yaml:"title"       json:"title,omitempty"`
	Provider    string                `yaml:"provider"    json:"provider,omitempty"`
	Permissions map[string]Permission `yaml:"permissions" json:"permissions,omitempty"`

	Send    *SendSpec      `yaml:"send"    json:"send,omitempty"`
	Receive []MessageModel `yaml:"receive" json:"receive,omitempty"`
}

// SendSpec is the payload of a Send state.
type SendSpec struct {
	Target string `yaml:"target" json:"target"`
	Object string `yaml:"object" json:"object"`
	Async  bool   `yaml:"async"  json:"async,omitempty"`
}

// MessageModel maps a receivable object-model to the successor state taken
// once a message carrying it is consumed.
type MessageModel struct {
	Object string `yaml:"object" json:"object"`
	Head   string `yaml:"head"   json:"head"`
}

// Permission describes how an attribute may be used in a Function state.
type Permission struct {
	Read      bool `yaml:"read"      json:"read,omitempty"`
	Write     bool `yaml:"write"     json:"write,omitempty"`
	Mandatory bool `yaml:"mandatory" json:"mandatory,omitempty"`
}

// Successors returns the IDs of the states reachable from s in one step.
func (s *StateModel) Successors() []string {
	if s.Kind == StateKindReceive {
		heads := make([]string, 0, len(s.Receive))
		for _, m := range s.Receive {
			heads = append(heads, m.Head)
		}
		return heads
	}
	return s.Heads
}

// IsEnd reports whether s is terminal.
func (s *StateModel) IsEnd() bool {
	return len(s.Successors()) == 0
}

// HasHead reports whether id is a declared successor of s.
func (s *StateModel) HasHead(id string) bool {
	for _, h := range s.Successors() {
		if h == id {
			return true
		}
	}
	return false
}

// Permission returns the permission declared for the attribute.
func (s *StateModel) Permission(attributeID string) Permission {
	if s == nil {
		return Permission{}
	}
	return s.Permissions[attributeID]
}

// StateCases holds one handler per state variant.
type StateCases[T any] struct {
	Function func(s *StateModel) T
	Send     func(s *StateModel, send SendSpec) T
	Receive  func(s *StateModel, messages []MessageModel) T
}

// MatchState dispatches s to the handler for its kind. Unknown kinds and
// missing handlers yield the zero value.
func MatchState[T any](s *StateModel, c StateCases[T]) T {
	var zero T
	switch s.Kind {
	case StateKindFunction:
		if c.Function != nil {
			return c.Function(s)
		}
	case StateKindSend:
		if c.Send != nil && s.Send != nil {
			return c.Send(s, *s.Send)
		}
	case StateKindReceive:
		if c.Receive != nil {
			return c.Receive(s, s.Receive)
		}
	}
	return zero
}

// ObjectModel declares the schema of one business object.
type ObjectModel struct {
	ID         string           `yaml:"id"         json:"id"`
	Name       string           `yaml:"name"       json:"name"`
	Attributes []AttributeModel `yaml:"attributes" json:"attributes"`
}

// VisibleIn reports whether any attribute of the object is readable or
// writable in the given state.
func (o *ObjectModel) VisibleIn(s *StateModel) bool {
	return anyPermitted(o.Attributes, s)
}

func anyPermitted(attrs []AttributeModel, s *StateModel) bool {
	for _, a := range attrs {
		p := s.Permission(a.ID)
		if p.Read || p.Write {
			return true
		}
		if anyPermitted(a.Attributes, s) {
			return true
		}
	}
	return false
}

// AttributeKind discriminates the closed set of attribute variants.
type AttributeKind string

const (
	AttributeSimple  AttributeKind = "simple"
	AttributeNested  AttributeKind = "nested"
	AttributeIndexed AttributeKind = "indexed"
)

// ValueType is the scalar type of a simple attribute.
type ValueType string

const (
	ValueString  ValueType = "string"
	ValueNumber  ValueType = "number"
	ValueBoolean ValueType = "boolean"
	ValueDate    ValueType = "date"
)

// AttributeModel declares one attribute of an object-model. Nested and
// indexed attributes declare their sub-record schema in Attributes.
type AttributeModel struct {
	ID         string           `yaml:"id"         json:"id"`
	Name       string           `yaml:"name"       json:"name"`
	Kind       AttributeKind    `yaml:"kind"       json:"kind"`
	Type       ValueType        `yaml:"type"       json:"type,omitempty"`
	Attributes []AttributeModel `yaml:"attributes" json:"attributes,omitempty"`
}

// AttributeCases holds one handler per attribute variant.
type AttributeCases[T any] struct {
	Simple  func(a *AttributeModel) T
	Nested  func(a *AttributeModel) T
	Indexed func(a *AttributeModel) T
}

// MatchAttribute dispatches a to the handler for its kind.
func MatchAttribute[T any](a *AttributeModel, c AttributeCases[T]) T {
	var zero T
	switch a.Kind {
	case AttributeSimple, "":
		if c.Simple != nil {
			return c.Simple(a)
		}
	case AttributeNested:
		if c.Nested != nil {
			return c.Nested(a)
		}
	case AttributeIndexed:
		if c.Indexed != nil {
			return c.Indexed(a)
		}
	}
	return zero
}
