package definition

import (
	"fmt"

	"github.com/pitabwire/sbpm/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ProviderLookup reports whether an automatic task provider is registered.
type ProviderLookup interface {
	Has(name string) bool
}

// Validator checks process models structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. providers may be nil to skip provider
// name checks.
func (v *Validator) Validate(defs []model.ProcessModel, providers ProviderLookup) []VError {
	var errs []VError
	seen := make(map[string]bool)
	for i, def := range defs {
		prefix := fmt.Sprintf("processes[%d]", i)
		if def.ID != "" && seen[def.ID] {
			errs = append(errs, VError{Path: prefix + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("process %q is defined twice", def.ID)})
		}
		seen[def.ID] = true
		errs = append(errs, v.validateProcess(prefix, def, providers)...)
	}
	return errs
}

func (v *Validator) validateProcess(prefix string, p model.ProcessModel, providers ProviderLookup) []VError {
	var errs []VError

	if p.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if len(p.Subjects) == 0 {
		errs = append(errs, VError{Path: prefix + ".subjects", Code: "REQUIRED", Message: "at least one subject is required"})
	}
	if p.Starter == "" {
		errs = append(errs, VError{Path: prefix + ".starter", Code: "REQUIRED", Message: "starter is required"})
	} else if p.Subject(p.Starter) == nil {
		errs = append(errs, VError{Path: prefix + ".starter", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("subject %q not found", p.Starter)})
	}

	objectIDs := make(map[string]bool)
	attributeIDs := make(map[string]bool)
	for i, o := range p.Objects {
		op := fmt.Sprintf("%s.objects[%d]", prefix, i)
		if o.ID == "" {
			errs = append(errs, VError{Path: op + ".id", Code: "REQUIRED", Message: "object id is required"})
		} else if objectIDs[o.ID] {
			errs = append(errs, VError{Path: op + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("object %q is defined twice", o.ID)})
		}
		objectIDs[o.ID] = true
		if o.Name == "" {
			errs = append(errs, VError{Path: op + ".name", Code: "REQUIRED", Message: "object name is required"})
		}
		errs = append(errs, v.validateAttributes(op+".attributes", o.Attributes, attributeIDs)...)
	}

	subjectIDs := make(map[string]bool)
	for i, s := range p.Subjects {
		sp := fmt.Sprintf("%s.subjects[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "subject id is required"})
		} else if subjectIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("subject %q is defined twice", s.ID)})
		}
		subjectIDs[s.ID] = true
		errs = append(errs, v.validateSubject(sp, p, s, objectIDs, attributeIDs, providers)...)
	}

	return errs
}

func (v *Validator) validateSubject(prefix string, p model.ProcessModel, s model.SubjectModel, objectIDs, attributeIDs map[string]bool, providers ProviderLookup) []VError {
	var errs []VError

	stateIDs := make(map[string]bool)
	starts := 0
	for i, st := range s.States {
		if st.ID == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.states[%d].id", prefix, i), Code: "REQUIRED", Message: "state id is required"})
		} else if stateIDs[st.ID] {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.states[%d].id", prefix, i), Code: "DUPLICATE", Message: fmt.Sprintf("state %q is defined twice", st.ID)})
		}
		stateIDs[st.ID] = true
		if st.Start {
			starts++
		}
	}
	switch {
	case starts == 0:
		errs = append(errs, VError{Path: prefix + ".states", Code: "NO_START_STATE", Message: "exactly one start state is required"})
	case starts > 1:
		errs = append(errs, VError{Path: prefix + ".states", Code: "MULTIPLE_START_STATES", Message: fmt.Sprintf("%d start states declared, want 1", starts)})
	}

	for i, st := range s.States {
		stp := fmt.Sprintf("%s.states[%d]", prefix, i)
		for j, h := range st.Heads {
			if !stateIDs[h] {
				errs = append(errs, VError{Path: fmt.Sprintf("%s.heads[%d]", stp, j), Code: "REF_NOT_FOUND", Message: fmt.Sprintf("state %q not found", h)})
			}
		}

		switch st.Kind {
		case model.StateKindFunction:
			for attr := range st.Permissions {
				if !attributeIDs[attr] {
					errs = append(errs, VError{Path: stp + ".permissions." + attr, Code: "REF_NOT_FOUND", Message: fmt.Sprintf("attribute %q not found", attr)})
				}
			}
			if st.Provider != "" && providers != nil && !providers.Has(st.Provider) {
				errs = append(errs, VError{Path: stp + ".provider", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("provider %q is not registered", st.Provider)})
			}
			if st.Send != nil || len(st.Receive) > 0 {
				errs = append(errs, VError{Path: stp, Code: "INVALID_VARIANT", Message: "function state declares send or receive payload"})
			}
		case model.StateKindSend:
			if st.Send == nil {
				errs = append(errs, VError{Path: stp + ".send", Code: "REQUIRED", Message: "send state requires a send block"})
				break
			}
			if p.Subject(st.Send.Target) == nil {
				errs = append(errs, VError{Path: stp + ".send.target", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("subject %q not found", st.Send.Target)})
			}
			if !objectIDs[st.Send.Object] {
				errs = append(errs, VError{Path: stp + ".send.object", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("object %q not found", st.Send.Object)})
			}
			if len(st.Heads) > 1 {
				errs = append(errs, VError{Path: stp + ".heads", Code: "TOO_MANY_HEADS", Message: "send state has at most one successor"})
			}
		case model.StateKindReceive:
			if len(st.Receive) == 0 {
				errs = append(errs, VError{Path: stp + ".receive", Code: "REQUIRED", Message: "receive state declares at least one message"})
			}
			if len(st.Heads) > 0 {
				errs = append(errs, VError{Path: stp + ".heads", Code: "INVALID_VARIANT", Message: "receive state successors are declared per message"})
			}
			for j, m := range st.Receive {
				mp := fmt.Sprintf("%s.receive[%d]", stp, j)
				if !objectIDs[m.Object] {
					errs = append(errs, VError{Path: mp + ".object", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("object %q not found", m.Object)})
				}
				if !stateIDs[m.Head] {
					errs = append(errs, VError{Path: mp + ".head", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("state %q not found", m.Head)})
				}
			}
		case "":
			errs = append(errs, VError{Path: stp + ".kind", Code: "REQUIRED", Message: "state kind is required"})
		default:
			errs = append(errs, VError{Path: stp + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid state kind %q", st.Kind)})
		}
	}

	return errs
}

var validValueTypes = map[model.ValueType]bool{
	model.ValueString: true, model.ValueNumber: true,
	model.ValueBoolean: true, model.ValueDate: true,
}

// validateAttributes checks an attribute tree. Attribute IDs are unique
// across the whole process because permission tables key on them.
func (v *Validator) validateAttributes(prefix string, attrs []model.AttributeModel, seen map[string]bool) []VError {
	var errs []VError
	for i, a := range attrs {
		ap := fmt.Sprintf("%s[%d]", prefix, i)
		if a.ID == "" {
			errs = append(errs, VError{Path: ap + ".id", Code: "REQUIRED", Message: "attribute id is required"})
		} else if seen[a.ID] {
			errs = append(errs, VError{Path: ap + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("attribute %q is defined twice", a.ID)})
		}
		seen[a.ID] = true

		switch a.Kind {
		case model.AttributeSimple, "":
			if a.Type != "" && !validValueTypes[a.Type] {
				errs = append(errs, VError{Path: ap + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid value type %q", a.Type)})
			}
			if len(a.Attributes) > 0 {
				errs = append(errs, VError{Path: ap + ".attributes", Code: "INVALID_VARIANT", Message: "simple attribute cannot declare children"})
			}
		case model.AttributeNested, model.AttributeIndexed:
			if len(a.Attributes) == 0 {
				errs = append(errs, VError{Path: ap + ".attributes", Code: "REQUIRED", Message: fmt.Sprintf("%s attribute requires children", a.Kind)})
			}
			errs = append(errs, v.validateAttributes(ap+".attributes", a.Attributes, seen)...)
		default:
			errs = append(errs, VError{Path: ap + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid attribute kind %q", a.Kind)})
		}
	}
	return errs
}
