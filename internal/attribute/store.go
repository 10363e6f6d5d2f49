// Package attribute implements the typed, hierarchical value container that
// holds one object's data, and the permission-aware merge used when a task
// submits updates.
package attribute

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/sbpm/model"
)

// Store is a view over one object's data (or one nested sub-record),
// constrained by the schema that drives it. Child stores share the parent's
// underlying maps.
type Store struct {
	schema []model.AttributeModel
	data   map[string]any
}

// New wraps data with the given schema. Keys that do not correspond to a
// declared attribute are rejected.
func New(schema []model.AttributeModel, data map[string]any) (*Store, error) {
	if data == nil {
		data = map[string]any{}
	}
	s := &Store{schema: schema, data: data}
	if errs := s.checkKeys(""); len(errs) > 0 {
		return nil, model.NewValidationError(errs)
	}
	return s, nil
}

// Data returns the underlying map.
func (s *Store) Data() map[string]any {
	return s.data
}

// Attribute returns the declared attribute, or nil.
func (s *Store) Attribute(id string) *model.AttributeModel {
	for i := range s.schema {
		if s.schema[i].ID == id {
			return &s.schema[i]
		}
	}
	return nil
}

// set stores a simple attribute value after checking it against the
// declared value type. An empty value clears the attribute.
func (s *Store) set(a *model.AttributeModel, value any) error {
	if isEmpty(value) {
		delete(s.data, a.ID)
		return nil
	}
	v, err := coerce(a.Type, value)
	if err != nil {
		return err
	}
	s.data[a.ID] = v
	return nil
}

// nested returns the sub-record store of a nested attribute. An absent
// sub-record yields a detached empty store.
func (s *Store) nested(a *model.AttributeModel) *Store {
	child, ok := s.data[a.ID].(map[string]any)
	if !ok {
		child = map[string]any{}
	}
	return &Store{schema: a.Attributes, data: child}
}

// indexed returns one store per entry of an indexed attribute.
func (s *Store) indexed(a *model.AttributeModel) []*Store {
	items := asList(s.data[a.ID])
	stores := make([]*Store, 0, len(items))
	for _, item := range items {
		stores = append(stores, &Store{schema: a.Attributes, data: item})
	}
	return stores
}

func (s *Store) checkKeys(prefix string) []model.FieldError {
	var errs []model.FieldError
	for key, value := range s.data {
		path := join(prefix, key)
		a := s.Attribute(key)
		if a == nil {
			errs = append(errs, model.FieldError{Field: path, Code: "UNKNOWN_ATTRIBUTE", Message: fmt.Sprintf("attribute %q is not declared", key)})
			continue
		}
		switch a.Kind {
		case model.AttributeNested:
			if child, ok := value.(map[string]any); ok {
				errs = append(errs, (&Store{schema: a.Attributes, data: child}).checkKeys(path)...)
			}
		case model.AttributeIndexed:
			for i, item := range asList(value) {
				errs = append(errs, (&Store{schema: a.Attributes, data: item}).checkKeys(fmt.Sprintf("%s[%d]", path, i))...)
			}
		}
	}
	return errs
}

// asList normalises the stored representation of an indexed attribute.
func asList(v any) []map[string]any {
	switch val := v.(type) {
	case []map[string]any:
		return val
	case []any:
		items := make([]map[string]any, 0, len(val))
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				items = append(items, m)
			}
		}
		return items
	default:
		return nil
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func coerce(t model.ValueType, v any) (any, error) {
	switch t {
	case model.ValueString, "":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case model.ValueNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", n)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("expected number, got %T", v)
		}
	case model.ValueBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
		return b, nil
	case model.ValueDate:
		switch d := v.(type) {
		case time.Time:
			return d.UTC().Format(time.RFC3339), nil
		case string:
			if _, err := time.Parse(time.RFC3339, d); err == nil {
				return d, nil
			}
			if _, err := time.Parse(time.DateOnly, d); err == nil {
				return d, nil
			}
			return nil, fmt.Errorf("invalid date %q", d)
		default:
			return nil, fmt.Errorf("expected date, got %T", v)
		}
	default:
		return nil, fmt.Errorf("unsupported value type %q", t)
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	case []map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
