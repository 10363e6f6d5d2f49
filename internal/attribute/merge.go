package attribute

import (
	"fmt"

	"github.com/pitabwire/sbpm/model"
)

// Merge applies submitted values to the store using the permission table of
// state. Attributes that are not writable are left untouched. Every
// writable and mandatory attribute must hold a value once the merge is
// done. The store is only modified when no field error is reported.
func (s *Store) Merge(submitted map[string]any, state *model.StateModel) []model.FieldError {
	work := &Store{schema: s.schema, data: model.CloneData(s.data)}
	errs := work.merge("", submitted, state)
	if len(errs) > 0 {
		return errs
	}
	clear(s.data)
	for k, v := range work.data {
		s.data[k] = v
	}
	return nil
}

func (s *Store) merge(prefix string, submitted map[string]any, state *model.StateModel) []model.FieldError {
	var errs []model.FieldError

	for key := range submitted {
		if s.Attribute(key) == nil {
			errs = append(errs, model.FieldError{
				Field:   join(prefix, key),
				Code:    "UNKNOWN_ATTRIBUTE",
				Message: fmt.Sprintf("attribute %q is not declared", key),
			})
		}
	}

	for i := range s.schema {
		a := &s.schema[i]
		perm := state.Permission(a.ID)
		path := join(prefix, a.ID)
		value, present := submitted[a.ID]

		errs = append(errs, model.MatchAttribute(a, model.AttributeCases[[]model.FieldError]{
			Simple: func(a *model.AttributeModel) []model.FieldError {
				return s.mergeSimple(path, a, perm, value, present)
			},
			Nested: func(a *model.AttributeModel) []model.FieldError {
				return s.mergeNested(path, a, perm, state, value, present)
			},
			Indexed: func(a *model.AttributeModel) []model.FieldError {
				return s.mergeIndexed(path, a, perm, state, value, present)
			},
		})...)
	}

	return errs
}

func (s *Store) mergeSimple(path string, a *model.AttributeModel, perm model.Permission, value any, present bool) []model.FieldError {
	if perm.Write && present {
		if err := s.set(a, value); err != nil {
			return []model.FieldError{{Field: path, Code: "INVALID_TYPE", Message: err.Error()}}
		}
	}
	if perm.Write && perm.Mandatory && isEmpty(s.data[a.ID]) {
		return []model.FieldError{required(path)}
	}
	return nil
}

func (s *Store) mergeNested(path string, a *model.AttributeModel, perm model.Permission, state *model.StateModel, value any, present bool) []model.FieldError {
	var sub map[string]any
	if present && value != nil {
		m, ok := value.(map[string]any)
		if !ok {
			return []model.FieldError{{Field: path, Code: "INVALID_TYPE", Message: fmt.Sprintf("expected object, got %T", value)}}
		}
		sub = m
	}

	child := s.nested(a)
	errs := child.merge(path, sub, state)

	if len(child.data) > 0 {
		s.data[a.ID] = child.data
	} else {
		delete(s.data, a.ID)
	}
	if perm.Write && perm.Mandatory && len(child.data) == 0 {
		errs = append(errs, required(path))
	}
	return errs
}

func (s *Store) mergeIndexed(path string, a *model.AttributeModel, perm model.Permission, state *model.StateModel, value any, present bool) []model.FieldError {
	var submittedItems []map[string]any
	if present && value != nil {
		submittedItems = asList(value)
		if submittedItems == nil && !isEmpty(value) {
			return []model.FieldError{{Field: path, Code: "INVALID_TYPE", Message: fmt.Sprintf("expected list, got %T", value)}}
		}
	}

	existing := asList(s.data[a.ID])
	size := len(existing)
	if perm.Write && present {
		size = len(submittedItems)
	}

	var errs []model.FieldError
	list := make([]any, 0, size)
	for i := 0; i < size; i++ {
		entry := map[string]any{}
		if i < len(existing) {
			entry = existing[i]
		}
		var sub map[string]any
		if i < len(submittedItems) {
			sub = submittedItems[i]
		}
		errs = append(errs, (&Store{schema: a.Attributes, data: entry}).merge(fmt.Sprintf("%s[%d]", path, i), sub, state)...)
		list = append(list, entry)
	}

	if len(list) > 0 {
		s.data[a.ID] = list
	} else {
		delete(s.data, a.ID)
	}
	if perm.Write && perm.Mandatory && len(list) == 0 {
		errs = append(errs, required(path))
	}
	return errs
}

func required(path string) model.FieldError {
	return model.FieldError{Field: path, Code: "REQUIRED", Message: fmt.Sprintf("%s is required", path)}
}

// View returns a copy of the data restricted to attributes readable or
// writable in state. A permitted nested or indexed attribute is returned
// whole; otherwise only its permitted children are.
func (s *Store) View(state *model.StateModel) map[string]any {
	out := map[string]any{}
	for i := range s.schema {
		a := &s.schema[i]
		value, ok := s.data[a.ID]
		if !ok {
			continue
		}
		perm := state.Permission(a.ID)
		if perm.Read || perm.Write {
			out[a.ID] = model.CloneData(map[string]any{a.ID: value})[a.ID]
			continue
		}
		switch a.Kind {
		case model.AttributeNested:
			if v := s.nested(a).View(state); len(v) > 0 {
				out[a.ID] = v
			}
		case model.AttributeIndexed:
			var items []any
			for _, item := range s.indexed(a) {
				if v := item.View(state); len(v) > 0 {
					items = append(items, v)
				}
			}
			if len(items) > 0 {
				out[a.ID] = items
			}
		}
	}
	return out
}
