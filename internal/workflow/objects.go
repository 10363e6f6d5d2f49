package workflow

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/sbpm/internal/attribute"
	"github.com/pitabwire/sbpm/model"
)

// objectInstance returns the instance of om, creating it on first touch.
func (u *unit) objectInstance(om *model.ObjectModel) (*model.ObjectInstance, error) {
	if obj, ok := u.objects[om.ID]; ok {
		return obj, nil
	}

	now := u.now()
	obj, created, err := u.tx.Objects().GetOrCreate(u.ctx, model.ObjectInstance{
		ID:                uuid.New().String(),
		ProcessInstanceID: u.instance.ID,
		ObjectModelID:     om.ID,
		Data:              map[string]any{},
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("object instance %s: %w", om.ID, err)
	}
	if created {
		u.e.logger.Debug("object instance created",
			zap.String("instance_id", u.instance.ID),
			zap.String("object_model_id", om.ID),
		)
	}
	u.objects[om.ID] = obj
	return obj, nil
}

type pendingObject struct {
	obj   *model.ObjectInstance
	store *attribute.Store
}

// applyObjectData merges submitted object data into every object visible in
// state and enforces mandatory fields. Nothing is written unless every
// object validates.
func (u *unit) applyObjectData(state *model.StateModel, submitted map[string]map[string]any) error {
	var fieldErrs []model.FieldError

	// 1. Resolve submitted keys (name or ID) to visible object models.
	byModel := make(map[string]map[string]any, len(submitted))
	for ref, data := range submitted {
		om := u.process.Object(ref)
		if om == nil || !om.VisibleIn(state) {
			fieldErrs = append(fieldErrs, model.FieldError{
				Field:   ref,
				Code:    "UNKNOWN_OBJECT",
				Message: fmt.Sprintf("object %q is not visible in state %q", ref, state.ID),
			})
			continue
		}
		byModel[om.ID] = data
	}

	// 2. Merge into working copies of every visible object.
	var pending []pendingObject
	for i := range u.process.Objects {
		om := &u.process.Objects[i]
		if !om.VisibleIn(state) {
			continue
		}
		obj, err := u.objectInstance(om)
		if err != nil {
			return err
		}
		store, err := attribute.New(om.Attributes, model.CloneData(obj.Data))
		if err != nil {
			return model.NewIllegalStateError(
				fmt.Sprintf("stored data of object %q does not match its model: %v", om.ID, err),
			)
		}
		for _, fe := range store.Merge(byModel[om.ID], state) {
			fe.Field = om.Name + "." + fe.Field
			fieldErrs = append(fieldErrs, fe)
		}
		if _, ok := byModel[om.ID]; ok {
			pending = append(pending, pendingObject{obj: obj, store: store})
		}
	}
	if len(fieldErrs) > 0 {
		return model.NewValidationError(fieldErrs)
	}

	// 3. Persist.
	for _, p := range pending {
		p.obj.Data = p.store.Data()
		p.obj.UpdatedAt = u.now()
		if err := u.tx.Objects().Save(u.ctx, p.obj); err != nil {
			return fmt.Errorf("saving object instance %s: %w", p.obj.ID, err)
		}
	}
	return nil
}
