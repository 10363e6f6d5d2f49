package definition

import (
	"testing"

	"github.com/pitabwire/sbpm/model"
)

func validProcess() model.ProcessModel {
	return model.ProcessModel{
		ID:      "order",
		Starter: "customer",
		Objects: []model.ObjectModel{
			{ID: "order", Name: "Order", Attributes: []model.AttributeModel{
				{ID: "name", Kind: model.AttributeSimple, Type: model.ValueString},
				{ID: "lines", Kind: model.AttributeIndexed, Attributes: []model.AttributeModel{
					{ID: "sku", Kind: model.AttributeSimple, Type: model.ValueString},
				}},
			}},
		},
		Subjects: []model.SubjectModel{
			{ID: "customer", States: []model.StateModel{
				{ID: "fill", Kind: model.StateKindFunction, Start: true, Heads: []string{"send"},
					Permissions: map[string]model.Permission{"name": {Write: true, Mandatory: true}}},
				{ID: "send", Kind: model.StateKindSend, Heads: []string{"done"},
					Send: &model.SendSpec{Target: "clerk", Object: "order"}},
				{ID: "done", Kind: model.StateKindFunction},
			}},
			{ID: "clerk", States: []model.StateModel{
				{ID: "wait", Kind: model.StateKindReceive, Start: true,
					Receive: []model.MessageModel{{Object: "order", Head: "end"}}},
				{ID: "end", Kind: model.StateKindFunction, Provider: "first-successor"},
			}},
		},
	}
}

type providerSet map[string]bool

func (p providerSet) Has(name string) bool { return p[name] }

func codes(errs []VError) map[string]string {
	out := make(map[string]string, len(errs))
	for _, e := range errs {
		out[e.Path] = e.Code
	}
	return out
}

func TestValidator_valid(t *testing.T) {
	v := NewValidator()
	errs := v.Validate([]model.ProcessModel{validProcess()}, providerSet{"first-successor": true})
	if len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_missing_start_state(t *testing.T) {
	p := validProcess()
	p.Subjects[1].States[0].Start = false

	got := codes(NewValidator().Validate([]model.ProcessModel{p}, nil))
	if got["processes[0].subjects[1].states"] != "NO_START_STATE" {
		t.Errorf("errors = %v, want NO_START_STATE", got)
	}
}

func TestValidator_multiple_start_states(t *testing.T) {
	p := validProcess()
	p.Subjects[0].States[2].Start = true

	got := codes(NewValidator().Validate([]model.ProcessModel{p}, nil))
	if got["processes[0].subjects[0].states"] != "MULTIPLE_START_STATES" {
		t.Errorf("errors = %v, want MULTIPLE_START_STATES", got)
	}
}

func TestValidator_references(t *testing.T) {
	p := validProcess()
	p.Starter = "ghost"
	p.Subjects[0].States[0].Heads = []string{"nowhere"}
	p.Subjects[0].States[0].Permissions["colour"] = model.Permission{Read: true}
	p.Subjects[0].States[1].Send = &model.SendSpec{Target: "nobody", Object: "parcel"}
	p.Subjects[1].States[0].Receive = []model.MessageModel{{Object: "parcel", Head: "limbo"}}

	got := codes(NewValidator().Validate([]model.ProcessModel{p}, nil))
	want := map[string]string{
		"processes[0].starter":                                  "REF_NOT_FOUND",
		"processes[0].subjects[0].states[0].heads[0]":           "REF_NOT_FOUND",
		"processes[0].subjects[0].states[0].permissions.colour": "REF_NOT_FOUND",
		"processes[0].subjects[0].states[1].send.target":        "REF_NOT_FOUND",
		"processes[0].subjects[0].states[1].send.object":        "REF_NOT_FOUND",
		"processes[0].subjects[1].states[0].receive[0].object":  "REF_NOT_FOUND",
		"processes[0].subjects[1].states[0].receive[0].head":    "REF_NOT_FOUND",
	}
	for path, code := range want {
		if got[path] != code {
			t.Errorf("%s = %q, want %q", path, got[path], code)
		}
	}
}

func TestValidator_send_heads(t *testing.T) {
	p := validProcess()
	p.Subjects[0].States[1].Heads = []string{"done", "fill"}

	got := codes(NewValidator().Validate([]model.ProcessModel{p}, nil))
	if got["processes[0].subjects[0].states[1].heads"] != "TOO_MANY_HEADS" {
		t.Errorf("errors = %v, want TOO_MANY_HEADS", got)
	}
}

func TestValidator_unknown_provider(t *testing.T) {
	got := codes(NewValidator().Validate([]model.ProcessModel{validProcess()}, providerSet{}))
	if got["processes[0].subjects[1].states[1].provider"] != "REF_NOT_FOUND" {
		t.Errorf("errors = %v, want provider REF_NOT_FOUND", got)
	}
}

func TestValidator_kinds(t *testing.T) {
	p := validProcess()
	p.Subjects[0].States[2].Kind = ""
	p.Subjects[1].States[1].Kind = "script"
	p.Objects[0].Attributes[0].Type = "blob"
	p.Objects[0].Attributes[1].Attributes = nil

	got := codes(NewValidator().Validate([]model.ProcessModel{p}, nil))
	want := map[string]string{
		"processes[0].subjects[0].states[2].kind":          "REQUIRED",
		"processes[0].subjects[1].states[1].kind":          "INVALID_ENUM",
		"processes[0].objects[0].attributes[0].type":       "INVALID_ENUM",
		"processes[0].objects[0].attributes[1].attributes": "REQUIRED",
	}
	for path, code := range want {
		if got[path] != code {
			t.Errorf("%s = %q, want %q", path, got[path], code)
		}
	}
}

func TestValidator_duplicates(t *testing.T) {
	p := validProcess()
	p.Objects[0].Attributes[1].Attributes[0].ID = "name"

	got := codes(NewValidator().Validate([]model.ProcessModel{p, validProcess()}, nil))
	if got["processes[1].id"] != "DUPLICATE" {
		t.Errorf("duplicate process not reported: %v", got)
	}
	if got["processes[0].objects[0].attributes[1].attributes[0].id"] != "DUPLICATE" {
		t.Errorf("duplicate attribute not reported: %v", got)
	}
}

func TestValidator_loaded_testdata(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/order"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if errs := NewValidator().Validate(defs, nil); len(errs) != 0 {
		t.Errorf("Validate() = %v", errs)
	}
}
