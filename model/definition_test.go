package model

import "testing"

func orderProcess() ProcessModel {
	return ProcessModel{
		ID:      "order",
		Starter: "customer",
		Subjects: []SubjectModel{
			{
				ID: "customer",
				States: []StateModel{
					{ID: "fill", Kind: StateKindFunction, Start: true, Heads: []string{"send"},
						Permissions: map[string]Permission{"name": {Read: true, Write: true, Mandatory: true}}},
					{ID: "send", Kind: StateKindSend, Heads: []string{"done"}, Send: &SendSpec{Target: "clerk", Object: "order"}},
					{ID: "done", Kind: StateKindFunction},
				},
			},
			{
				ID: "clerk",
				States: []StateModel{
					{ID: "wait", Kind: StateKindReceive, Start: true, Receive: []MessageModel{{Object: "order", Head: "review"}}},
					{ID: "review", Kind: StateKindFunction, Heads: []string{"end"}},
					{ID: "end", Kind: StateKindFunction},
				},
			},
		},
		Objects: []ObjectModel{
			{ID: "order", Name: "Order", Attributes: []AttributeModel{
				{ID: "name", Kind: AttributeSimple, Type: ValueString},
				{ID: "address", Kind: AttributeNested, Attributes: []AttributeModel{
					{ID: "city", Kind: AttributeSimple, Type: ValueString},
				}},
			}},
		},
	}
}

func TestProcessModel_lookups(t *testing.T) {
	p := orderProcess()

	if p.Subject("clerk") == nil {
		t.Fatal("Subject(clerk) = nil")
	}
	if p.Subject("nobody") != nil {
		t.Error("Subject(nobody) should be nil")
	}
	if o := p.Object("Order"); o == nil || o.ID != "order" {
		t.Errorf("Object(Order) = %v, want order", o)
	}
	if o := p.Object("order"); o == nil {
		t.Error("Object(order) by ID = nil")
	}
}

func TestSubjectModel_StartState(t *testing.T) {
	p := orderProcess()
	if s := p.Subject("clerk").StartState(); s == nil || s.ID != "wait" {
		t.Errorf("StartState() = %v, want wait", s)
	}

	empty := SubjectModel{ID: "x", States: []StateModel{{ID: "a"}}}
	if empty.StartState() != nil {
		t.Error("StartState() should be nil when none is declared")
	}
}

func TestStateModel_Successors(t *testing.T) {
	p := orderProcess()
	clerk := p.Subject("clerk")

	wait := clerk.State("wait")
	if got := wait.Successors(); len(got) != 1 || got[0] != "review" {
		t.Errorf("Receive Successors() = %v, want [review]", got)
	}
	if !wait.HasHead("review") {
		t.Error("HasHead(review) = false")
	}
	if wait.IsEnd() {
		t.Error("receive state should not be terminal")
	}
	if !clerk.State("end").IsEnd() {
		t.Error("end state should be terminal")
	}
}

func TestMatchState(t *testing.T) {
	p := orderProcess()
	customer := p.Subject("customer")

	cases := StateCases[string]{
		Function: func(s *StateModel) string { return "function:" + s.ID },
		Send:     func(s *StateModel, send SendSpec) string { return "send:" + send.Target },
		Receive:  func(s *StateModel, msgs []MessageModel) string { return "receive" },
	}

	if got := MatchState(customer.State("fill"), cases); got != "function:fill" {
		t.Errorf("MatchState(fill) = %q", got)
	}
	if got := MatchState(customer.State("send"), cases); got != "send:clerk" {
		t.Errorf("MatchState(send) = %q", got)
	}
	if got := MatchState(p.Subject("clerk").State("wait"), cases); got != "receive" {
		t.Errorf("MatchState(wait) = %q", got)
	}
	if got := MatchState(&StateModel{Kind: "bogus"}, cases); got != "" {
		t.Errorf("MatchState(bogus) = %q, want zero value", got)
	}
}

func TestMatchAttribute(t *testing.T) {
	cases := AttributeCases[int]{
		Simple:  func(*AttributeModel) int { return 1 },
		Nested:  func(*AttributeModel) int { return 2 },
		Indexed: func(*AttributeModel) int { return 3 },
	}
	if got := MatchAttribute(&AttributeModel{}, cases); got != 1 {
		t.Errorf("default kind = %d, want simple", got)
	}
	if got := MatchAttribute(&AttributeModel{Kind: AttributeIndexed}, cases); got != 3 {
		t.Errorf("indexed = %d", got)
	}
}

func TestObjectModel_VisibleIn(t *testing.T) {
	p := orderProcess()
	order := p.Object("order")

	if !order.VisibleIn(p.Subject("customer").State("fill")) {
		t.Error("order should be visible in fill")
	}
	if order.VisibleIn(p.Subject("clerk").State("review")) {
		t.Error("order should not be visible in review")
	}

	nested := &StateModel{Permissions: map[string]Permission{"city": {Read: true}}}
	if !order.VisibleIn(nested) {
		t.Error("permission on a nested attribute should make the object visible")
	}
}
