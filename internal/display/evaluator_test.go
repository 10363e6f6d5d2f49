package display

import "testing"

func TestTemplateEvaluator_Evaluate(t *testing.T) {
	bindings := map[string]map[string]any{
		"Order": {
			"name":   "Widget",
			"amount": float64(12.5),
			"paid":   true,
			"address": map[string]any{
				"city": "Gulu",
			},
			"lines": []any{
				map[string]any{"sku": "A-1"},
			},
		},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain text", "Review order", "Review order"},
		{"simple field", "Order ${Order.name}", "Order Widget"},
		{"number", "Total ${Order.amount}", "Total 12.5"},
		{"boolean", "Paid: ${Order.paid}", "Paid: true"},
		{"nested", "Ship to ${ Order.address.city }", "Ship to Gulu"},
		{"indexed", "First ${Order.lines.0.sku}", "First A-1"},
		{"index out of range", "[${Order.lines.3.sku}]", "[]"},
		{"unknown binding", "[${Invoice.id}]", "[]"},
		{"missing field", "[${Order.colour}]", "[]"},
		{"bare object name", "[${Order}]", "[]"},
		{"escaped dollar", "$$5 for ${Order.name}", "$5 for Widget"},
		{"lone dollar", "cost $ 5", "cost $ 5"},
		{"multiple", "${Order.name}/${Order.address.city}", "Widget/Gulu"},
	}

	e := NewTemplateEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.template, bindings)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTemplateEvaluator_Evaluate_errors(t *testing.T) {
	e := NewTemplateEvaluator()

	if _, err := e.Evaluate("Order ${Order.name", nil); err == nil {
		t.Error("unterminated placeholder should fail")
	}
	if _, err := e.Evaluate("Order ${ }", nil); err == nil {
		t.Error("empty placeholder should fail")
	}
}

func TestTemplateEvaluator_nil_bindings(t *testing.T) {
	got, err := NewTemplateEvaluator().Evaluate("Hello ${User.name}", nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got != "Hello " {
		t.Errorf("Evaluate() = %q", got)
	}
}
