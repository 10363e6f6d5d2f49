package definition

import (
	"testing"

	"github.com/pitabwire/sbpm/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/order/order.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.ID != "order" {
		t.Errorf("ID = %q, want order", def.ID)
	}
	if def.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", def.Version)
	}
	if def.Starter != "customer" {
		t.Errorf("Starter = %q, want customer", def.Starter)
	}
	if len(def.Subjects) != 2 {
		t.Fatalf("Subjects = %d, want 2", len(def.Subjects))
	}

	customer := def.Subject("customer")
	fill := customer.State("fill")
	if fill == nil || !fill.Start || fill.Kind != model.StateKindFunction {
		t.Fatalf("fill = %+v", fill)
	}
	if p := fill.Permission("name"); !p.Write || !p.Mandatory {
		t.Errorf("fill permission name = %+v", p)
	}
	send := customer.State("send")
	if send.Send == nil || send.Send.Target != "clerk" || send.Send.Async {
		t.Errorf("send = %+v", send.Send)
	}

	wait := def.Subject("clerk").State("wait")
	if len(wait.Receive) != 1 || wait.Receive[0].Head != "review" {
		t.Errorf("wait.Receive = %+v", wait.Receive)
	}
	if def.Subject("clerk").Assignee != "clerk@example.com" {
		t.Errorf("clerk assignee = %q", def.Subject("clerk").Assignee)
	}

	order := def.Object("Order")
	if order == nil || len(order.Attributes) != 3 {
		t.Fatalf("Order = %+v", order)
	}
	if order.Attributes[2].Kind != model.AttributeNested {
		t.Errorf("address kind = %q", order.Attributes[2].Kind)
	}

	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/order/order.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_Parse_unknown_field(t *testing.T) {
	l := NewLoader()
	_, err := l.Parse([]byte("id: x\nstarter: a\nlanes: []\n"))
	if err == nil {
		t.Fatal("Parse() with unknown field should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/order"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("LoadAll() = %d definitions, want 1", len(defs))
	}
}

func TestLoader_LoadAll_missing_dir(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata/missing"}); err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_checksum_deterministic(t *testing.T) {
	l := NewLoader()
	a, _ := l.LoadFile("testdata/order/order.yaml")
	b, _ := l.LoadFile("testdata/order/order.yaml")
	if a.Checksum != b.Checksum {
		t.Errorf("checksums differ: %s vs %s", a.Checksum, b.Checksum)
	}
}
