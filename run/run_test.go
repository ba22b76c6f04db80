package run

import (
	"encoding/json"
	"testing"
)

func TestNewBlockExecution(t *testing.T) {
	a, err := NewBlockExecution(json.RawMessage(`{"completion": "x", "tokens": 3}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBlockExecution(json.RawMessage(`{"tokens": 3, "completion": "x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash != b.Hash {
		t.Fatalf("equal payloads hashed differently: %q vs %q", a.Hash, b.Hash)
	}
	if string(a.JSON) != `{"completion": "x", "tokens": 3}` {
		t.Fatalf("payload rewritten: %s", a.JSON)
	}

	if _, err := NewBlockExecution(json.RawMessage(`{`)); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestTrace(t *testing.T) {
	r := &Run{Traces: []BlockTrace{
		{Type: "INPUT", Name: "in"},
		{Type: "MODEL", Name: "generate"},
	}}
	if tr := r.Trace("MODEL", "generate"); tr == nil || tr.Name != "generate" {
		t.Fatalf("trace = %+v", tr)
	}
	if tr := r.Trace("MODEL", "in"); tr != nil {
		t.Fatal("type and name must both match")
	}
	if tr := r.Trace("CODE", "missing"); tr != nil {
		t.Fatal("expected nil for absent block")
	}
}
