package database

import (
	"encoding/json"
	"testing"
)

func TestInferSchema(t *testing.T) {
	schema, err := InferSchema([]*Row{
		{RowID: "r1", Content: json.RawMessage(`{"name": "ada", "age": 36, "score": 0.5, "active": true}`)},
		{RowID: "r2", Content: json.RawMessage(`{"name": "gus", "age": 41, "city": "lyon"}`)},
	})
	if err != nil {
		t.Fatal(err)
	}

	want := Schema{
		{Name: "active", Kind: KindBool},
		{Name: "age", Kind: KindInt},
		{Name: "city", Kind: KindText},
		{Name: "name", Kind: KindText},
		{Name: "score", Kind: KindFloat},
	}
	if len(schema) != len(want) {
		t.Fatalf("schema = %+v", schema)
	}
	for i := range want {
		if schema[i] != want[i] {
			t.Fatalf("column %d = %+v, want %+v", i, schema[i], want[i])
		}
	}
}

func TestInferSchemaMixedKindsDegradeToText(t *testing.T) {
	schema, err := InferSchema([]*Row{
		{RowID: "r1", Content: json.RawMessage(`{"v": 1}`)},
		{RowID: "r2", Content: json.RawMessage(`{"v": "one"}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(schema) != 1 || schema[0].Kind != KindText {
		t.Fatalf("schema = %+v", schema)
	}
}

func TestInferSchemaRejectsNonObjectRows(t *testing.T) {
	if _, err := InferSchema([]*Row{{RowID: "r1", Content: json.RawMessage(`[1, 2]`)}}); err == nil {
		t.Fatal("expected error for non-object row")
	}
}
