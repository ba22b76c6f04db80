package dataset

import (
	"encoding/json"
	"testing"
)

func TestNewHashesOrderedPoints(t *testing.T) {
	a, err := New("train", []json.RawMessage{
		json.RawMessage(`{"q": 1}`),
		json.RawMessage(`{"q": 2}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Points) != 2 || a.Points[0].Hash == a.Points[1].Hash {
		t.Fatalf("points = %+v", a.Points)
	}

	// Same points, same order: same dataset hash even with reordered keys.
	b, err := New("train", []json.RawMessage{
		json.RawMessage(`{ "q": 1 }`),
		json.RawMessage(`{"q": 2}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash != b.Hash {
		t.Fatalf("hashes differ: %q vs %q", a.Hash, b.Hash)
	}

	// Point order is part of the identity.
	c, err := New("train", []json.RawMessage{
		json.RawMessage(`{"q": 2}`),
		json.RawMessage(`{"q": 1}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash == c.Hash {
		t.Fatal("reordered points share a dataset hash")
	}

	// So is the dataset id.
	d, err := New("eval", []json.RawMessage{
		json.RawMessage(`{"q": 1}`),
		json.RawMessage(`{"q": 2}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash == d.Hash {
		t.Fatal("different dataset ids share a hash")
	}
}

func TestNewInvalidPoint(t *testing.T) {
	if _, err := New("train", []json.RawMessage{json.RawMessage(`not json`)}); err == nil {
		t.Fatal("expected error for invalid point")
	}
}
