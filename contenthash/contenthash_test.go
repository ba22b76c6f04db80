package contenthash

import (
	"encoding/json"
	"testing"
)

func TestRawKeyOrderInsensitive(t *testing.T) {
	a, err := Raw(json.RawMessage(`{"question": "q", "answer": 42}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Raw(json.RawMessage(`{ "answer": 42, "question": "q" }`))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("equal values hashed differently: %q vs %q", a, b)
	}

	c, err := Raw(json.RawMessage(`{"question": "q", "answer": 43}`))
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Fatal("different values share a hash")
	}
}

func TestRawLargeIntegersExact(t *testing.T) {
	// Values beyond float64 precision must not collapse to the same hash.
	a, err := Raw(json.RawMessage(`{"n": 9007199254740993}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Raw(json.RawMessage(`{"n": 9007199254740992}`))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("adjacent int64 payloads collide")
	}
}

func TestRawInvalidJSON(t *testing.T) {
	if _, err := Raw(json.RawMessage(`{"unclosed": `)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestCanonicalize(t *testing.T) {
	got, err := Canonicalize(json.RawMessage("{ \"b\": 2,\n  \"a\": 1 }"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"a":1,"b":2}` {
		t.Fatalf("canonical form = %s", got)
	}
}

func TestText(t *testing.T) {
	if Text("hello") == Text("hello ") {
		t.Fatal("text hashing must be exact, no trimming")
	}
	if len(Text("")) != 64 {
		t.Fatal("expected hex-encoded sha256")
	}
}
