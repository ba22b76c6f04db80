package datasource

import (
	"reflect"
	"testing"
)

func TestHashContent(t *testing.T) {
	// The document id is part of the hash, so a document moved under a new
	// id versions independently.
	if HashContent("a", "text") == HashContent("b", "text") {
		t.Fatal("different ids share a content hash")
	}
	if HashContent("a", "text") != HashContent("a", "text") {
		t.Fatal("hash not stable")
	}
	// No delimiter ambiguity between id and text.
	if HashContent("ab", "c") == HashContent("a", "bc") {
		t.Fatal("id/text boundary ambiguous")
	}
}

func TestApplyTagOps(t *testing.T) {
	got := ApplyTagOps([]string{"a", "b"}, []string{"c", "a"}, []string{"b", "missing"})
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("tags = %v", got)
	}

	// Remove wins when a tag is both added and removed.
	got = ApplyTagOps(nil, []string{"x"}, []string{"x"})
	if len(got) != 0 {
		t.Fatalf("tags = %v", got)
	}

	got = ApplyTagOps([]string{"a"}, nil, nil)
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("tags = %v", got)
	}
}

func TestStripSystemTags(t *testing.T) {
	got := StripSystemTags([]string{"__managed", "user:a", "__hidden", "b"})
	if !reflect.DeepEqual(got, []string{"user:a", "b"}) {
		t.Fatalf("tags = %v", got)
	}
}
