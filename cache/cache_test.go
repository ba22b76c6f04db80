package cache

import (
	"testing"
)

func TestRequestHashStability(t *testing.T) {
	a, err := (&CompletionRequest{ProviderID: "openai", ModelID: "gpt-4", Prompt: "p", Temperature: 0.7}).Hash()
	if err != nil {
		t.Fatal(err)
	}
	b, err := (&CompletionRequest{ProviderID: "openai", ModelID: "gpt-4", Prompt: "p", Temperature: 0.7}).Hash()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("identical requests hashed differently: %q vs %q", a, b)
	}

	c, err := (&CompletionRequest{ProviderID: "openai", ModelID: "gpt-4", Prompt: "p", Temperature: 0.8}).Hash()
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Fatal("different requests share a hash")
	}
}

func TestRequestHashKindSeparation(t *testing.T) {
	// The four caches share a backing table; the kind keeps otherwise
	// identical requests in separate key spaces.
	completion, err := (&CompletionRequest{ProviderID: "p", ModelID: "m"}).Hash()
	if err != nil {
		t.Fatal(err)
	}
	chat, err := (&ChatRequest{ProviderID: "p", ModelID: "m"}).Hash()
	if err != nil {
		t.Fatal(err)
	}
	embedding, err := (&EmbeddingRequest{ProviderID: "p", ModelID: "m"}).Hash()
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{completion: true}
	if seen[chat] {
		t.Fatal("chat collides with completion")
	}
	seen[chat] = true
	if seen[embedding] {
		t.Fatal("embedding collides with another kind")
	}
}
