// Package contenthash computes stable digests over canonical JSON.
//
// Two payloads that are equal as JSON values hash identically regardless of
// key order or whitespace: payloads are decoded and re-encoded before
// hashing, and encoding/json emits object keys in sorted order. Digests are
// hex-encoded SHA-256. A digest collision is treated as content equality by
// every consumer of this package.
package contenthash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Object hashes any JSON-marshalable value.
func Object(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("contenthash: marshal: %w", err)
	}
	return Raw(b)
}

// Raw hashes a raw JSON payload after canonicalizing it.
func Raw(raw json.RawMessage) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return Text(string(canonical)), nil
}

// Canonicalize re-encodes a raw JSON payload into its canonical form:
// sorted object keys, no insignificant whitespace, numbers preserved
// verbatim.
func Canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // keep int64 payloads exact
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("contenthash: invalid json: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("contenthash: canonicalize: %w", err)
	}
	return canonical, nil
}

// Text hashes a string as-is, with no canonicalization. Used for opaque
// text blobs such as specifications and document content.
func Text(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
