package types

import (
	"encoding/json"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// PayloadHash computes the 128-bit murmur3 hash of the payload's canonical
// JSON encoding, hex-encoded. encoding/json writes map keys in sorted order,
// so structurally equal payloads always hash identically regardless of the
// order fields were set in.
func PayloadHash(payload map[string]interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("types: failed to encode payload for hashing: %w", err)
	}
	h1, h2 := murmur3.Sum128(data)
	return fmt.Sprintf("%016x%016x", h1, h2), nil
}

// HashBytes computes the 128-bit murmur3 hash of raw bytes, hex-encoded.
func HashBytes(data []byte) string {
	h1, h2 := murmur3.Sum128(data)
	return fmt.Sprintf("%016x%016x", h1, h2)
}
