// Package audit records immutable before/after snapshots of successful
// mutations, off the critical path of the writes they describe.
package audit

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// EncodeSnapshot serializes a field map to snappy-compressed JSON. A nil
// map encodes to nil, representing "no document" (before a create, after
// a delete).
func EncodeSnapshot(fields map[string]interface{}) ([]byte, error) {
	if fields == nil {
		return nil, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to encode snapshot: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to decompress snapshot: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("audit: failed to decode snapshot: %w", err)
	}
	return fields, nil
}
