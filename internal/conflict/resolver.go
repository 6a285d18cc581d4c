// Package conflict decides whether an incoming write supersedes, is
// flagged against, or is rejected by the stored document.
package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/pkg/types"
)

// Decision is the outcome of resolving an incoming write against the
// stored document.
type Decision struct {
	// Fields is the final field set to persist.
	Fields map[string]interface{}

	// ConflictFlag marks the document for manual review.
	ConflictFlag bool

	// Review carries both competing payloads when ConflictFlag is set.
	Review *types.ReviewRecord
}

// Resolver applies last-write-wins on server-assigned timestamps, with
// two escape hatches: additive list fields are merged by union instead
// of overwritten, and near-simultaneous divergent edits from different
// actors are flagged rather than silently resolved.
type Resolver struct {
	window         time.Duration
	additiveFields map[string][]string
}

// NewResolver creates a resolver. window is the near-simultaneous edit
// window; additiveFields maps collection name to list-valued fields
// merged by union.
func NewResolver(window time.Duration, additiveFields map[string][]string) *Resolver {
	return &Resolver{
		window:         window,
		additiveFields: additiveFields,
	}
}

// Resolve decides the final state for an incoming write. stored is nil
// for a new document. serverNow is the server timestamp assigned to the
// incoming write; it is always greater than stored.ServerUpdatedAt, so
// the incoming write wins by timestamp. Flagging retains both payloads.
func (r *Resolver) Resolve(stored *types.Document, incoming *types.Operation, serverNow int64) Decision {
	if stored == nil || stored.DeletedAt != nil {
		return Decision{Fields: copyFields(incoming.Payload)}
	}

	additive := r.additiveSet(stored.Collection)
	fields := mergeFields(stored.Fields, incoming.Payload, additive)

	age := time.Duration(serverNow - stored.ServerUpdatedAt)
	if age > r.window || stored.UpdatedBy == incoming.ActorID {
		return Decision{Fields: fields}
	}

	// Within the window, from a different actor. Flag only if the two
	// writes touched a common non-additive field; disjoint edits and
	// pure list appends merge cleanly.
	if !overlapsNonAdditive(stored.Fields, incoming.Payload, additive) {
		return Decision{Fields: fields}
	}

	review := &types.ReviewRecord{
		TenantID:        stored.TenantID,
		Collection:      stored.Collection,
		DocumentID:      stored.DocumentID,
		StoredPayload:   copyFields(stored.Fields),
		IncomingPayload: copyFields(incoming.Payload),
		StoredActor:     stored.UpdatedBy,
		IncomingActor:   incoming.ActorID,
		StoredAt:        stored.ServerUpdatedAt,
		IncomingAt:      serverNow,
	}

	return Decision{Fields: fields, ConflictFlag: true, Review: review}
}

// additiveSet returns the additive field names for a collection.
func (r *Resolver) additiveSet(collection string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range r.additiveFields[collection] {
		set[f] = struct{}{}
	}
	return set
}

// mergeFields overlays incoming onto stored. Additive fields holding
// lists are merged by union, preserving stored order then appending
// unseen incoming elements.
func mergeFields(stored, incoming map[string]interface{}, additive map[string]struct{}) map[string]interface{} {
	out := copyFields(stored)
	for k, v := range incoming {
		if _, ok := additive[k]; ok {
			out[k] = unionLists(stored[k], v)
			continue
		}
		out[k] = v
	}
	return out
}

// unionLists merges two list values, deduplicating elements by their
// canonical JSON encoding so object and array elements dedupe too.
// Non-list values fall back to the incoming value.
func unionLists(stored, incoming interface{}) interface{} {
	storedList, sok := stored.([]interface{})
	incomingList, iok := incoming.([]interface{})
	if !iok {
		return incoming
	}
	if !sok {
		return incomingList
	}

	seen := make(map[string]struct{})
	var out []interface{}
	add := func(v interface{}) {
		key := elementKey(v)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	for _, v := range storedList {
		add(v)
	}
	for _, v := range incomingList {
		add(v)
	}
	return out
}

// elementKey returns a stable identity for a JSON-decoded list element.
// encoding/json sorts object keys, so equal objects encode equally.
func elementKey(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// overlapsNonAdditive reports whether incoming changes any non-additive
// field that is present in stored with a different value.
func overlapsNonAdditive(stored, incoming map[string]interface{}, additive map[string]struct{}) bool {
	for k, v := range incoming {
		if _, ok := additive[k]; ok {
			continue
		}
		prev, ok := stored[k]
		if !ok {
			continue
		}
		if !equalValues(prev, v) {
			return true
		}
	}
	return false
}

// equalValues compares two JSON-decoded values for equality.
func equalValues(a, b interface{}) bool {
	switch av := a.(type) {
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !equalValues(v, bv[k]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
