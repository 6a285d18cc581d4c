package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadHash_StableAcrossFieldOrder(t *testing.T) {
	a := map[string]interface{}{"amount": 120.0, "currency": "EUR", "note": "materials"}
	b := map[string]interface{}{"note": "materials", "currency": "EUR", "amount": 120.0}

	ha, err := PayloadHash(a)
	require.NoError(t, err)
	hb, err := PayloadHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 32)
}

func TestPayloadHash_DiffersOnDifferentPayloads(t *testing.T) {
	ha, err := PayloadHash(map[string]interface{}{"amount": 120.0})
	require.NoError(t, err)
	hb, err := PayloadHash(map[string]interface{}{"amount": 150.0})
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestSplitEntityPath(t *testing.T) {
	collection, id, err := SplitEntityPath("jobs/job-123")
	require.NoError(t, err)
	assert.Equal(t, "jobs", collection)
	assert.Equal(t, "job-123", id)

	_, _, err = SplitEntityPath("no-slash")
	assert.Error(t, err)

	_, _, err = SplitEntityPath("/missing-collection")
	assert.Error(t, err)
}

func TestOpStatus_Transitions(t *testing.T) {
	assert.True(t, StatusQueued.CanTransition(StatusSyncing))
	assert.True(t, StatusSyncing.CanTransition(StatusSynced))
	assert.True(t, StatusSyncing.CanTransition(StatusError))
	assert.True(t, StatusSyncing.CanTransition(StatusQueued)) // transient nack reschedules
	assert.True(t, StatusError.CanTransition(StatusQueued))   // manual requeue

	assert.False(t, StatusQueued.CanTransition(StatusSynced))
	assert.False(t, StatusSynced.CanTransition(StatusQueued))
	assert.False(t, StatusError.CanTransition(StatusSynced))
}
