package types

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULID_RoundTrip(t *testing.T) {
	gen := NewULIDGenerator()
	u, err := gen.Generate()
	require.NoError(t, err)

	s := u.String()
	assert.Len(t, s, 26)

	parsed, err := ParseULID(s)
	require.NoError(t, err)
	assert.Equal(t, u, parsed)
}

func TestULID_TimestampExtraction(t *testing.T) {
	gen := NewULIDGenerator()
	now := time.Now()

	u, err := gen.GenerateWithTime(now)
	require.NoError(t, err)

	assert.Equal(t, now.UnixMilli(), int64(u.Timestamp()))
	assert.Equal(t, now.UnixMilli(), u.Time().UnixMilli())
}

func TestULID_MonotonicWithinMillisecond(t *testing.T) {
	gen := NewULIDGenerator()
	ts := time.UnixMilli(1700000000000)

	var prev ULID
	for i := 0; i < 100; i++ {
		u, err := gen.GenerateWithTime(ts)
		require.NoError(t, err)
		if i > 0 {
			assert.Equal(t, -1, prev.Compare(u), "ULIDs within one millisecond must be strictly increasing")
		}
		prev = u
	}
}

func TestParseULID_Invalid(t *testing.T) {
	_, err := ParseULID("too-short")
	assert.ErrorIs(t, err, ErrInvalidULIDLength)

	_, err = ParseULID("0000000000000000000000000I") // I is not in the alphabet
	assert.ErrorIs(t, err, ErrInvalidULIDCharacter)
}

func TestNewOperationID_SortOrderMatchesCreationOrder(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = NewOperationID()
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, ids, sorted, "operation IDs must sort in creation order")
}
