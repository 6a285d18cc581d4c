package types

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"
)

// ULID is a 128-bit lexicographically sortable identifier: a 48-bit
// millisecond timestamp followed by 80 random bits. Operation IDs are ULIDs
// so that sorting IDs reproduces enqueue order.
type ULID [16]byte

var (
	// ErrInvalidULIDLength is returned when a ULID string has incorrect length.
	ErrInvalidULIDLength = errors.New("invalid ULID length")

	// ErrInvalidULIDCharacter is returned when a ULID string contains invalid characters.
	ErrInvalidULIDCharacter = errors.New("invalid ULID character")
)

// Crockford's Base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ULIDGenerator generates ULIDs that are monotonically increasing even
// within the same millisecond.
type ULIDGenerator struct {
	mu            sync.Mutex
	lastTimestamp uint64
	lastRandom    [10]byte
}

// NewULIDGenerator creates a new ULID generator.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{}
}

// Generate creates a new ULID with the current timestamp.
func (g *ULIDGenerator) Generate() (ULID, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime creates a new ULID with the specified timestamp.
func (g *ULIDGenerator) GenerateWithTime(t time.Time) (ULID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := uint64(t.UnixMilli())

	var u ULID
	u[0] = byte(timestamp >> 40)
	u[1] = byte(timestamp >> 32)
	u[2] = byte(timestamp >> 24)
	u[3] = byte(timestamp >> 16)
	u[4] = byte(timestamp >> 8)
	u[5] = byte(timestamp)

	if timestamp == g.lastTimestamp {
		// Same millisecond: increment the random component so ordering holds.
		g.incrementRandom()
	} else {
		if _, err := rand.Read(g.lastRandom[:]); err != nil {
			return ULID{}, err
		}
		g.lastTimestamp = timestamp
	}
	copy(u[6:], g.lastRandom[:])

	return u, nil
}

// incrementRandom increments the random component as a big-endian 80-bit integer.
func (g *ULIDGenerator) incrementRandom() {
	for i := 9; i >= 0; i-- {
		g.lastRandom[i]++
		if g.lastRandom[i] != 0 {
			break
		}
	}
}

// Timestamp returns the timestamp component as Unix milliseconds.
func (u ULID) Timestamp() uint64 {
	return uint64(u[0])<<40 | uint64(u[1])<<32 | uint64(u[2])<<24 |
		uint64(u[3])<<16 | uint64(u[4])<<8 | uint64(u[5])
}

// Time returns the timestamp component as a time.Time.
func (u ULID) Time() time.Time {
	return time.UnixMilli(int64(u.Timestamp()))
}

// String returns the ULID as a 26-character Crockford Base32 string.
func (u ULID) String() string {
	var buf [26]byte

	// Timestamp: 48 bits -> 10 characters
	buf[0] = crockfordBase32[(u[0]&224)>>5]
	buf[1] = crockfordBase32[u[0]&31]
	buf[2] = crockfordBase32[(u[1]&248)>>3]
	buf[3] = crockfordBase32[((u[1]&7)<<2)|((u[2]&192)>>6)]
	buf[4] = crockfordBase32[(u[2]&62)>>1]
	buf[5] = crockfordBase32[((u[2]&1)<<4)|((u[3]&240)>>4)]
	buf[6] = crockfordBase32[((u[3]&15)<<1)|((u[4]&128)>>7)]
	buf[7] = crockfordBase32[(u[4]&124)>>2]
	buf[8] = crockfordBase32[((u[4]&3)<<3)|((u[5]&224)>>5)]
	buf[9] = crockfordBase32[u[5]&31]

	// Random: 80 bits -> 16 characters
	buf[10] = crockfordBase32[(u[6]&248)>>3]
	buf[11] = crockfordBase32[((u[6]&7)<<2)|((u[7]&192)>>6)]
	buf[12] = crockfordBase32[(u[7]&62)>>1]
	buf[13] = crockfordBase32[((u[7]&1)<<4)|((u[8]&240)>>4)]
	buf[14] = crockfordBase32[((u[8]&15)<<1)|((u[9]&128)>>7)]
	buf[15] = crockfordBase32[(u[9]&124)>>2]
	buf[16] = crockfordBase32[((u[9]&3)<<3)|((u[10]&224)>>5)]
	buf[17] = crockfordBase32[u[10]&31]
	buf[18] = crockfordBase32[(u[11]&248)>>3]
	buf[19] = crockfordBase32[((u[11]&7)<<2)|((u[12]&192)>>6)]
	buf[20] = crockfordBase32[(u[12]&62)>>1]
	buf[21] = crockfordBase32[((u[12]&1)<<4)|((u[13]&240)>>4)]
	buf[22] = crockfordBase32[((u[13]&15)<<1)|((u[14]&128)>>7)]
	buf[23] = crockfordBase32[(u[14]&124)>>2]
	buf[24] = crockfordBase32[((u[14]&3)<<3)|((u[15]&224)>>5)]
	buf[25] = crockfordBase32[u[15]&31]

	return string(buf[:])
}

// Compare compares two ULIDs lexicographically.
// Returns -1 if u < other, 0 if u == other, 1 if u > other.
func (u ULID) Compare(other ULID) int {
	for i := 0; i < 16; i++ {
		if u[i] < other[i] {
			return -1
		}
		if u[i] > other[i] {
			return 1
		}
	}
	return 0
}

// ParseULID parses a 26-character Crockford Base32 string into a ULID.
func ParseULID(s string) (ULID, error) {
	if len(s) != 26 {
		return ULID{}, ErrInvalidULIDLength
	}

	var u ULID
	var dec [26]byte

	for i := 0; i < 26; i++ {
		idx := decodeBase32(s[i])
		if idx == 0xFF {
			return ULID{}, ErrInvalidULIDCharacter
		}
		dec[i] = idx
	}

	u[0] = (dec[0] << 5) | dec[1]
	u[1] = (dec[2] << 3) | (dec[3] >> 2)
	u[2] = (dec[3] << 6) | (dec[4] << 1) | (dec[5] >> 4)
	u[3] = (dec[5] << 4) | (dec[6] >> 1)
	u[4] = (dec[6] << 7) | (dec[7] << 2) | (dec[8] >> 3)
	u[5] = (dec[8] << 5) | dec[9]

	u[6] = (dec[10] << 3) | (dec[11] >> 2)
	u[7] = (dec[11] << 6) | (dec[12] << 1) | (dec[13] >> 4)
	u[8] = (dec[13] << 4) | (dec[14] >> 1)
	u[9] = (dec[14] << 7) | (dec[15] << 2) | (dec[16] >> 3)
	u[10] = (dec[16] << 5) | dec[17]
	u[11] = (dec[18] << 3) | (dec[19] >> 2)
	u[12] = (dec[19] << 6) | (dec[20] << 1) | (dec[21] >> 4)
	u[13] = (dec[21] << 4) | (dec[22] >> 1)
	u[14] = (dec[22] << 7) | (dec[23] << 2) | (dec[24] >> 3)
	u[15] = (dec[24] << 5) | dec[25]

	return u, nil
}

// decodeBase32 decodes a single Crockford Base32 character.
// Returns 0xFF for invalid characters.
func decodeBase32(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'H':
		return c - 'A' + 10
	case c == 'J' || c == 'K':
		return c - 'J' + 18
	case c == 'M' || c == 'N':
		return c - 'M' + 20
	case c >= 'P' && c <= 'T':
		return c - 'P' + 22
	case c >= 'V' && c <= 'Z':
		return c - 'V' + 27
	default:
		return 0xFF
	}
}

// defaultGenerator backs NewOperationID.
var defaultGenerator = NewULIDGenerator()

// NewOperationID returns a fresh time-ordered operation ID.
func NewOperationID() string {
	u, err := defaultGenerator.Generate()
	if err != nil {
		// crypto/rand Read only fails when the OS entropy source is broken.
		panic("types: failed to generate operation id: " + err.Error())
	}
	return u.String()
}
