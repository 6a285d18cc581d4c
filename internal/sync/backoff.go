// Package sync drains the outbox to the backend, preserving per-document
// order while allowing independent documents to sync concurrently.
package sync

import (
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the delay before retry attempt n (0-based). The delay
// doubles with each attempt, is capped at Max, and carries random
// jitter in [delay/2, delay) so a fleet of clients reconnecting at
// once does not stampede the backend.
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}

	d := b.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}

	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
