package mqttclient

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// RetryForever disables the attempt limit of a Backoff.
const RetryForever = 0

// Backoff parameter errors.
var (
	ErrInvalidBackoffBase     = errors.New("backoff base must be at least 1ms")
	ErrInvalidBackoffMax      = errors.New("backoff max must not be below base")
	ErrInvalidBackoffAttempts = errors.New("backoff max attempts must not be negative")
	ErrNilRand                = errors.New("backoff random source is nil")
)

// RandFunc returns one uniformly distributed random value.
type RandFunc func() (uint64, error)

// NewSeededRand returns a deterministic random source. The returned function
// is safe for concurrent use.
func NewSeededRand(seed uint64) RandFunc {
	var mu sync.Mutex
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	return func() (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		return r.Uint64(), nil
	}
}

// DefaultRand returns a random source backed by crypto/rand.
func DefaultRand() RandFunc {
	return func() (uint64, error) {
		var buf [8]byte
		if _, err := crand.Read(buf[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(buf[:]), nil
	}
}

// Backoff computes full-jitter retry delays: each delay is drawn uniformly
// from [0, ceiling] where the ceiling starts at base and doubles after every
// draw until it saturates at max.
//
// A Backoff is not safe for concurrent use.
type Backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	rnd         RandFunc

	ceiling  time.Duration
	attempts int
}

// NewBackoff creates a backoff policy. maxAttempts of RetryForever means the
// policy never reports exhaustion. Delays have millisecond resolution.
func NewBackoff(base, max time.Duration, maxAttempts int, rnd RandFunc) (*Backoff, error) {
	switch {
	case base < time.Millisecond:
		return nil, badParameter(ErrInvalidBackoffBase)
	case max < base:
		return nil, badParameter(ErrInvalidBackoffMax)
	case maxAttempts < 0:
		return nil, badParameter(ErrInvalidBackoffAttempts)
	case rnd == nil:
		return nil, badParameter(ErrNilRand)
	}

	return &Backoff{
		base:        base,
		max:         max,
		maxAttempts: maxAttempts,
		rnd:         rnd,
		ceiling:     base,
	}, nil
}

// Next returns the next delay. It returns ErrRetriesExhausted once
// maxAttempts delays have been handed out and ErrRandFailure if the random
// source fails. In both cases the policy state is left unchanged.
func (b *Backoff) Next() (time.Duration, error) {
	if b.maxAttempts != RetryForever && b.attempts >= b.maxAttempts {
		return 0, ErrRetriesExhausted
	}

	r, err := b.rnd()
	if err != nil {
		return 0, errors.Join(ErrRandFailure, err)
	}

	ceilingMs := uint64(b.ceiling / time.Millisecond)
	delay := time.Duration(r%(ceilingMs+1)) * time.Millisecond

	b.attempts++

	if b.ceiling > b.max/2 {
		b.ceiling = b.max
	} else {
		b.ceiling *= 2
	}

	return delay, nil
}

// Reset restores the initial ceiling and attempt count.
func (b *Backoff) Reset() {
	b.ceiling = b.base
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Ceiling returns the upper bound of the next delay.
func (b *Backoff) Ceiling() time.Duration {
	return b.ceiling
}

// MaxAttempts returns the configured attempt limit.
func (b *Backoff) MaxAttempts() int {
	return b.maxAttempts
}

// Clone returns a fresh policy with the same parameters and random source.
func (b *Backoff) Clone() *Backoff {
	return &Backoff{
		base:        b.base,
		max:         b.max,
		maxAttempts: b.maxAttempts,
		rnd:         b.rnd,
		ceiling:     b.base,
	}
}
