// Package throttle implements the rate and concurrency limiting primitives
// used to gate SMTP sessions and outbound delivery attempts: a token-bucket
// rate limiter (backed by golang.org/x/time/rate) and a counting
// concurrency limiter, both keyed and sharded so that unrelated keys never
// contend on the same lock.
package throttle

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"blitiri.com.ar/go/chasquid/internal/expvarom"
)

// Errors returned by Limiter.Allow / ConcurrencyLimiter.Acquire.
var (
	// ErrRateLimited signals a throttle hit of rate type. Per spec, this is
	// never user-visible: callers translate it into a rescheduled retry.
	ErrRateLimited = errors.New("rate limited")

	// ErrConcurrencyLimited signals a throttle hit of concurrency type.
	// Callers translate it into parking the work on-hold.
	ErrConcurrencyLimited = errors.New("concurrency limited")
)

// shardCount is the power-of-two number of shards used by keyed limiters,
// so that writes for unrelated keys lock different shards.
const shardCount = 64

var (
	throttleHits = expvarom.NewMap("chasquid/throttle/hits",
		"kind", "count of throttle hits, by kind (rate/concurrency)")
	throttleAllows = expvarom.NewMap("chasquid/throttle/allows",
		"kind", "count of throttle allows, by kind (rate/concurrency)")
)

func shardFor(key string) int {
	sum := sha256.Sum256([]byte(key))
	return int(binary.BigEndian.Uint32(sum[:4]) % shardCount)
}

// RateSpec describes a token-bucket rate limit: `Requests` tokens may be
// consumed per `Period`.
type RateSpec struct {
	Requests int
	Period   time.Duration
}

// KeyedRateLimiter is a sharded map of per-key token buckets, one bucket per
// distinct envelope key value (e.g. one per sender, or one per remote IP).
type KeyedRateLimiter struct {
	spec   RateSpec
	shards [shardCount]map[string]*rate.Limiter
	mu     [shardCount]sync.Mutex
}

// NewKeyedRateLimiter creates a rate limiter for the given spec.
func NewKeyedRateLimiter(spec RateSpec) *KeyedRateLimiter {
	k := &KeyedRateLimiter{spec: spec}
	for i := range k.shards {
		k.shards[i] = map[string]*rate.Limiter{}
	}
	return k
}

func (k *KeyedRateLimiter) limiterFor(key string) *rate.Limiter {
	shard := shardFor(key)
	k.mu[shard].Lock()
	defer k.mu[shard].Unlock()

	l, ok := k.shards[shard][key]
	if !ok {
		every := k.spec.Period / time.Duration(k.spec.Requests)
		l = rate.NewLimiter(rate.Every(every), k.spec.Requests)
		k.shards[shard][key] = l
	}
	return l
}

// IsAllowed deducts one token for the given key. It returns ErrRateLimited
// if the bucket for that key is currently empty.
func (k *KeyedRateLimiter) IsAllowed(key string) error {
	l := k.limiterFor(key)
	if !l.Allow() {
		throttleHits.Add("rate", 1)
		return ErrRateLimited
	}
	throttleAllows.Add("rate", 1)
	return nil
}

// RetryAt returns the instant at which the next token for key will be
// available.
func (k *KeyedRateLimiter) RetryAt(key string) time.Time {
	l := k.limiterFor(key)
	r := l.ReserveN(time.Now(), 1)
	defer r.Cancel()
	return time.Now().Add(r.Delay())
}

// ConcurrencyLimiter is a simple counting semaphore: at most Max permits may
// be outstanding at once. Acquire/Release are guaranteed symmetric: a
// dropped Permit always decrements the counter exactly once.
type ConcurrencyLimiter struct {
	Max int

	mu      sync.Mutex
	inFlight int
}

// NewConcurrencyLimiter returns a limiter allowing at most max concurrent
// permits.
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{Max: max}
}

// Permit represents one acquired slot. Drop releases it back to the
// limiter; Drop is idempotent-safe to call at most once per Permit.
type Permit struct {
	l        *ConcurrencyLimiter
	released bool
}

// Acquire attempts to take a permit. Returns ErrConcurrencyLimited if the
// limiter is already at its maximum.
func (l *ConcurrencyLimiter) Acquire() (*Permit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight >= l.Max {
		throttleHits.Add("concurrency", 1)
		return nil, ErrConcurrencyLimited
	}

	l.inFlight++
	throttleAllows.Add("concurrency", 1)
	return &Permit{l: l}, nil
}

// InFlight returns the current number of outstanding permits.
func (l *ConcurrencyLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Drop releases the permit. It is safe to call exactly once; subsequent
// calls are no-ops.
func (p *Permit) Drop() {
	if p == nil || p.released {
		return
	}
	p.released = true

	p.l.mu.Lock()
	defer p.l.mu.Unlock()
	p.l.inFlight--
}

// KeyedConcurrencyLimiter shards per-key concurrency limiters the same way
// KeyedRateLimiter does for rate limits, used for per-domain/per-host
// outbound delivery concurrency caps.
type KeyedConcurrencyLimiter struct {
	max    int
	shards [shardCount]map[string]*ConcurrencyLimiter
	mu     [shardCount]sync.Mutex
}

// NewKeyedConcurrencyLimiter returns a keyed concurrency limiter allowing at
// most max concurrent permits per distinct key.
func NewKeyedConcurrencyLimiter(max int) *KeyedConcurrencyLimiter {
	k := &KeyedConcurrencyLimiter{max: max}
	for i := range k.shards {
		k.shards[i] = map[string]*ConcurrencyLimiter{}
	}
	return k
}

func (k *KeyedConcurrencyLimiter) limiterFor(key string) *ConcurrencyLimiter {
	shard := shardFor(key)
	k.mu[shard].Lock()
	defer k.mu[shard].Unlock()

	l, ok := k.shards[shard][key]
	if !ok {
		l = NewConcurrencyLimiter(k.max)
		k.shards[shard][key] = l
	}
	return l
}

// Acquire attempts to take a permit for the given key.
func (k *KeyedConcurrencyLimiter) Acquire(key string) (*Permit, error) {
	return k.limiterFor(key).Acquire()
}

// InFlight returns the number of outstanding permits for the given key.
func (k *KeyedConcurrencyLimiter) InFlight(key string) int {
	return k.limiterFor(key).InFlight()
}
