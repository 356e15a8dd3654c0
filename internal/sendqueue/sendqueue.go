// Package sendqueue implements C5: a priority-ordered, rate-limited
// admission gate in front of outbound Telegram sends (spec §4.5). It
// tracks one global token bucket and one per-chat token bucket, holds
// blocked callers in a bounded, priority-classed waiter buffer, and backs
// off a chat entirely for a doubling cooldown after a 429.
//
// Grounded on internal/gateway's TokenBucket (internal/gateway/ratelimit.go)
// for the bucket math, adapted to per-second refill and a per-chat-plus-
// global double bucket; the dispatch loop reuses internal/cron.Scheduler,
// the same fixed-interval tick abstraction prewarm/downsell/shot run on,
// here at tickInterval (100ms).
package sendqueue

import (
	"context"
	"sync"
	"time"

	"github.com/basket/tgway/internal/cron"
	"github.com/basket/tgway/internal/gwerr"
)

// Priority orders send admission: lower numbers go first (spec §4.5
// "START=1, SHOT=2, DOWNSELL=3").
type Priority int

const (
	PriorityStart    Priority = 1
	PriorityShot     Priority = 2
	PriorityDownsell Priority = 3
)

// numClasses and classIndex map the three Priority values onto a dense
// [0,3) slice index, since Priority's zero value is intentionally invalid.
const numClasses = 3

func classIndex(p Priority) int {
	switch p {
	case PriorityStart:
		return 0
	case PriorityShot:
		return 1
	default:
		return 2
	}
}

const (
	globalBucketCap    = 10
	globalRefillPerSec = 30.0
	chatBucketCap      = 1
	chatRefillPerSec   = 5.0
	bufferCap          = 100
	cooldownBase       = 1 * time.Second
	cooldownCap        = 15 * time.Second
	// tickInterval is the dispatcher's scan cadence (spec §4.5 "tick loop
	// scans the priority buffer at least every 100ms").
	tickInterval = 100 * time.Millisecond
)

// bucket is a per-second token bucket; unlike gateway.TokenBucket it
// refills in fractional tokens-per-second rather than tokens-per-minute,
// since C5's budgets are specified directly in tokens/sec (spec §4.5).
//
// refill/available/take are split so a caller checking two budgets (global
// and per-chat) can confirm both have a token before committing to spend
// either one — otherwise a global token could be consumed and wasted on a
// chat whose own bucket turns out to be empty.
type bucket struct {
	tokens     float64
	cap        float64
	refillRate float64
	lastRefill time.Time
}

func newBucket(cap float64, refillRate float64) *bucket {
	return &bucket{tokens: cap, cap: cap, refillRate: refillRate, lastRefill: time.Now()}
}

func (b *bucket) refill(now time.Time) {
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.cap {
		b.tokens = b.cap
	}
	b.lastRefill = now
}

func (b *bucket) available(now time.Time) bool {
	b.refill(now)
	return b.tokens >= 1
}

func (b *bucket) take() {
	b.tokens--
}

// chatState tracks a chat's private bucket plus any active 429 cooldown.
type chatState struct {
	bucket      *bucket
	cooldownEnd time.Time
	nextBackoff time.Duration
}

// waiter is one blocked Reserve call sitting in a priority class's buffer,
// FIFO within its class (spec §4.5 "scan in priority order, FIFO within a
// class").
type waiter struct {
	chatID int64
	done   chan error
}

// Queue admits sends against the global + per-chat budgets, in strict
// priority order, with a bounded buffer (spec §4.5 "buffer cap 100 across
// all classes; QUEUE_FULL beyond that"). Reserve blocks the caller until
// admitted rather than failing immediately on rate-limit exhaustion; only
// the buffer-full case is an immediate error.
type Queue struct {
	mu      sync.Mutex
	global  *bucket
	chats   map[int64]*chatState
	classes [numClasses][]*waiter
	waiting int

	scheduler *cron.Scheduler
	cancel    context.CancelFunc
}

func New() *Queue {
	q := &Queue{
		global: newBucket(globalBucketCap, globalRefillPerSec),
		chats:  make(map[int64]*chatState),
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.scheduler = cron.NewScheduler(cron.Config{
		Name:     "sendqueue",
		Interval: tickInterval,
		Tick: func(ctx context.Context, now time.Time) error {
			q.tick(now)
			return nil
		},
	})
	q.scheduler.Start(ctx)
	return q
}

// Stop halts the dispatch tick. Any waiters still blocked in Reserve are
// left to their caller's own context cancellation.
func (q *Queue) Stop() {
	q.scheduler.Stop()
	q.cancel()
}

func (q *Queue) chatStateFor(chatID int64) *chatState {
	st, ok := q.chats[chatID]
	if !ok {
		st = &chatState{bucket: newBucket(chatBucketCap, chatRefillPerSec)}
		q.chats[chatID] = st
	}
	return st
}

// Reserve blocks until chatID is admitted at the given priority class, the
// buffer is full (CodeQueueFull, returned immediately), or ctx is canceled.
// A chat in 429 cooldown is held in its class buffer the same as one
// waiting on token budget; the dispatch tick simply skips it until the
// cooldown lapses (spec §4.5 steps 1-3, scenario 4: blocked sends must
// eventually report ok rather than fail outright).
func (q *Queue) Reserve(ctx context.Context, chatID int64, priority Priority) error {
	q.mu.Lock()
	if q.waiting >= bufferCap {
		q.mu.Unlock()
		return gwerr.New(gwerr.CodeQueueFull, "send buffer at capacity")
	}

	w := &waiter{chatID: chatID, done: make(chan error, 1)}
	idx := classIndex(priority)
	q.classes[idx] = append(q.classes[idx], w)
	q.waiting++
	q.mu.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		q.cancelWaiter(idx, w)
		return gwerr.New(gwerr.CodeCanceled, "send canceled while waiting for admission")
	}
}

// cancelWaiter removes w from its class buffer if the dispatch tick hasn't
// already admitted it (admission and this race benignly: if the tick wins,
// w.done already has a value buffered and the waiter is simply not found).
func (q *Queue) cancelWaiter(idx int, w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	slice := q.classes[idx]
	for i, other := range slice {
		if other == w {
			q.classes[idx] = append(slice[:i], slice[i+1:]...)
			q.waiting--
			return
		}
	}
}

// tick scans the priority classes in order (spec §4.5 "strict priority
// across classes, FIFO within a class"), admitting every waiter it can
// against the global and that waiter's chat budget. A waiter blocked on
// its own cooldown or exhausted chat bucket is skipped without blocking
// waiters behind it in the same class. The whole scan stops as soon as the
// global bucket is dry, since no lower-priority waiter could be admitted
// either — higher classes can't fully starve lower ones because admitted
// higher-class sends consume the same global tokens (spec §4.5 design
// note).
func (q *Queue) tick(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for idx := 0; idx < numClasses; idx++ {
		if !q.global.available(now) {
			return
		}
		q.classes[idx] = q.admitClass(q.classes[idx], now)
	}
}

// admitClass scans one priority class's FIFO buffer and returns the
// waiters still pending after admitting every one it could. It stops
// scanning this class (but lets the caller continue to the next) as soon
// as the global bucket runs dry.
func (q *Queue) admitClass(waiters []*waiter, now time.Time) []*waiter {
	remaining := waiters[:0]
	for i, w := range waiters {
		if !q.global.available(now) {
			remaining = append(remaining, waiters[i:]...)
			return remaining
		}

		st := q.chatStateFor(w.chatID)
		if now.Before(st.cooldownEnd) || !st.bucket.available(now) {
			remaining = append(remaining, w)
			continue
		}

		q.global.take()
		st.bucket.take()
		q.waiting--
		w.done <- nil
	}
	return remaining
}

// Cooldown429 puts chatID into a 429 cooldown, doubling on each
// consecutive hit up to cooldownCap (spec §4.5 "429 cooldown doubling,
// capped at 15s").
func (q *Queue) Cooldown429(chatID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.chatStateFor(chatID)
	if st.nextBackoff == 0 {
		st.nextBackoff = cooldownBase
	} else {
		st.nextBackoff *= 2
		if st.nextBackoff > cooldownCap {
			st.nextBackoff = cooldownCap
		}
	}
	st.cooldownEnd = time.Now().Add(st.nextBackoff)
}

// ResetCooldown clears a chat's 429 backoff after a successful send (spec
// §4.5 "a clean send resets the cooldown multiplier").
func (q *Queue) ResetCooldown(chatID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.chats[chatID]; ok {
		st.nextBackoff = 0
		st.cooldownEnd = time.Time{}
	}
}

// QueueDepth reports the number of callers currently blocked in Reserve.
func (q *Queue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting
}

// Cooldown429OnRateLimit puts chatID into a 429 cooldown iff err is a
// RATE_LIMIT_EXCEEDED error, so callers can unconditionally pass whatever
// error a send attempt returned without checking its code themselves.
func (q *Queue) Cooldown429OnRateLimit(chatID int64, err error) {
	if gerr, ok := err.(*gwerr.Error); ok && gerr.Code == gwerr.CodeRateLimitExceeded {
		q.Cooldown429(chatID)
	}
}
