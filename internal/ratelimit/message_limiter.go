package ratelimit

import (
	"sync"
	"time"
)

// creditPerMessage is the fixed-point weight of one message. Tracking credit
// in nano-messages keeps refill exact for integer per-second rates: a rate of
// R messages/sec accrues R nano-messages per elapsed nanosecond.
const creditPerMessage = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// MessageLimiter admits inbound messages at a sustained per-second rate with
// a bounded burst. It is driven by an injected Clock so connection throttling
// is deterministic under test.
type MessageLimiter struct {
	mu sync.Mutex

	clock Clock
	rate  int64 // messages/sec

	credit    int64 // nano-messages available
	maxCredit int64
	mark      time.Time
}

// NewMessageLimiter returns a limiter holding a full burst of credit. A
// non-positive burst or rate yields a limiter that rejects everything once
// the initial credit is spent.
func NewMessageLimiter(clock Clock, burst, perSecond int64) *MessageLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	var max int64
	if burst > 0 {
		if burst > maxInt64/creditPerMessage {
			max = maxInt64
		} else {
			max = burst * creditPerMessage
		}
	}
	return &MessageLimiter{
		clock:     clock,
		rate:      perSecond,
		credit:    max,
		maxCredit: max,
		mark:      clock.Now(),
	}
}

// Allow reports whether one more message may be processed now, spending a
// message's worth of credit when it may.
func (l *MessageLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.accrueLocked()
	if l.credit < creditPerMessage {
		return false
	}
	l.credit -= creditPerMessage
	return true
}

func (l *MessageLimiter) accrueLocked() {
	now := l.clock.Now()
	if now.Before(l.mark) {
		// A clock step backwards earns nothing; restart accrual from here.
		l.mark = now
		return
	}
	elapsed := now.Sub(l.mark).Nanoseconds()
	l.mark = now

	if elapsed <= 0 || l.rate <= 0 || l.credit >= l.maxCredit {
		return
	}

	// elapsed*rate can only overflow when far more time passed than the
	// bucket needs to fill; treat that as a full refill.
	need := l.maxCredit - l.credit
	if elapsed >= need/l.rate+1 {
		l.credit = l.maxCredit
		return
	}
	l.credit += elapsed * l.rate
	if l.credit > l.maxCredit {
		l.credit = l.maxCredit
	}
}
