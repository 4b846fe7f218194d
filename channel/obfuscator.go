package channel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMinDelay is the smallest randomized pre-send delay.
	DefaultMinDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the largest randomized pre-send delay.
	DefaultMaxDelay = 3 * time.Second
)

// TrafficObfuscator randomizes the spacing of outgoing messages so send
// times do not correlate with user activity. Every send blocks for a
// uniform delay in [MinDelay, MaxDelay]; if the previous send finished
// less than MinDelay ago, the deficit is added on top. Consecutive sends
// through one obfuscator are therefore never less than MinDelay apart.
type TrafficObfuscator struct {
	minDelay time.Duration
	maxDelay time.Duration
	logger   *logrus.Logger

	mu       sync.Mutex
	lastSend time.Time
}

// NewTrafficObfuscator creates an obfuscator with the given delay bounds.
// Non-positive bounds fall back to the defaults; maxDelay is raised to
// minDelay when the caller passes an inverted range.
func NewTrafficObfuscator(minDelay, maxDelay time.Duration, logger *logrus.Logger) *TrafficObfuscator {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &TrafficObfuscator{
		minDelay: minDelay,
		maxDelay: maxDelay,
		logger:   logger,
	}
}

// MinDelay returns the lower delay bound.
func (o *TrafficObfuscator) MinDelay() time.Duration {
	return o.minDelay
}

// Wait blocks the caller for the randomized pre-send delay, or until the
// context is cancelled. The last-send time advances only after the full
// delay has elapsed, never before.
func (o *TrafficObfuscator) Wait(ctx context.Context) error {
	o.mu.Lock()
	delay := randomDuration(o.minDelay, o.maxDelay)
	if !o.lastSend.IsZero() {
		if sinceLast := time.Since(o.lastSend); sinceLast < o.minDelay {
			delay += o.minDelay - sinceLast
		}
	}
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"function": "Wait",
		"delay_ms": delay.Milliseconds(),
	}).Debug("Delaying send for traffic obfuscation")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	o.mu.Lock()
	o.lastSend = time.Now()
	o.mu.Unlock()

	return nil
}

// randomDuration draws a uniform duration in [min, max]. Scheduling
// jitter does not need unbiased sampling, but the entropy still comes
// from crypto/rand so delays cannot be predicted from a weak seed.
func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := uint64(max - min + 1)
	return min + time.Duration(randomUint64()%span)
}

// randomInt draws a uniform int in [0, n).
func randomInt(n int) int {
	if n <= 1 {
		return 0
	}
	return int(randomUint64() % uint64(n))
}

func randomUint64() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is unrecoverable for key material, but for
		// scheduling a fixed value just degrades the jitter.
		return 0
	}
	return binary.BigEndian.Uint64(buf[:])
}
