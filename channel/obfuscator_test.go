package channel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitEnforcesMinimumSpacing(t *testing.T) {
	const calls = 100
	minDelay := 5 * time.Millisecond
	obfuscator := NewTrafficObfuscator(minDelay, 10*time.Millisecond, testLogger())

	previous := time.Time{}
	for i := 0; i < calls; i++ {
		if err := obfuscator.Wait(context.Background()); err != nil {
			t.Fatalf("Wait failed on call %d: %v", i, err)
		}
		now := time.Now()
		if !previous.IsZero() {
			if gap := now.Sub(previous); gap < minDelay {
				t.Fatalf("Calls %d and %d only %v apart, want at least %v", i-1, i, gap, minDelay)
			}
		}
		previous = now
	}
}

func TestEncryptEnforcesMinimumSpacing(t *testing.T) {
	minDelay := 5 * time.Millisecond
	obfuscator := NewTrafficObfuscator(minDelay, 10*time.Millisecond, testLogger())
	engine := NewCipherEngine(mustStaticMaterial(t), obfuscator, testLogger())

	previous := time.Time{}
	for i := 0; i < 20; i++ {
		if _, err := engine.Encrypt(context.Background(), []byte("tick")); err != nil {
			t.Fatalf("Encrypt failed on call %d: %v", i, err)
		}
		now := time.Now()
		if !previous.IsZero() {
			if gap := now.Sub(previous); gap < minDelay {
				t.Fatalf("Encrypts %d and %d only %v apart, want at least %v", i-1, i, gap, minDelay)
			}
		}
		previous = now
	}
}

func TestWaitCancellation(t *testing.T) {
	obfuscator := NewTrafficObfuscator(2*time.Second, 4*time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := obfuscator.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Cancelled Wait still blocked for %v", elapsed)
	}
}

func TestNewTrafficObfuscatorBounds(t *testing.T) {
	tests := []struct {
		name    string
		min     time.Duration
		max     time.Duration
		wantMin time.Duration
	}{
		{name: "defaults", min: 0, max: 0, wantMin: DefaultMinDelay},
		{name: "explicit", min: 10 * time.Millisecond, max: time.Second, wantMin: 10 * time.Millisecond},
		{name: "negative", min: -time.Second, max: -time.Second, wantMin: DefaultMinDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obfuscator := NewTrafficObfuscator(tt.min, tt.max, testLogger())
			if obfuscator.MinDelay() != tt.wantMin {
				t.Errorf("MinDelay is %v, want %v", obfuscator.MinDelay(), tt.wantMin)
			}
			if obfuscator.maxDelay < obfuscator.minDelay {
				t.Error("maxDelay ended up below minDelay")
			}
		})
	}
}

func TestRandomDurationStaysInRange(t *testing.T) {
	minDelay := 5 * time.Millisecond
	maxDelay := 10 * time.Millisecond

	for i := 0; i < 1000; i++ {
		d := randomDuration(minDelay, maxDelay)
		if d < minDelay || d > maxDelay {
			t.Fatalf("randomDuration returned %v, outside [%v, %v]", d, minDelay, maxDelay)
		}
	}

	if d := randomDuration(maxDelay, minDelay); d != maxDelay {
		t.Errorf("Inverted range should return the lower bound, got %v", d)
	}
}

func TestRandomIntStaysInRange(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		n := randomInt(8)
		if n < 0 || n >= 8 {
			t.Fatalf("randomInt(8) returned %d", n)
		}
		seen[n] = true
	}
	if len(seen) < 2 {
		t.Error("randomInt(8) never varied across 1000 draws")
	}

	if randomInt(0) != 0 || randomInt(1) != 0 {
		t.Error("Degenerate ranges should return 0")
	}
}
