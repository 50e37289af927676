package dtx

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestExponentialBackoffProgression(t *testing.T) {
	b := ExponentialBackoff(time.Second, 1.5, 30*time.Second)
	want := []time.Duration{
		1 * time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
	}
	for i, w := range want {
		d, stop := b.Next()
		if stop {
			t.Fatalf("backoff stopped at attempt %d", i)
		}
		if d != w {
			t.Errorf("attempt %d delay = %v, want %v", i, d, w)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	b := ExponentialBackoff(20*time.Second, 1.5, 30*time.Second)
	var last time.Duration
	for i := 0; i < 10; i++ {
		d, _ := b.Next()
		if d > 30*time.Second {
			t.Fatalf("delay %v exceeds cap", d)
		}
		last = d
	}
	if last != 30*time.Second {
		t.Errorf("progression should settle at the cap, got %v", last)
	}
}

func TestWithJitterBounds(t *testing.T) {
	SetJitterRNG(rand.New(rand.NewSource(42)))
	base := ExponentialBackoff(time.Second, 1.5, 30*time.Second)
	b := WithJitter(20, base)
	d, stop := b.Next()
	if stop {
		t.Fatal("unexpected stop")
	}
	if d < 800*time.Millisecond || d > 1200*time.Millisecond {
		t.Errorf("jittered delay %v outside +-20%% of 1s", d)
	}
}

func TestWithJitterZeroPct(t *testing.T) {
	base := ExponentialBackoff(time.Second, 2, time.Minute)
	d, _ := WithJitter(0, base).Next()
	if d != time.Second {
		t.Errorf("zero jitter should pass through, got %v", d)
	}
}

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"protocol error is permanent", Errf(ErrProtocol, "bad frame"), false},
		{"network error retries", Errf(ErrNetwork, "conn reset"), true},
		{"plain error retries", errors.New("boom"), true},
	}
	for _, c := range cases {
		if got := ShouldRetry(c.err); got != c.want {
			t.Errorf("%s: ShouldRetry = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	gaveUp := false
	err := Retry(context.Background(), func(context.Context) error {
		attempts++
		return Errf(ErrDirtyWrite, "row changed underneath")
	}, func(context.Context) { gaveUp = true })
	if err == nil {
		t.Fatal("expected the permanent error back")
	}
	if attempts != 1 {
		t.Errorf("permanent error should not be retried, got %d attempts", attempts)
	}
	if !gaveUp {
		t.Error("gaveUpTask not invoked")
	}
}

func TestRetrySucceedsAfterTransientError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return Errf(ErrNetwork, "transient")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
