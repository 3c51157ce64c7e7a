package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	p := Policy{FirstBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
		{-1, 10 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := Policy{FirstBackoff: 100 * time.Millisecond, JitterFactor: 0.5}
	for i := 0; i < 200; i++ {
		d := p.Backoff(0)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered backoff %v out of [50ms, 150ms]", d)
		}
	}
}

func TestNormalize(t *testing.T) {
	p := Policy{MaxRetries: -2, JitterFactor: 3, FirstBackoff: time.Minute}.Normalize()
	if p.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", p.MaxRetries)
	}
	if p.JitterFactor != 1 {
		t.Errorf("JitterFactor = %v, want 1", p.JitterFactor)
	}
	if p.MaxBackoff != time.Minute {
		t.Errorf("MaxBackoff = %v, want it raised to FirstBackoff", p.MaxBackoff)
	}
	if p.Multiplier != DefaultMultiplier || p.IsRetryable == nil {
		t.Error("expected defaults to be filled")
	}
}

func TestTracker(t *testing.T) {
	t.Run("exhausts after MaxRetries", func(t *testing.T) {
		tr := Policy{MaxRetries: 3, FirstBackoff: time.Millisecond}.Track(0)
		retries := 0
		for {
			if _, ok := tr.Next(); !ok {
				break
			}
			retries++
		}
		if retries != 3 {
			t.Errorf("got %d retries, want 3", retries)
		}
		if tr.Attempts() != 4 {
			t.Errorf("got %d attempts, want 4", tr.Attempts())
		}
		if !tr.Exhausted() {
			t.Error("expected tracker to be exhausted")
		}
	})

	t.Run("resumes from previous attempts", func(t *testing.T) {
		tr := Policy{MaxRetries: 3}.Track(3)
		if _, ok := tr.Next(); ok {
			t.Error("expected no retry left")
		}
	})

	t.Run("zero retries means one attempt", func(t *testing.T) {
		tr := Policy{}.Track(0)
		if tr.Exhausted() {
			t.Error("fresh tracker must allow the first attempt")
		}
		if _, ok := tr.Next(); ok {
			t.Error("expected no retry with MaxRetries 0")
		}
	})
}

func TestDo(t *testing.T) {
	fast := Policy{MaxRetries: 2, FirstBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fast, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("boom")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("got %d calls, want 3", calls)
		}
	})

	t.Run("max retries", func(t *testing.T) {
		cause := errors.New("boom")
		calls := 0
		err := Do(context.Background(), fast, func(context.Context) error {
			calls++
			return cause
		})
		if !errors.Is(err, ErrMaxRetries) {
			t.Errorf("expected ErrMaxRetries, got %v", err)
		}
		if !errors.Is(err, cause) {
			t.Errorf("expected cause to unwrap, got %v", err)
		}
		var re *Error
		if !errors.As(err, &re) || re.Attempts != 3 {
			t.Errorf("expected 3 attempts, got %+v", re)
		}
		if calls != 3 {
			t.Errorf("got %d calls, want 3", calls)
		}
	})

	t.Run("not retryable", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fast, func(context.Context) error {
			calls++
			return MarkNotRetryable(errors.New("bad input"))
		})
		if !errors.Is(err, ErrNotRetryable) {
			t.Errorf("expected ErrNotRetryable, got %v", err)
		}
		if calls != 1 {
			t.Errorf("got %d calls, want 1", calls)
		}
	})

	t.Run("context canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Do(ctx, fast, func(context.Context) error { return nil })
		if !errors.Is(err, ErrContextCanceled) {
			t.Errorf("expected ErrContextCanceled, got %v", err)
		}
	})
}
