package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errBusy     = errors.New("database is locked")
	errConflict = errors.New("duplicate row")
)

func isBusy(err error) bool {
	return errors.Is(err, errBusy)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", p.MaxAttempts)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("expected Multiplier=2.0, got %f", p.Multiplier)
	}
	if p.ShouldRetry(1, errBusy) {
		t.Error("expected no retry without a Retryable predicate")
	}
}

func TestNoRetry(t *testing.T) {
	p := NoRetry()
	p.Retryable = isBusy

	if p.ShouldRetry(1, errBusy) {
		t.Error("expected ShouldRetry to return false after 1 attempt")
	}
}

func TestShouldRetry(t *testing.T) {
	p := Fixed(3, time.Millisecond, isBusy)

	tests := []struct {
		name     string
		attempts int
		err      error
		want     bool
	}{
		{"transient first attempt", 1, errBusy, true},
		{"transient second attempt", 2, errBusy, true},
		{"attempts exhausted", 3, errBusy, false},
		{"permanent error", 1, errConflict, false},
		{"wrapped transient", 1, errors.Join(errConflict, errBusy), true},
		{"no error", 1, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldRetry(tt.attempts, tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%d, %v) = %v, want %v", tt.attempts, tt.err, got, tt.want)
			}
		})
	}
}

func TestDelay(t *testing.T) {
	p := &Policy{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Multiplier:      2.0,
	}

	expected := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}
	for i, want := range expected {
		if got := p.Delay(i + 1); got != want {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, want)
		}
	}
}

func TestDelayJitter(t *testing.T) {
	p := &Policy{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         time.Second,
		Multiplier:          1.0,
		RandomizationFactor: 0.5,
	}

	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("delay %v outside [50ms, 150ms]", d)
		}
	}
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("retries transient errors until success", func(t *testing.T) {
		calls := 0
		var retried []int
		err := Do(ctx, Fixed(3, time.Millisecond, isBusy), func(context.Context) error {
			calls++
			if calls < 3 {
				return errBusy
			}
			return nil
		}, func(attempt int, _ error) { retried = append(retried, attempt) })

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
		if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
			t.Errorf("unexpected retry callbacks: %v", retried)
		}
	})

	t.Run("returns last error when attempts run out", func(t *testing.T) {
		calls := 0
		err := Do(ctx, Fixed(2, time.Millisecond, isBusy), func(context.Context) error {
			calls++
			return errBusy
		}, nil)

		if !errors.Is(err, errBusy) {
			t.Errorf("expected errBusy, got %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		err := Do(ctx, Fixed(5, time.Millisecond, isBusy), func(context.Context) error {
			calls++
			return errConflict
		}, nil)

		if !errors.Is(err, errConflict) {
			t.Errorf("expected errConflict, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("stops waiting when the context ends", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		err := Do(cctx, Fixed(5, time.Hour, isBusy), func(context.Context) error {
			calls++
			return errBusy
		}, func(int, error) { cancel() })

		if !errors.Is(err, errBusy) {
			t.Errorf("expected errBusy, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("nil policy runs once", func(t *testing.T) {
		calls := 0
		_ = Do(ctx, nil, func(context.Context) error {
			calls++
			return errBusy
		}, nil)
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})
}
