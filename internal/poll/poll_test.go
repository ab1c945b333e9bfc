package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNextInterval(t *testing.T) {
	tests := []struct {
		name       string
		current    time.Duration
		progressed bool
		want       time.Duration
	}{
		{"grows without progress", 100 * time.Millisecond, false, 200 * time.Millisecond},
		{"capped at max", 800 * time.Millisecond, false, time.Second},
		{"reset on progress", 800 * time.Millisecond, true, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := next(tt.current, 100*time.Millisecond, time.Second, 2, tt.progressed); got != tt.want {
				t.Fatalf("next = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRunStopsWhenDone(t *testing.T) {
	calls := 0
	var seen []int
	p := &Poller[int]{
		Initial: time.Millisecond,
		Max:     5 * time.Millisecond,
		Poll: func(ctx context.Context) (Step[int], error) {
			calls++
			return Step[int]{Value: calls, Done: calls == 3}, nil
		},
		OnStep: func(s Step[int]) { seen = append(seen, s.Value) },
	}

	got, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 3 || len(seen) != 3 {
		t.Fatalf("got %d after %v", got, seen)
	}
}

func TestRunReturnsPollError(t *testing.T) {
	boom := errors.New("boom")
	p := &Poller[string]{
		Initial: time.Millisecond,
		Poll: func(ctx context.Context) (Step[string], error) {
			return Step[string]{}, boom
		},
	}
	if _, err := p.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected poll error, got %v", err)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := &Poller[int]{
		Initial: time.Hour,
		Poll: func(ctx context.Context) (Step[int], error) {
			calls++
			cancel()
			return Step[int]{Value: calls}, nil
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if calls != 1 {
		t.Fatalf("expected a single poll before cancellation, got %d", calls)
	}
}
