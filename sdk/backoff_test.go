package voicelive

import (
	"testing"
	"time"
)

func TestCalculateBackoffDelay_ExponentialWithCap(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		got := calculateBackoffDelay(tc.n, DefaultBackoffBase, DefaultBackoffMax)
		if got != tc.want {
			t.Fatalf("delay(%d) = %v, want %v", tc.n, got, tc.want)
		}
	}
}

func TestCalculateBackoffDelay_NonDecreasingAndBounded(t *testing.T) {
	t.Parallel()

	prev := time.Duration(0)
	for n := 0; n < 64; n++ {
		delay := calculateBackoffDelay(n, 250*time.Millisecond, 10*time.Second)
		if delay < prev {
			t.Fatalf("delay(%d) = %v decreased from %v", n, delay, prev)
		}
		if delay > 10*time.Second {
			t.Fatalf("delay(%d) = %v exceeds the cap", n, delay)
		}
		prev = delay
	}
}

func TestCalculateBackoffDelay_DefaultsForInvalidInputs(t *testing.T) {
	t.Parallel()

	if got := calculateBackoffDelay(-1, 0, 0); got != DefaultBackoffBase {
		t.Fatalf("delay(-1, 0, 0) = %v, want %v", got, DefaultBackoffBase)
	}
}
