package pricing

import (
	"math"
	"testing"
)

func TestISqrt(t *testing.T) {
	tests := []struct {
		n    uint64
		want uint64
	}{
		{n: 0, want: 0},
		{n: 1, want: 1},
		{n: 2, want: 1},
		{n: 3, want: 1},
		{n: 4, want: 2},
		{n: 15, want: 3},
		{n: 16, want: 4},
		{n: 17, want: 4},
		{n: 25_000_000, want: 5000},
		{n: 50_000_000, want: 7071},
		{n: 90_000_000, want: 9486},
		{n: 99_999_999, want: 9999},
		{n: 100_000_000, want: 10000},
		{n: math.MaxUint64, want: math.MaxUint32},
	}

	for _, tt := range tests {
		if got := ISqrt(tt.n); got != tt.want {
			t.Fatalf("ISqrt(%d): expected %d, got %d", tt.n, tt.want, got)
		}
	}
}

func TestISqrt_FloorPropertyOverCurveDomain(t *testing.T) {
	// inverse*Scale never exceeds Scale*Scale, so check a dense sample of that domain.
	for n := uint64(0); n <= Scale*Scale; n += 997 {
		r := ISqrt(n)
		if r*r > n {
			t.Fatalf("ISqrt(%d)=%d overshoots", n, r)
		}
		if (r+1)*(r+1) <= n {
			t.Fatalf("ISqrt(%d)=%d is not the floor root", n, r)
		}
	}
}
