package pricing

// ISqrt returns floor(sqrt(n)) using Newton's method. The iteration starts
// above the root and strictly decreases until it stops improving, at which
// point x is the floor root.
func ISqrt(n uint64) uint64 {
	if n < 2 {
		return n
	}

	x := n
	// (n+1)/2 without overflowing at the top of the range.
	y := n/2 + (n & 1)
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}
