package pricing

import "math/bits"

// Difficulty maps a user's resolved history to the number of rounds the next
// attempt must perform. The curve approximates (1 - successRate)^2.5 in fixed
// point: a spotless record stays at MinRounds, a record of pure failures
// saturates at MaxRounds, and high-abuse mode doubles the result.
//
// failureCount does not enter the curve directly; it is already reflected in
// totalAttempts - successCount. It is accepted so callers pass the full record.
func Difficulty(totalAttempts, successCount, failureCount uint64, highAbuse bool) uint64 {
	if totalAttempts == 0 {
		return MinRounds
	}

	successRate := Scale
	if successCount < totalAttempts {
		successRate = mulDiv(successCount, Scale, totalAttempts)
	}
	inverse := Scale - successRate

	sq := inverse * inverse / Scale
	root := ISqrt(inverse * Scale)
	curveExponent := sq * root / Scale

	d := MinRounds + (MaxRounds-MinRounds)*curveExponent/Scale

	if highAbuse {
		d *= 2
		if d > MaxRounds {
			d = MaxRounds
		}
	}

	return clampRounds(d)
}

func clampRounds(d uint64) uint64 {
	if d < MinRounds {
		return MinRounds
	}
	if d > MaxRounds {
		return MaxRounds
	}
	return d
}

// mulDiv computes a*b/c with a 128-bit intermediate. Callers guarantee the
// quotient fits in 64 bits.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, c)
	return q
}
