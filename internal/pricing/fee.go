package pricing

import "math/big"

// Split is the three-way division of an attempt fee.
type Split struct {
	User     int64 `json:"user_share"`
	Verifier int64 `json:"verifier_share"`
	Platform int64 `json:"platform_share"`
}

// Total returns the sum of all shares.
func (s Split) Total() int64 {
	return s.User + s.Verifier + s.Platform
}

// AttemptFee prices the next attempt from the resolved record. The ratio
// failures^2 / (failures^2 + successes) moves the fee from MinAttemptFee
// toward MaxAttemptFee as failures dominate.
func AttemptFee(successCount, failureCount uint64) int64 {
	if successCount == 0 && failureCount == 0 {
		return MinAttemptFee
	}

	failures := new(big.Int).SetUint64(failureCount)
	failureSq := new(big.Int).Mul(failures, failures)
	denom := new(big.Int).Add(failureSq, new(big.Int).SetUint64(successCount))

	feeRatio := new(big.Int).Mul(failureSq, big.NewInt(BasisPoints))
	feeRatio.Quo(feeRatio, denom)

	fee := MinAttemptFee + (MaxAttemptFee-MinAttemptFee)*feeRatio.Int64()/BasisPoints
	if fee < MinAttemptFee {
		return MinAttemptFee
	}
	if fee > MaxAttemptFee {
		return MaxAttemptFee
	}
	return fee
}

// SplitFee divides totalFee 40/40/20 between the user's custodial account, the
// verifier and the platform. Each share truncates; whatever truncation leaves
// over goes to the platform so the shares always sum to totalFee.
func SplitFee(totalFee int64) Split {
	split := Split{
		User:     bpsShare(totalFee, UserShareBps),
		Verifier: bpsShare(totalFee, VerifierShareBps),
		Platform: bpsShare(totalFee, PlatformShareBps),
	}
	split.Platform += totalFee - split.Total()
	return split
}

// bpsShare is floor(amount*bps/BasisPoints) computed without the overflowing product.
func bpsShare(amount, bps int64) int64 {
	q, r := amount/BasisPoints, amount%BasisPoints
	return q*bps + r*bps/BasisPoints
}
