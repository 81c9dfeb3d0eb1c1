// Package pricing holds the bonding-curve arithmetic that prices and hardens
// every proof attempt. All functions are pure and integer-only so that any two
// deployments fed the same history agree on difficulty and fee bit for bit.
package pricing

const (
	// TokenDecimals is the fixed decimal scale of every token amount.
	TokenDecimals = 6
	// TokenUnit is one whole token in smallest units.
	TokenUnit int64 = 1_000_000

	RegistrationFee = 100 * TokenUnit
	MinAttemptFee   = TokenUnit / 100
	MaxAttemptFee   = TokenUnit

	// Scale is the fixed-point denominator of the difficulty curve.
	Scale     uint64 = 10000
	MinRounds uint64 = 10
	MaxRounds uint64 = 100

	BasisPoints      int64 = 10000
	UserShareBps     int64 = 4000
	VerifierShareBps int64 = 4000
	PlatformShareBps int64 = 2000
)
