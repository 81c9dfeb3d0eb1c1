// Package ledger describes the fungible-token ledger the proof-service pays
// through. The ledger itself lives outside this service; Memory is a local
// stand-in for tests and single-node development runs.
package ledger

import (
	"context"
	"errors"

	"github.com/transfa/proof-service/internal/domain"
)

var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrInvalidAmount       = errors.New("invalid token amount")
	ErrInvalidAddress      = errors.New("invalid ledger address")
)

// Ledger is the token ledger contract consumed by the protocol.
type Ledger interface {
	Transfer(ctx context.Context, from, to domain.Address, amount int64) error
	Burn(ctx context.Context, holder domain.Address, amount int64) error
	BalanceOf(ctx context.Context, address domain.Address) (int64, error)
}
