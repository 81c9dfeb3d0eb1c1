package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/transfa/proof-service/internal/domain"
)

// Memory is an in-process ledger with a tracked total supply.
type Memory struct {
	mu       sync.Mutex
	balances map[domain.Address]int64
	supply   int64
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[domain.Address]int64)}
}

// Mint credits amount to address and grows the supply.
func (m *Memory) Mint(address domain.Address, amount int64) error {
	if address.IsZero() {
		return ErrInvalidAddress
	}
	if amount < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] += amount
	m.supply += amount
	return nil
}

func (m *Memory) Transfer(ctx context.Context, from, to domain.Address, amount int64) error {
	if from.IsZero() || to.IsZero() {
		return ErrInvalidAddress
	}
	if amount < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[from] < amount {
		return fmt.Errorf("transfer %d from %s: %w", amount, from, ErrInsufficientBalance)
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	return nil
}

func (m *Memory) Burn(ctx context.Context, holder domain.Address, amount int64) error {
	if holder.IsZero() {
		return ErrInvalidAddress
	}
	if amount < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[holder] < amount {
		return fmt.Errorf("burn %d from %s: %w", amount, holder, ErrInsufficientBalance)
	}
	m.balances[holder] -= amount
	m.supply -= amount
	return nil
}

func (m *Memory) BalanceOf(ctx context.Context, address domain.Address) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address], nil
}

// TotalSupply returns minted minus burned tokens.
func (m *Memory) TotalSupply() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supply
}
