// Package seats implements the referral-seat registry consulted on option
// mints for fee discounts.
package seats

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/margind/internal/domain"
)

// Seat is one registered referral seat.
type Seat struct {
	ID    uint64
	Owner common.Address
	// Score in [0, 100] drives the mint-fee discount and the seat owner's
	// share of the remaining fee.
	Score uint64
}

// Registry is a static in-process implementation of domain.SeatRegistry,
// loaded from config.
type Registry struct {
	mu     sync.RWMutex
	feeBps uint64
	seats  map[uint64]Seat
}

// New builds a registry with the given base minting fee.
func New(mintingFeeBps uint64, seats []Seat) (*Registry, error) {
	byID := make(map[uint64]Seat, len(seats))
	for _, s := range seats {
		if s.ID == 0 {
			return nil, fmt.Errorf("seats: seat id 0 is reserved: %w", domain.ErrInvalidAmount)
		}
		if s.Score > 100 {
			return nil, fmt.Errorf("seats: seat %d score %d out of range: %w", s.ID, s.Score, domain.ErrInvalidAmount)
		}
		byID[s.ID] = s
	}
	return &Registry{feeBps: mintingFeeBps, seats: byID}, nil
}

// OwnerOf returns the owner address of a seat.
func (r *Registry) OwnerOf(id uint64) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.seats[id]
	if !ok {
		return common.Address{}, fmt.Errorf("seats: seat %d: %w", id, domain.ErrUnknownEntity)
	}
	return s.Owner, nil
}

// SeatScore returns the seat's discount score.
func (r *Registry) SeatScore(id uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.seats[id]
	if !ok {
		return 0, fmt.Errorf("seats: seat %d: %w", id, domain.ErrUnknownEntity)
	}
	return s.Score, nil
}

// ConfirmExists reports whether the seat is registered.
func (r *Registry) ConfirmExists(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.seats[id]
	return ok
}

// OptionMintingFeeBps returns the base minting fee in bps.
func (r *Registry) OptionMintingFeeBps() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.feeBps
}

// Register adds or replaces a seat at runtime.
func (r *Registry) Register(s Seat) error {
	if s.ID == 0 || s.Score > 100 {
		return fmt.Errorf("seats: invalid seat %d: %w", s.ID, domain.ErrInvalidAmount)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seats[s.ID] = s
	return nil
}

// Compile-time interface check.
var _ domain.SeatRegistry = (*Registry)(nil)
