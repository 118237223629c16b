package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionID identifies a covered-call position. IDs are allocated
// sequentially starting at 0.
type PositionID uint64

func (id PositionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParsePositionID parses a base-10 position identifier.
func ParsePositionID(s string) (PositionID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("domain: parse position id %q: %w", s, err)
	}
	return PositionID(n), nil
}

// PositionState is the lifecycle state of a position.
type PositionState string

const (
	PositionStateCreated   PositionState = "created"
	PositionStateLocked    PositionState = "locked"
	PositionStateExercised PositionState = "exercised"
	PositionStateExpired   PositionState = "expired"
)

// transitions lists the only legal edges of the state machine.
var transitions = map[PositionState][]PositionState{
	PositionStateCreated: {PositionStateLocked},
	PositionStateLocked:  {PositionStateExercised, PositionStateExpired},
}

// Valid reports whether s is one of the known states.
func (s PositionState) Valid() bool {
	switch s {
	case PositionStateCreated, PositionStateLocked, PositionStateExercised, PositionStateExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are accepted from s.
func (s PositionState) Terminal() bool {
	return s == PositionStateExercised || s == PositionStateExpired
}

// CanTransition reports whether s -> to is an edge of the state machine.
func (s PositionState) CanTransition(to PositionState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Position is a covered call held in escrow by the settlement engine.
type Position struct {
	ID               PositionID      `json:"id"`
	Seller           common.Address  `json:"seller"`
	Buyer            *common.Address `json:"buyer,omitempty"`
	StrikePrice      Amount          `json:"strike_price"`
	Expiry           time.Time       `json:"expiry"`
	CollateralAmount Amount          `json:"collateral_amount"`
	PremiumAmount    Amount          `json:"premium_amount"`
	State            PositionState   `json:"state"`
	CreatedAt        time.Time       `json:"created_at"`
	LockedAt         *time.Time      `json:"locked_at,omitempty"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`
}

// Transition moves p to the given state, or returns ErrInvalidState when the
// edge does not exist. It stamps LockedAt/SettledAt with at.
func (p *Position) Transition(to PositionState, at time.Time) error {
	if !p.State.CanTransition(to) {
		return fmt.Errorf("position %s: %s -> %s: %w", p.ID, p.State, to, ErrInvalidState)
	}
	p.State = to
	ts := at.UTC()
	if to == PositionStateLocked {
		p.LockedAt = &ts
	} else {
		p.SettledAt = &ts
	}
	return nil
}

// IsBuyer reports whether addr is the position's buyer.
func (p *Position) IsBuyer(addr common.Address) bool {
	return p.Buyer != nil && *p.Buyer == addr
}

// PositionFilter narrows position listings. Zero values mean "any".
type PositionFilter struct {
	Seller        *common.Address
	Buyer         *common.Address
	State         PositionState
	SettledBefore *time.Time
	Limit         int
	Offset        int
}

// Match reports whether p satisfies the filter (ignoring Limit/Offset).
func (f PositionFilter) Match(p Position) bool {
	if f.Seller != nil && p.Seller != *f.Seller {
		return false
	}
	if f.Buyer != nil && !p.IsBuyer(*f.Buyer) {
		return false
	}
	if f.State != "" && p.State != f.State {
		return false
	}
	if f.SettledBefore != nil {
		if p.SettledAt == nil || !p.SettledAt.Before(*f.SettledBefore) {
			return false
		}
	}
	return true
}
