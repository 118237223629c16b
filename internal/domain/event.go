package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event names published for each settlement transition.
const (
	EventPositionCreated   = "position_created"
	EventPositionLocked    = "position_locked"
	EventPositionExercised = "position_exercised"
	EventPositionExpired   = "position_expired"
)

// PositionsChannel is the bus channel carrying PositionEvent payloads.
const PositionsChannel = "positions"

// PositionEvent describes a completed state transition.
type PositionEvent struct {
	Event    string         `json:"event"`
	Position Position       `json:"position"`
	Caller   common.Address `json:"caller"`
	// Price is the oracle reading that gated an exercise.
	Price *Amount   `json:"price,omitempty"`
	At    time.Time `json:"at"`
}
