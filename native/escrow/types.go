package escrow

import (
	"fmt"
	"math/big"
)

// Status is the lifecycle state of an escrow record. States only advance
// forward; Released and Refunded are terminal and retained for audit.
type Status uint8

const (
	StatusEmpty Status = iota
	StatusFunded
	StatusDeliveryConfirmed
	StatusReleased
	StatusRefunded
)

// String returns the canonical lowercase name used on the wire and in events.
func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusFunded:
		return "funded"
	case StatusDeliveryConfirmed:
		return "delivery_confirmed"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusRefunded
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Escrow is the per-order custody record. The order identifier is supplied by
// the off-chain order system before funding and is the correlation key across
// both sources of truth. Amount is fixed at deposit time and immutable.
type Escrow struct {
	OrderID   [32]byte
	Buyer     [20]byte
	Seller    [20]byte
	Amount    *big.Int
	Status    Status
	CreatedAt int64
	UpdatedAt int64
}

// Clone returns a deep copy so callers can mutate freely without touching the
// stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Sanitize validates an escrow record and returns a normalised clone with a
// non-nil amount. The original value is not mutated.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil record")
	}
	clone := e.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: negative amount")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", clone.Status)
	}
	return clone, nil
}
