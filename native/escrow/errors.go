package escrow

import "errors"

// Sentinel errors surfaced to RPC and orchestrator callers. They correspond
// one-to-one with the contract-level rejection reasons and are wrapped, never
// replaced, so callers can match with errors.Is.
var (
	// ErrDuplicateOrder rejects a deposit for an order that is already funded.
	ErrDuplicateOrder = errors.New("escrow: order already funded")
	// ErrZeroValue rejects a deposit that carries no funds.
	ErrZeroValue = errors.New("escrow: deposit amount must be positive")
	// ErrNotBuyer rejects a delivery confirmation from anyone but the
	// record's buyer.
	ErrNotBuyer = errors.New("escrow: caller is not the buyer")
	// ErrInvalidState rejects a transition the state machine does not allow
	// from the record's current state.
	ErrInvalidState = errors.New("escrow: invalid state for operation")
	// ErrTransferFailed reports that a payout or refund transfer failed. The
	// record state is left unchanged when this is returned.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrUnauthorized rejects release or refund calls from accounts with no
	// standing on the record.
	ErrUnauthorized = errors.New("escrow: caller not authorized")
	// ErrNotFound is returned when no record exists for the order.
	ErrNotFound = errors.New("escrow: order not found")

	errNilState = errors.New("escrow: state not configured")
)
