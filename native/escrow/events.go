package escrow

import (
	"encoding/hex"
	"strconv"

	"agriclear/core/types"
)

const (
	EventTypeFunded            = "escrow.funded"
	EventTypeDeliveryConfirmed = "escrow.delivery_confirmed"
	EventTypeReleased          = "escrow.released"
	EventTypeRefunded          = "escrow.refunded"
)

// NewFundedEvent returns the canonical payload emitted when an order's funds
// are locked in the vault.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeFunded, e) }

// NewDeliveryConfirmedEvent returns the payload emitted when the buyer
// confirms delivery.
func NewDeliveryConfirmedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeDeliveryConfirmed, e)
}

// NewReleasedEvent returns the payload emitted when funds settle to the
// seller.
func NewReleasedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeReleased, e) }

// NewRefundedEvent returns the payload emitted when funds return to the
// buyer.
func NewRefundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeRefunded, e) }

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := Sanitize(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["orderId"] = hex.EncodeToString(sanitized.OrderID[:])
	attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["status"] = sanitized.Status.String()
	attrs["updatedAt"] = strconv.FormatInt(sanitized.UpdatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
