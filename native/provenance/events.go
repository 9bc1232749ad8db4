package provenance

import (
	"encoding/hex"
	"strconv"

	"agriclear/core/types"
)

const (
	EventTypeRegistered = "provenance.registered"
	EventTypeUpdated    = "provenance.updated"
)

// NewRegisteredEvent returns the payload emitted when a product is first
// registered on the ledger.
func NewRegisteredEvent(p *Product, actor [20]byte) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		attrs["productId"] = hex.EncodeToString(p.ProductID[:])
		attrs["name"] = p.Name
		attrs["category"] = p.Category
		attrs["registeredAt"] = strconv.FormatInt(p.RegisteredAt, 10)
	}
	attrs["actor"] = hex.EncodeToString(actor[:])
	return &types.Event{Type: EventTypeRegistered, Attributes: attrs}
}

// NewUpdatedEvent returns the payload emitted for each appended history
// entry.
func NewUpdatedEvent(id [32]byte, entry HistoryEntry) *types.Event {
	return &types.Event{Type: EventTypeUpdated, Attributes: map[string]string{
		"productId": hex.EncodeToString(id[:]),
		"action":    entry.Action,
		"actor":     hex.EncodeToString(entry.Actor[:]),
		"timestamp": strconv.FormatInt(entry.Timestamp, 10),
	}}
}
