package provenance

import "errors"

// Product is the on-ledger registration record for a tracked product.
// Metadata is captured once at registration; everything that happens after is
// expressed through history entries.
type Product struct {
	ProductID    [32]byte
	Name         string
	Category     string
	RegisteredAt int64
}

// HistoryEntry is a single append-only provenance event. Entries are
// immutable once appended.
type HistoryEntry struct {
	Action    string
	Actor     [20]byte
	Timestamp int64
}

// Clone returns a deep copy of the product record.
func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

var (
	// ErrAlreadyRegistered rejects re-registration of a known product.
	ErrAlreadyRegistered = errors.New("provenance: product already registered")
	// ErrNotRegistered rejects history updates for unknown products.
	ErrNotRegistered = errors.New("provenance: product not registered")
	// ErrEmptyAction rejects history entries with no action text.
	ErrEmptyAction = errors.New("provenance: action required")

	errNilState = errors.New("provenance: state not configured")
)
