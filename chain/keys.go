package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// OrderKey maps an off-chain order identifier to its ledger escrow key.
// Hashing keeps arbitrary ids at a fixed width and avoids leaking the raw id
// into ledger storage.
func OrderKey(orderID string) [32]byte {
	var key [32]byte
	copy(key[:], crypto.Keccak256([]byte("order/"+strings.TrimSpace(orderID))))
	return key
}

// ProductKey maps an off-chain product identifier to its ledger provenance
// key.
func ProductKey(productID string) [32]byte {
	var key [32]byte
	copy(key[:], crypto.Keccak256([]byte("product/"+strings.TrimSpace(productID))))
	return key
}
