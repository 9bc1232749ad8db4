// Package chain provides the settlement-ledger client used by off-chain
// services. Two implementations exist: LocalNode runs the ledger engines
// in-process, RPCClient talks to a remote node over JSON-RPC. Callers depend
// only on SettlementClient so the two are interchangeable.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt statuses mirror the EVM convention: 1 for an applied transaction,
// 0 for one that was mined but reverted.
const (
	ReceiptStatusSuccess uint64 = 1
	ReceiptStatusFailed  uint64 = 0
)

// ErrReceiptNotFound is returned when a transaction hash is unknown to the
// node, either because it never existed or has not been mined yet.
var ErrReceiptNotFound = errors.New("chain: receipt not found")

// Receipt is the mined outcome of a settlement transaction. Off-chain state
// transitions key off the receipt, never off submission.
type Receipt struct {
	TxHash      common.Hash `json:"txHash"`
	Status      uint64      `json:"status"`
	BlockNumber uint64      `json:"blockNumber"`
	Timestamp   int64       `json:"timestamp"`
	Err         string      `json:"error,omitempty"`
}

// Ok reports whether the transaction was applied.
func (r *Receipt) Ok() bool { return r != nil && r.Status == ReceiptStatusSuccess }

// PendingTx is a submitted settlement transaction. Wait blocks until the
// transaction is mined or ctx is done; a mined-but-reverted transaction
// returns a receipt with ReceiptStatusFailed and a nil error.
type PendingTx interface {
	Hash() common.Hash
	Wait(ctx context.Context) (*Receipt, error)
}

// Signer identifies the account a transaction acts as. The ledger enforces
// authorization per address, so services hold one signer per platform role.
type Signer interface {
	Address() common.Address
}

// AddressSigner is the trivial Signer for custodial setups where the service
// owns the account.
type AddressSigner common.Address

func (s AddressSigner) Address() common.Address { return common.Address(s) }

// EscrowState is the client-side view of an on-chain escrow record. Amount is
// integer minor units.
type EscrowState struct {
	OrderID   string         `json:"orderId"`
	Buyer     common.Address `json:"buyer"`
	Seller    common.Address `json:"seller"`
	Amount    *big.Int       `json:"amount"`
	Status    string         `json:"status"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
}

// ProvenanceEvent is one entry of a product's on-chain history.
type ProvenanceEvent struct {
	Action    string         `json:"action"`
	Actor     common.Address `json:"actor"`
	Timestamp int64          `json:"timestamp"`
}

// SettlementClient is the full surface off-chain services use against the
// ledger. Order and product identifiers are the off-chain string ids; the
// client hashes them into ledger keys.
type SettlementClient interface {
	// Deposit locks amount for the order in escrow, funded by the signer.
	Deposit(ctx context.Context, signer Signer, orderID string, seller common.Address, amount *big.Int) (PendingTx, error)
	// ConfirmDelivery marks the order's escrow delivery-confirmed.
	ConfirmDelivery(ctx context.Context, signer Signer, orderID string) (PendingTx, error)
	// ReleasePayment pays the escrowed amount out to the seller.
	ReleasePayment(ctx context.Context, signer Signer, orderID string) (PendingTx, error)
	// Refund returns the escrowed amount to the buyer.
	Refund(ctx context.Context, signer Signer, orderID string) (PendingTx, error)
	// EscrowStatus reads the current on-chain escrow record for the order.
	EscrowStatus(ctx context.Context, orderID string) (*EscrowState, error)

	// RegisterProduct creates the product's provenance record.
	RegisterProduct(ctx context.Context, signer Signer, productID, name, category string) (PendingTx, error)
	// UpdateHistory appends an action to the product's provenance history.
	UpdateHistory(ctx context.Context, signer Signer, productID, action string) (PendingTx, error)
	// ProductHistory reads the product's full history, oldest first.
	ProductHistory(ctx context.Context, productID string) ([]ProvenanceEvent, error)
}
