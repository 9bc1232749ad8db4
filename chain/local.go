package chain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"agriclear/core/events"
	"agriclear/core/state"
	"agriclear/native/escrow"
	"agriclear/native/provenance"
	"agriclear/storage"
)

// LocalNode runs the ledger engines in-process over a storage.Database. It is
// the core of the settlement node binary and doubles as a deterministic
// backend for service tests. Transactions are applied synchronously in
// submission order; each one mines its own block.
type LocalNode struct {
	mu       sync.Mutex
	state    *state.Manager
	escrow   *escrow.Engine
	prov     *provenance.Engine
	receipts map[common.Hash]*Receipt
	height   uint64
	nonce    uint64
	nowFn    func() int64
	latency  time.Duration
	failNext map[string]string
}

// NewLocalNode creates a node over the given database.
func NewLocalNode(db storage.Database) *LocalNode {
	mgr := state.NewManager(db)
	node := &LocalNode{
		state:    mgr,
		escrow:   escrow.NewEngine(mgr),
		prov:     provenance.NewEngine(mgr),
		receipts: make(map[common.Hash]*Receipt),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
	return node
}

// SetNowFunc overrides the node's time source for deterministic tests. The
// engines inherit the same clock.
func (n *LocalNode) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	n.nowFn = now
	n.escrow.SetNowFunc(now)
	n.prov.SetNowFunc(now)
}

// SetArbiter configures the escrow arbiter address.
func (n *LocalNode) SetArbiter(addr common.Address) {
	n.escrow.SetArbiter(addr)
}

// SetRefundWindow configures the buyer self-refund window in seconds.
func (n *LocalNode) SetRefundWindow(seconds int64) {
	n.escrow.SetRefundWindow(seconds)
}

// SetEmitter wires an event emitter into both engines.
func (n *LocalNode) SetEmitter(emitter events.Emitter) {
	n.escrow.SetEmitter(emitter)
	n.prov.SetEmitter(emitter)
}

// SetConfirmationLatency makes every Wait block for d before returning the
// receipt, so tests can exercise slow-confirmation paths.
func (n *LocalNode) SetConfirmationLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// FailNextSubmission makes the next submission of the given operation fail
// before mining, the way a dropped connection to a real node would. The
// operation names match the tx tags: "escrow/deposit", "escrow/confirm",
// "escrow/release", "escrow/refund", "provenance/register",
// "provenance/update".
func (n *LocalNode) FailNextSubmission(op, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failNext == nil {
		n.failNext = make(map[string]string)
	}
	n.failNext[op] = reason
}

// FundAccount credits amount to the account, creating it if needed. Used for
// genesis allocations and test fixtures.
func (n *LocalNode) FundAccount(addr common.Address, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	account, err := n.state.GetAccount(addr)
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return n.state.PutAccount(addr, account)
}

// Balance returns the spendable balance of the account.
func (n *LocalNode) Balance(addr common.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	account, err := n.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Balance), nil
}

// ReceiptByHash looks up a mined receipt. The second return is false for
// unknown hashes.
func (n *LocalNode) ReceiptByHash(hash common.Hash) (*Receipt, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	receipt, ok := n.receipts[hash]
	if !ok {
		return nil, false
	}
	clone := *receipt
	return &clone, ok
}

type localTx struct {
	hash    common.Hash
	receipt *Receipt
	latency time.Duration
}

func (t *localTx) Hash() common.Hash { return t.hash }

func (t *localTx) Wait(ctx context.Context) (*Receipt, error) {
	if t.latency > 0 {
		timer := time.NewTimer(t.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clone := *t.receipt
	return &clone, nil
}

// apply runs a ledger mutation as one transaction and mines a receipt for it.
// Mutations rejected by an engine still mine, with a failed receipt, the same
// way a reverting contract call does.
func (n *LocalNode) apply(signer Signer, tag string, key [32]byte, fn func() error) (PendingTx, error) {
	if signer == nil {
		return nil, fmt.Errorf("chain: nil signer")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if reason, ok := n.failNext[tag]; ok {
		delete(n.failNext, tag)
		return nil, fmt.Errorf("chain: submit %s: %s", tag, reason)
	}
	n.nonce++
	n.height++

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], n.nonce)
	hash := common.BytesToHash(crypto.Keccak256(
		signer.Address().Bytes(),
		[]byte(tag),
		key[:],
		nonceBytes[:],
	))

	receipt := &Receipt{
		TxHash:      hash,
		Status:      ReceiptStatusSuccess,
		BlockNumber: n.height,
		Timestamp:   n.nowFn(),
	}
	if err := fn(); err != nil {
		receipt.Status = ReceiptStatusFailed
		receipt.Err = err.Error()
	}
	n.receipts[hash] = receipt
	return &localTx{hash: hash, receipt: receipt, latency: n.latency}, nil
}

func (n *LocalNode) Deposit(ctx context.Context, signer Signer, orderID string, seller common.Address, amount *big.Int) (PendingTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := OrderKey(orderID)
	return n.apply(signer, "escrow/deposit", key, func() error {
		_, err := n.escrow.Deposit(key, signer.Address(), seller, amount)
		return err
	})
}

func (n *LocalNode) ConfirmDelivery(ctx context.Context, signer Signer, orderID string) (PendingTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := OrderKey(orderID)
	return n.apply(signer, "escrow/confirm", key, func() error {
		_, err := n.escrow.ConfirmDelivery(key, signer.Address())
		return err
	})
}

func (n *LocalNode) ReleasePayment(ctx context.Context, signer Signer, orderID string) (PendingTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := OrderKey(orderID)
	return n.apply(signer, "escrow/release", key, func() error {
		_, err := n.escrow.ReleasePayment(key, signer.Address())
		return err
	})
}

func (n *LocalNode) Refund(ctx context.Context, signer Signer, orderID string) (PendingTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := OrderKey(orderID)
	return n.apply(signer, "escrow/refund", key, func() error {
		_, err := n.escrow.Refund(key, signer.Address())
		return err
	})
}

func (n *LocalNode) EscrowStatus(ctx context.Context, orderID string) (*EscrowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	esc, err := n.escrow.Get(OrderKey(orderID))
	if err != nil {
		return nil, err
	}
	return &EscrowState{
		OrderID:   hex.EncodeToString(esc.OrderID[:]),
		Buyer:     common.Address(esc.Buyer),
		Seller:    common.Address(esc.Seller),
		Amount:    new(big.Int).Set(esc.Amount),
		Status:    esc.Status.String(),
		CreatedAt: esc.CreatedAt,
		UpdatedAt: esc.UpdatedAt,
	}, nil
}

func (n *LocalNode) RegisterProduct(ctx context.Context, signer Signer, productID, name, category string) (PendingTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := ProductKey(productID)
	return n.apply(signer, "provenance/register", key, func() error {
		_, err := n.prov.Register(key, name, category, signer.Address())
		return err
	})
}

func (n *LocalNode) UpdateHistory(ctx context.Context, signer Signer, productID, action string) (PendingTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := ProductKey(productID)
	return n.apply(signer, "provenance/update", key, func() error {
		_, err := n.prov.Update(key, action, signer.Address())
		return err
	})
}

func (n *LocalNode) ProductHistory(ctx context.Context, productID string) ([]ProvenanceEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	entries, err := n.prov.History(ProductKey(productID))
	if err != nil {
		return nil, err
	}
	out := make([]ProvenanceEvent, 0, len(entries))
	for _, entry := range entries {
		out = append(out, ProvenanceEvent{
			Action:    entry.Action,
			Actor:     common.Address(entry.Actor),
			Timestamp: entry.Timestamp,
		})
	}
	return out, nil
}

// Product returns the registration record for the product id, if any.
func (n *LocalNode) Product(ctx context.Context, productID string) (*provenance.Product, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	product, err := n.prov.Get(ProductKey(productID))
	if err != nil {
		if errors.Is(err, provenance.ErrNotRegistered) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return product, true, nil
}

var _ SettlementClient = (*LocalNode)(nil)
