package escrow

import (
	"fmt"
	"math/big"
	"time"

	"agriclear/core/events"
	"agriclear/core/types"
)

// LedgerState is the slice of ledger functionality the escrow engine needs.
// The vault is a module-owned address; per-order credits track how much of
// the vault balance is attributable to each order so the invariant "order
// balance equals amount while funded, zero afterwards" is checkable.
type LedgerState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool, error)
	EscrowCredit(id [32]byte, amount *big.Int) error
	EscrowDebit(id [32]byte, amount *big.Int) error
	EscrowBalance(id [32]byte) (*big.Int, error)
	VaultAddress() [20]byte
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// Engine implements the escrow payment state machine: custody of per-order
// funds and authorization of their release. All amounts are integer minor
// units; deposited and released amounts are exactly equal.
type Engine struct {
	state        LedgerState
	emitter      events.Emitter
	arbiter      [20]byte
	refundWindow int64
	nowFn        func() int64
}

type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the underlying payload for subscribers.
func (e ledgerEvent) Event() *types.Event { return e.evt }

// NewEngine creates an engine with a no-op emitter and wall-clock time.
func NewEngine(state LedgerState) *Engine {
	return &Engine{
		state:   state,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetArbiter configures the address allowed to refund at any time.
func (e *Engine) SetArbiter(addr [20]byte) { e.arbiter = addr }

// SetRefundWindow configures the seconds after funding from which the buyer
// may reclaim an unreleased escrow without the arbiter.
func (e *Engine) SetRefundWindow(seconds int64) { e.refundWindow = seconds }

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(ledgerEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) load(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

// transfer moves amount between two ledger accounts. Zero transfers are
// no-ops; a shortfall on the sender aborts with no mutation.
func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = types.Ensure(fromAcc)
	toAcc = types.Ensure(toAcc)
	if fromAcc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("escrow: insufficient balance")
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// Deposit locks amount for the order and creates the record directly in the
// funded state. The record is created implicitly on first deposit; a second
// deposit for the same order fails with ErrDuplicateOrder regardless of
// caller or amount.
func (e *Engine) Deposit(id [32]byte, buyer, seller [20]byte, amount *big.Int) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroValue
	}
	if _, ok, err := e.state.EscrowGet(id); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrDuplicateOrder
	}
	amt := new(big.Int).Set(amount)
	if err := e.transfer(buyer, e.state.VaultAddress(), amt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.EscrowCredit(id, amt); err != nil {
		return nil, err
	}
	now := e.now()
	esc := &Escrow{
		OrderID:   id,
		Buyer:     buyer,
		Seller:    seller,
		Amount:    amt,
		Status:    StatusFunded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewFundedEvent(esc))
	return esc.Clone(), nil
}

// ConfirmDelivery transitions a funded escrow to delivery-confirmed. Only the
// record's buyer may confirm, and a repeat confirmation fails with
// ErrInvalidState so retrying callers can detect they already succeeded.
func (e *Engine) ConfirmDelivery(id [32]byte, caller [20]byte) (*Escrow, error) {
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if esc.Buyer != caller {
		return nil, ErrNotBuyer
	}
	if esc.Status != StatusFunded {
		return nil, fmt.Errorf("%w: cannot confirm delivery in status %s", ErrInvalidState, esc.Status)
	}
	esc.Status = StatusDeliveryConfirmed
	esc.UpdatedAt = e.now()
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewDeliveryConfirmedEvent(esc))
	return esc.Clone(), nil
}

// ReleasePayment pays out exactly the deposited amount to the seller and
// marks the record released. Callable by the buyer or the seller once
// delivery is confirmed. The status only advances after a successful
// transfer, so a failed payout leaves the escrow reclaimable.
func (e *Engine) ReleasePayment(id [32]byte, caller [20]byte) (*Escrow, error) {
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if caller != esc.Buyer && caller != esc.Seller {
		return nil, ErrUnauthorized
	}
	if esc.Status != StatusDeliveryConfirmed {
		return nil, fmt.Errorf("%w: cannot release in status %s", ErrInvalidState, esc.Status)
	}
	if err := e.payout(esc, esc.Seller, StatusReleased, NewReleasedEvent); err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// Refund returns the deposited amount to the buyer. The arbiter may refund a
// funded or delivery-confirmed escrow at any time; the buyer may reclaim one
// only after the refund window has elapsed since funding.
func (e *Engine) Refund(id [32]byte, caller [20]byte) (*Escrow, error) {
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusFunded && esc.Status != StatusDeliveryConfirmed {
		return nil, fmt.Errorf("%w: cannot refund in status %s", ErrInvalidState, esc.Status)
	}
	switch {
	case e.arbiter != ([20]byte{}) && caller == e.arbiter:
	case caller == esc.Buyer && e.refundWindow > 0 && e.now() >= esc.CreatedAt+e.refundWindow:
	default:
		return nil, ErrUnauthorized
	}
	if err := e.payout(esc, esc.Buyer, StatusRefunded, NewRefundedEvent); err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// payout settles the full escrow amount to recipient and advances to the
// terminal status. Transfer-before-store ordering keeps a failed send from
// ever marking the record settled.
func (e *Engine) payout(esc *Escrow, recipient [20]byte, status Status, eventFn func(*Escrow) *types.Event) error {
	amount := esc.Amount
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: empty escrow amount", ErrInvalidState)
	}
	if err := e.transfer(e.state.VaultAddress(), recipient, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.EscrowDebit(esc.OrderID, amount); err != nil {
		return err
	}
	esc.Status = status
	esc.UpdatedAt = e.now()
	if err := e.state.EscrowPut(esc); err != nil {
		return err
	}
	e.emit(eventFn(esc))
	return nil
}

// Get returns a copy of the escrow record for the order.
func (e *Engine) Get(id [32]byte) (*Escrow, error) {
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}
