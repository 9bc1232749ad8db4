package provenance

import (
	"strings"
	"time"

	"agriclear/core/events"
	"agriclear/core/types"
)

// RegisteredAction is the action recorded for every product at registration.
const RegisteredAction = "Registered"

// LedgerState is the slice of ledger functionality the provenance engine
// needs. History storage is append-only; there is no delete.
type LedgerState interface {
	ProductPut(*Product) error
	ProductGet(id [32]byte) (*Product, bool, error)
	HistoryAppend(id [32]byte, entry HistoryEntry) error
	HistoryGet(id [32]byte) ([]HistoryEntry, error)
}

// Engine maintains the tamper-evident per-product event log. Provenance is an
// audit trail, not a consistency boundary: nothing here touches funds.
type Engine struct {
	state   LedgerState
	emitter events.Emitter
	nowFn   func() int64
}

type provenanceEvent struct {
	evt *types.Event
}

func (e provenanceEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// NewEngine creates a provenance engine with a no-op emitter.
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
	e.emitter.Emit(provenanceEvent{evt: evt})
}

// Register creates the product record and appends the initial "Registered"
// history entry attributed to the caller.
func (e *Engine) Register(id [32]byte, name, category string, actor [20]byte) (*Product, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, ok, err := e.state.ProductGet(id); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyRegistered
	}
	now := e.nowFn()
	product := &Product{
		ProductID:    id,
		Name:         strings.TrimSpace(name),
		Category:     strings.TrimSpace(category),
		RegisteredAt: now,
	}
	if err := e.state.ProductPut(product); err != nil {
		return nil, err
	}
	entry := HistoryEntry{Action: RegisteredAction, Actor: actor, Timestamp: now}
	if err := e.state.HistoryAppend(id, entry); err != nil {
		return nil, err
	}
	e.emit(NewRegisteredEvent(product, actor))
	return product.Clone(), nil
}

// Update appends a history entry for a registered product. Unknown products
// are rejected; nothing is created implicitly.
func (e *Engine) Update(id [32]byte, action string, actor [20]byte) (HistoryEntry, error) {
	if e == nil || e.state == nil {
		return HistoryEntry{}, errNilState
	}
	trimmed := strings.TrimSpace(action)
	if trimmed == "" {
		return HistoryEntry{}, ErrEmptyAction
	}
	if _, ok, err := e.state.ProductGet(id); err != nil {
		return HistoryEntry{}, err
	} else if !ok {
		return HistoryEntry{}, ErrNotRegistered
	}
	entry := HistoryEntry{Action: trimmed, Actor: actor, Timestamp: e.nowFn()}
	if err := e.state.HistoryAppend(id, entry); err != nil {
		return HistoryEntry{}, err
	}
	e.emit(NewUpdatedEvent(id, entry))
	return entry, nil
}

// History returns the product's events oldest first. An unregistered product
// yields an empty sequence, not an error; callers that must distinguish use
// Exists.
func (e *Engine) History(id [32]byte) ([]HistoryEntry, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	entries, err := e.state.HistoryGet(id)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// Exists reports whether the product has been registered.
func (e *Engine) Exists(id [32]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	_, ok, err := e.state.ProductGet(id)
	return ok, err
}

// Get returns the registration record for a product.
func (e *Engine) Get(id [32]byte) (*Product, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	product, ok, err := e.state.ProductGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRegistered
	}
	return product.Clone(), nil
}
