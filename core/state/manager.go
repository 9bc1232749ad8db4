package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agriclear/core/types"
	"agriclear/native/escrow"
	"agriclear/native/provenance"
	"agriclear/storage"
)

// Key prefixes. Records are JSON with hex-encoded identifiers so the ledger
// stays inspectable with plain tooling.
const (
	prefixAccount       = "acct/"
	prefixEscrow        = "escrow/"
	prefixEscrowBalance = "escrowbal/"
	prefixProduct       = "product/"
	prefixHistory       = "history/"
)

// Manager implements the ledger state interfaces of the escrow and
// provenance engines on top of a storage.Database. It performs no locking of
// its own; the settlement node serializes transaction application.
type Manager struct {
	db    storage.Database
	vault [20]byte
}

// NewManager wraps the given database. The vault address is derived from a
// fixed module tag so every node computes the same custody account.
func NewManager(db storage.Database) *Manager {
	var vault [20]byte
	sum := ethcrypto.Keccak256([]byte("agriclear/escrow-vault"))
	copy(vault[:], sum[12:])
	return &Manager{db: db, vault: vault}
}

func accountKey(addr [20]byte) []byte {
	return []byte(prefixAccount + hex.EncodeToString(addr[:]))
}

func escrowKey(id [32]byte) []byte {
	return []byte(prefixEscrow + hex.EncodeToString(id[:]))
}

func escrowBalanceKey(id [32]byte) []byte {
	return []byte(prefixEscrowBalance + hex.EncodeToString(id[:]))
}

func productKey(id [32]byte) []byte {
	return []byte(prefixProduct + hex.EncodeToString(id[:]))
}

func historyKey(id [32]byte) []byte {
	return []byte(prefixHistory + hex.EncodeToString(id[:]))
}

type storedAccount struct {
	Nonce   uint64 `json:"nonce"`
	Balance string `json:"balance"`
}

type storedEscrow struct {
	OrderID   string `json:"orderId"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    string `json:"amount"`
	Status    uint8  `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type storedProduct struct {
	ProductID    string `json:"productId"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	RegisteredAt int64  `json:"registeredAt"`
}

type storedHistoryEntry struct {
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Timestamp int64  `json:"timestamp"`
}

func parseBig(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("state: malformed amount %q", raw)
	}
	return value, nil
}

func decodeFixed(dst []byte, raw string) error {
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return err
	}
	if len(decoded) != len(dst) {
		return fmt.Errorf("state: identifier length %d, want %d", len(decoded), len(dst))
	}
	copy(dst, decoded)
	return nil
}

// GetAccount loads an account, returning an empty account for unknown
// addresses.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	raw, err := m.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return types.NewAccount(), nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedAccount
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	balance, err := parseBig(stored.Balance)
	if err != nil {
		return nil, err
	}
	return &types.Account{Nonce: stored.Nonce, Balance: balance}, nil
}

// PutAccount persists an account record.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	account = types.Ensure(account)
	raw, err := json.Marshal(storedAccount{Nonce: account.Nonce, Balance: account.Balance.String()})
	if err != nil {
		return err
	}
	return m.db.Put(accountKey(addr), raw)
}

// VaultAddress returns the module custody account.
func (m *Manager) VaultAddress() [20]byte { return m.vault }

// EscrowPut persists an escrow record.
func (m *Manager) EscrowPut(esc *escrow.Escrow) error {
	sanitized, err := escrow.Sanitize(esc)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(storedEscrow{
		OrderID:   hex.EncodeToString(sanitized.OrderID[:]),
		Buyer:     hex.EncodeToString(sanitized.Buyer[:]),
		Seller:    hex.EncodeToString(sanitized.Seller[:]),
		Amount:    sanitized.Amount.String(),
		Status:    uint8(sanitized.Status),
		CreatedAt: sanitized.CreatedAt,
		UpdatedAt: sanitized.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return m.db.Put(escrowKey(sanitized.OrderID), raw)
}

// EscrowGet loads an escrow record by order identifier.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool, error) {
	raw, err := m.db.Get(escrowKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored storedEscrow
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, err
	}
	esc := &escrow.Escrow{
		Status:    escrow.Status(stored.Status),
		CreatedAt: stored.CreatedAt,
		UpdatedAt: stored.UpdatedAt,
	}
	if err := decodeFixed(esc.OrderID[:], stored.OrderID); err != nil {
		return nil, false, err
	}
	if err := decodeFixed(esc.Buyer[:], stored.Buyer); err != nil {
		return nil, false, err
	}
	if err := decodeFixed(esc.Seller[:], stored.Seller); err != nil {
		return nil, false, err
	}
	if esc.Amount, err = parseBig(stored.Amount); err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

// EscrowCredit adds amount to the vault balance attributed to the order.
func (m *Manager) EscrowCredit(id [32]byte, amount *big.Int) error {
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	return m.db.Put(escrowBalanceKey(id), []byte(balance.String()))
}

// EscrowDebit removes amount from the order's attributed balance. Debiting
// below zero is a ledger corruption and is rejected.
func (m *Manager) EscrowDebit(id [32]byte, amount *big.Int) error {
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("state: escrow debit %s exceeds balance %s", amount, balance)
	}
	balance.Sub(balance, amount)
	return m.db.Put(escrowBalanceKey(id), []byte(balance.String()))
}

// EscrowBalance returns the vault balance attributed to the order.
func (m *Manager) EscrowBalance(id [32]byte) (*big.Int, error) {
	raw, err := m.db.Get(escrowBalanceKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return parseBig(string(raw))
}

// ProductPut persists a product registration record.
func (m *Manager) ProductPut(p *provenance.Product) error {
	if p == nil {
		return fmt.Errorf("state: nil product")
	}
	raw, err := json.Marshal(storedProduct{
		ProductID:    hex.EncodeToString(p.ProductID[:]),
		Name:         p.Name,
		Category:     p.Category,
		RegisteredAt: p.RegisteredAt,
	})
	if err != nil {
		return err
	}
	return m.db.Put(productKey(p.ProductID), raw)
}

// ProductGet loads a product registration record.
func (m *Manager) ProductGet(id [32]byte) (*provenance.Product, bool, error) {
	raw, err := m.db.Get(productKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored storedProduct
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, err
	}
	product := &provenance.Product{
		Name:         stored.Name,
		Category:     stored.Category,
		RegisteredAt: stored.RegisteredAt,
	}
	if err := decodeFixed(product.ProductID[:], stored.ProductID); err != nil {
		return nil, false, err
	}
	return product, true, nil
}

// HistoryAppend appends one entry to the product's history. The stored list
// is only ever extended.
func (m *Manager) HistoryAppend(id [32]byte, entry provenance.HistoryEntry) error {
	entries, err := m.loadHistory(id)
	if err != nil {
		return err
	}
	entries = append(entries, storedHistoryEntry{
		Action:    entry.Action,
		Actor:     hex.EncodeToString(entry.Actor[:]),
		Timestamp: entry.Timestamp,
	})
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return m.db.Put(historyKey(id), raw)
}

// HistoryGet returns the product's history oldest first.
func (m *Manager) HistoryGet(id [32]byte) ([]provenance.HistoryEntry, error) {
	entries, err := m.loadHistory(id)
	if err != nil {
		return nil, err
	}
	out := make([]provenance.HistoryEntry, 0, len(entries))
	for _, stored := range entries {
		entry := provenance.HistoryEntry{Action: stored.Action, Timestamp: stored.Timestamp}
		if err := decodeFixed(entry.Actor[:], stored.Actor); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *Manager) loadHistory(id [32]byte) ([]storedHistoryEntry, error) {
	raw, err := m.db.Get(historyKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []storedHistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
