package types

import "math/big"

// Account is the ledger-side record for a settlement address. Balances are
// integer minor units of the native settlement token; no floating point is
// used anywhere in the funds path.
type Account struct {
	Nonce   uint64
	Balance *big.Int
}

// NewAccount returns an empty account with a non-nil balance.
func NewAccount() *Account {
	return &Account{Balance: big.NewInt(0)}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{Nonce: a.Nonce, Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}

// Ensure normalises a possibly nil account into a usable value.
func Ensure(a *Account) *Account {
	if a == nil {
		return NewAccount()
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	return a
}
