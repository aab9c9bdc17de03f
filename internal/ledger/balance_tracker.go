package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. Balances are signed:
// liability-side accounts (debt, flash lender, external boundaries) go
// negative while asset-side accounts go positive.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amount := j.Amount.ToBig()
	bt.account(j.DebitAccount).Add(bt.account(j.DebitAccount), amount)
	bt.account(j.CreditAccount).Sub(bt.account(j.CreditAccount), amount)
}

// RevertJournal undoes a previously applied journal entry.
func (bt *BalanceTracker) RevertJournal(j Journal) {
	amount := j.Amount.ToBig()
	bt.account(j.DebitAccount).Sub(bt.account(j.DebitAccount), amount)
	bt.account(j.CreditAccount).Add(bt.account(j.CreditAccount), amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

func (bt *BalanceTracker) account(key AccountKey) *big.Int {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	return b
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// GetWalletBalance returns the user's spendable balance of an asset.
func (bt *BalanceTracker) GetWalletBalance(userID uuid.UUID, assetID AssetID) *uint256.Int {
	b := bt.balances[walletKey(userID, assetID)]
	if b == nil || b.Sign() <= 0 {
		return new(uint256.Int)
	}
	v, _ := uint256.FromBig(b)
	return v
}

// === Invariant Checks ===

// ValidateSufficient checks that an account holds at least required.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required *uint256.Int) error {
	balance := bt.GetBalance(key)
	if balance.Cmp(required.ToBig()) < 0 {
		return fmt.Errorf("account %s: have=%s, need=%s", key.AccountPath(), balance, required.Dec())
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.AssetID]
		if !ok {
			t = new(big.Int)
			totals[key.AssetID] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// Range calls fn for every tracked account. fn must not retain the balance.
func (bt *BalanceTracker) Range(fn func(key AccountKey, balance *big.Int)) {
	for k, v := range bt.balances {
		fn(k, v)
	}
}

// BalanceEntry is the serializable form of one account balance.
type BalanceEntry struct {
	Scope    AccountScope   `json:"scope"`
	EntityID uuid.UUID      `json:"entity_id"`
	SubType  AccountSubType `json:"sub_type"`
	AssetID  AssetID        `json:"asset_id"`
	Balance  string         `json:"balance"`
}

func (e BalanceEntry) Key() AccountKey {
	return AccountKey{Scope: e.Scope, EntityID: e.EntityID, SubType: e.SubType, AssetID: e.AssetID}
}

// Snapshot returns all non-zero balances ordered by account path.
func (bt *BalanceTracker) Snapshot() []BalanceEntry {
	entries := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v.Sign() == 0 {
			continue
		}
		entries = append(entries, BalanceEntry{
			Scope:    k.Scope,
			EntityID: uuid.UUID(k.EntityID),
			SubType:  k.SubType,
			AssetID:  k.AssetID,
			Balance:  v.String(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key().AccountPath() < entries[j].Key().AccountPath()
	})
	return entries
}

// Restore replaces all balances with the given entries.
func (bt *BalanceTracker) Restore(entries []BalanceEntry) error {
	balances := make(map[AccountKey]*big.Int, len(entries))
	for _, e := range entries {
		b, ok := new(big.Int).SetString(e.Balance, 10)
		if !ok {
			return fmt.Errorf("restore balance %s: invalid amount %q", e.Key().AccountPath(), e.Balance)
		}
		balances[e.Key()] = b
	}
	bt.balances = balances
	return nil
}
