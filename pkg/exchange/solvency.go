package exchange

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/asset"
)

// CheckSolvency verifies that, for every asset, the custodial balances sum to
// no more than what the exchange actually holds.
func (e *Exchange) CheckSolvency() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, assetID := range e.assetsLocked() {
		owed := new(uint256.Int)
		for _, bal := range e.balances[assetID] {
			owed.Add(owed, bal)
		}

		var held *uint256.Int
		if asset.IsNative(assetID) {
			held = e.vault.Held()
		} else {
			ledger, err := e.ledgers.Ledger(assetID)
			if err != nil {
				return err
			}
			held = ledger.BalanceOf(e.cfg.Address)
		}
		if held.Lt(owed) {
			return fmt.Errorf("%w: %s owes %s, holds %s", ErrInsolvent, assetName(assetID), owed.Dec(), held.Dec())
		}
	}
	return nil
}

func (e *Exchange) assetsLocked() []common.Address {
	ids := make([]common.Address, 0, len(e.balances))
	for id := range e.balances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	return ids
}

// BalanceEntry is one non-zero custodial balance
type BalanceEntry struct {
	Asset   common.Address `json:"asset"`
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
}

// OrderStatus pairs an order id with its status
type OrderStatus struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
}

// Snapshot is a deterministic view of exchange state, sorted by asset then
// account and by order id.
type Snapshot struct {
	OrderCount uint64         `json:"orderCount"`
	Balances   []BalanceEntry `json:"balances"`
	Orders     []OrderStatus  `json:"orders"`
}

func (e *Exchange) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{OrderCount: e.orderCount}
	for _, assetID := range e.assetsLocked() {
		accounts := make([]common.Address, 0, len(e.balances[assetID]))
		for acct, bal := range e.balances[assetID] {
			if !bal.IsZero() {
				accounts = append(accounts, acct)
			}
		}
		sort.Slice(accounts, func(i, j int) bool { return accounts[i].Cmp(accounts[j]) < 0 })
		for _, acct := range accounts {
			snap.Balances = append(snap.Balances, BalanceEntry{
				Asset:   assetID,
				Account: acct,
				Amount:  e.balances[assetID][acct].Clone(),
			})
		}
	}
	for id := uint64(1); id <= e.orderCount; id++ {
		snap.Orders = append(snap.Orders, OrderStatus{ID: id, Status: e.statusLocked(id).String()})
	}
	return snap
}
