package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/asset"
)

type balanceKey struct {
	asset   common.Address
	account common.Address
}

// balanceTx stages custodial balance changes so that a multi-step operation
// either applies every change or none. Reads see earlier staged writes, which
// keeps aliasing cases (self-fill, same asset on both legs) exact.
type balanceTx struct {
	e      *Exchange
	staged map[balanceKey]*uint256.Int
	order  []balanceKey
}

// begin assumes e.mu is held for writing until commit or abandonment
func (e *Exchange) begin() *balanceTx {
	return &balanceTx{e: e, staged: make(map[balanceKey]*uint256.Int)}
}

func (t *balanceTx) get(assetID, account common.Address) *uint256.Int {
	if v, ok := t.staged[balanceKey{assetID, account}]; ok {
		return v.Clone()
	}
	return asset.OrZero(t.e.balances[assetID][account])
}

func (t *balanceTx) set(assetID, account common.Address, v *uint256.Int) {
	k := balanceKey{assetID, account}
	if _, ok := t.staged[k]; !ok {
		t.order = append(t.order, k)
	}
	t.staged[k] = v
}

func (t *balanceTx) debit(assetID, account common.Address, amount *uint256.Int) error {
	bal := t.get(assetID, account)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s in custody, need %s",
			asset.ErrInsufficientBalance, account.Hex(), bal.Dec(), assetName(assetID), amount.Dec())
	}
	t.set(assetID, account, bal.Sub(bal, amount))
	return nil
}

func (t *balanceTx) credit(assetID, account common.Address, amount *uint256.Int) error {
	sum, err := asset.Add(t.get(assetID, account), amount)
	if err != nil {
		return err
	}
	t.set(assetID, account, sum)
	return nil
}

func (t *balanceTx) commit() {
	for _, k := range t.order {
		byAccount, ok := t.e.balances[k.asset]
		if !ok {
			byAccount = make(map[common.Address]*uint256.Int)
			t.e.balances[k.asset] = byAccount
		}
		byAccount[k.account] = t.staged[k]
	}
}

func assetName(id common.Address) string {
	if asset.IsNative(id) {
		return "native"
	}
	return id.Hex()
}
