// Package ledger implements the fungible-token ledgers (ERC-20 style) and the
// host balances of the native asset.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/asset"
	"github.com/uhyunpark/custodex/pkg/event"
)

// TokenConfig is fixed at deployment
type TokenConfig struct {
	Name        string
	Symbol      string
	Decimals    uint8
	TotalSupply *uint256.Int
}

// Token is one fungible asset: a fixed supply minted to the deployer, holder
// balances and a per-owner/per-spender allowance table.
// Invariant: sum(balances) == totalSupply.
type Token struct {
	mu         sync.RWMutex
	address    common.Address
	cfg        TokenConfig
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	journal    *event.Journal
}

var _ asset.Ledger = (*Token)(nil)

// NewToken deploys a token at addr and credits the whole supply to deployer.
// The mint is journaled as a Transfer from the null account.
func NewToken(addr, deployer common.Address, cfg TokenConfig, journal *event.Journal) (*Token, error) {
	if asset.IsNative(addr) {
		return nil, fmt.Errorf("%w: token address cannot be the native sentinel", asset.ErrRejectNativeAsset)
	}
	if deployer == (common.Address{}) {
		return nil, fmt.Errorf("%w: deployer is the null account", asset.ErrInvalidRecipient)
	}

	supply := asset.OrZero(cfg.TotalSupply)
	cfg.TotalSupply = supply

	t := &Token{
		address:    addr,
		cfg:        cfg,
		balances:   map[common.Address]*uint256.Int{deployer: supply.Clone()},
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
		journal:    journal,
	}
	t.emit(event.Transfer{From: common.Address{}, To: deployer, Value: supply.Clone()})
	return t, nil
}

func (t *Token) Address() common.Address   { return t.address }
func (t *Token) Name() string              { return t.cfg.Name }
func (t *Token) Symbol() string            { return t.cfg.Symbol }
func (t *Token) Decimals() uint8           { return t.cfg.Decimals }
func (t *Token) TotalSupply() *uint256.Int { return t.cfg.TotalSupply.Clone() }

// BalanceOf returns the holder's balance (zero for unknown holders)
func (t *Token) BalanceOf(holder common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return asset.OrZero(t.balances[holder])
}

// Allowance returns how much spender may still move out of owner's balance
func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return asset.OrZero(t.allowances[owner][spender])
}

// Transfer moves amount from `from` (the caller) to `to`
func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return asset.ErrNilAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.move(from, to, amount); err != nil {
		return err
	}
	t.emit(event.Transfer{From: from, To: to, Value: amount.Clone()})
	return nil
}

// Approve overwrites the allowance of spender over owner's balance
func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if amount == nil {
		return asset.ErrNilAmount
	}
	if spender == (common.Address{}) {
		return fmt.Errorf("%w: spender is the null account", asset.ErrInvalidSpender)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.setAllowance(owner, spender, amount.Clone())
	t.emit(event.Approval{Owner: owner, Spender: spender, Value: amount.Clone()})
	return nil
}

// TransferFrom moves amount from `from` to `to` on behalf of spender and
// decrements the allowance. The remaining allowance is journaled as an Approval.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return asset.ErrNilAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if bal := asset.OrZero(t.balances[from]); bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, need %s", asset.ErrInsufficientBalance, from.Hex(), bal.Dec(), amount.Dec())
	}
	allowed := asset.OrZero(t.allowances[from][spender])
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s may spend %s of %s, need %s",
			asset.ErrInsufficientAllowance, spender.Hex(), allowed.Dec(), from.Hex(), amount.Dec())
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}

	remaining := new(uint256.Int).Sub(allowed, amount)
	t.setAllowance(from, spender, remaining)

	t.emit(event.Transfer{From: from, To: to, Value: amount.Clone()})
	t.emit(event.Approval{Owner: from, Spender: spender, Value: remaining.Clone()})
	return nil
}

// Holder is one non-zero balance entry
type Holder struct {
	Address common.Address
	Balance *uint256.Int
}

// Holders returns all non-zero balances sorted by address
func (t *Token) Holders() []Holder {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Holder, 0, len(t.balances))
	for addr, bal := range t.balances {
		if bal.IsZero() {
			continue
		}
		out = append(out, Holder{Address: addr, Balance: bal.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

// Check verifies sum(balances) == totalSupply
func (t *Token) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sum := new(uint256.Int)
	for addr, bal := range t.balances {
		var overflow bool
		if sum, overflow = sum.AddOverflow(sum, bal); overflow {
			return fmt.Errorf("%s: balance sum overflows at %s", t.cfg.Symbol, addr.Hex())
		}
	}
	if !sum.Eq(t.cfg.TotalSupply) {
		return fmt.Errorf("%s: balances sum to %s, total supply is %s", t.cfg.Symbol, sum.Dec(), t.cfg.TotalSupply.Dec())
	}
	return nil
}

// move debits `from` and credits `to`, both or neither (assumes lock is held)
func (t *Token) move(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: recipient is the null account", asset.ErrInvalidRecipient)
	}
	fromBal := asset.OrZero(t.balances[from])
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, need %s", asset.ErrInsufficientBalance, from.Hex(), fromBal.Dec(), amount.Dec())
	}

	t.balances[from] = fromBal.Sub(fromBal, amount)
	// Cannot overflow: the credited sum is bounded by totalSupply
	toBal := asset.OrZero(t.balances[to])
	t.balances[to] = toBal.Add(toBal, amount)
	return nil
}

func (t *Token) setAllowance(owner, spender common.Address, amount *uint256.Int) {
	byOwner, ok := t.allowances[owner]
	if !ok {
		byOwner = make(map[common.Address]*uint256.Int)
		t.allowances[owner] = byOwner
	}
	byOwner[spender] = amount
}

func (t *Token) emit(p event.Payload) {
	if t.journal != nil {
		t.journal.Emit(t.address, p)
	}
}
