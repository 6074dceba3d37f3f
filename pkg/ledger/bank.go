package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/asset"
)

// Receiver is implemented by accounts that run code when plain native value
// is sent to them. Returning an error rejects the transfer.
type Receiver interface {
	ReceiveNative(from common.Address, amount *uint256.Int) error
}

// Bank holds native-asset balances for every account on the host chain
type Bank struct {
	mu        sync.RWMutex
	balances  map[common.Address]*uint256.Int
	receivers map[common.Address]Receiver
}

func NewBank() *Bank {
	return &Bank{
		balances:  make(map[common.Address]*uint256.Int),
		receivers: make(map[common.Address]Receiver),
	}
}

// Credit mints native value to addr (genesis allocation)
func (b *Bank) Credit(addr common.Address, amount *uint256.Int) error {
	if amount == nil {
		return asset.ErrNilAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sum, err := asset.Add(asset.OrZero(b.balances[addr]), amount)
	if err != nil {
		return err
	}
	b.balances[addr] = sum
	return nil
}

// BalanceOf returns the native balance of addr
func (b *Bank) BalanceOf(addr common.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return asset.OrZero(b.balances[addr])
}

// Holders returns all non-zero native balances sorted by address
func (b *Bank) Holders() []Holder {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Holder, 0, len(b.balances))
	for addr, bal := range b.balances {
		if !bal.IsZero() {
			out = append(out, Holder{Address: addr, Balance: bal.Clone()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

// SetReceiver installs the receive hook for addr
func (b *Bank) SetReceiver(addr common.Address, r Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receivers[addr] = r
}

// Transfer is a plain value transfer. The recipient's receive hook runs
// first and may reject it.
func (b *Bank) Transfer(from, to common.Address, amount *uint256.Int) error {
	if err := b.notify(from, to, amount); err != nil {
		return err
	}
	return b.move(from, to, amount)
}

// Custody returns the native vault of holder
func (b *Bank) Custody(holder common.Address) *Custody {
	return &Custody{bank: b, holder: holder}
}

func (b *Bank) notify(from, to common.Address, amount *uint256.Int) error {
	b.mu.RLock()
	r, ok := b.receivers[to]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := r.ReceiveNative(from, amount); err != nil {
		return fmt.Errorf("recipient %s rejected native transfer: %w", to.Hex(), err)
	}
	return nil
}

func (b *Bank) move(from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return asset.ErrNilAmount
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: recipient is the null account", asset.ErrInvalidRecipient)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fromBal := asset.OrZero(b.balances[from])
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s native, need %s", asset.ErrInsufficientBalance, from.Hex(), fromBal.Dec(), amount.Dec())
	}
	b.balances[from] = fromBal.Sub(fromBal, amount)
	toBal := asset.OrZero(b.balances[to])
	b.balances[to] = toBal.Add(toBal, amount)
	return nil
}

// Custody is the native vault of a single holder
type Custody struct {
	bank   *Bank
	holder common.Address
}

var _ asset.NativeVault = (*Custody)(nil)

// Receive takes value attached to a payable call. The holder's receive hook
// is skipped: the call itself accounts for the value.
func (c *Custody) Receive(from common.Address, amount *uint256.Int) error {
	return c.bank.move(from, c.holder, amount)
}

// Send pays value out of the holder, subject to the recipient's receive hook
func (c *Custody) Send(to common.Address, amount *uint256.Int) error {
	return c.bank.Transfer(c.holder, to, amount)
}

// Held returns the holder's native balance
func (c *Custody) Held() *uint256.Int {
	return c.bank.BalanceOf(c.holder)
}
