// Package asset defines the identifiers, amounts and capabilities shared by the
// token ledgers and the exchange core.
package asset

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Native is the reserved identifier for the chain-level value unit.
// It never refers to a token ledger.
var Native = common.Address{}

// IsNative reports whether id is the native-asset sentinel
func IsNative(id common.Address) bool {
	return id == Native
}

// Ledger is the fungible-token capability the exchange relies on.
// All amounts are uint256 values, mirroring EVM token contracts.
type Ledger interface {
	Address() common.Address
	Symbol() string
	BalanceOf(holder common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	Transfer(from, to common.Address, amount *uint256.Int) error
	Approve(owner, spender common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

// Ledgers resolves an asset identifier to its token ledger.
// Resolving Native must fail with ErrRejectNativeAsset.
type Ledgers interface {
	Ledger(id common.Address) (Ledger, error)
}

// NativeVault moves native value in and out of a single holder (the exchange).
type NativeVault interface {
	// Receive accepts value sent along with a payable call from `from`.
	Receive(from common.Address, amount *uint256.Int) error
	// Send pays value out to `to`. It fails if the recipient cannot accept it.
	Send(to common.Address, amount *uint256.Int) error
	// Held returns the native value currently held.
	Held() *uint256.Int
}

// Zero returns a fresh zero amount
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// OrZero returns a copy of v, or zero when v is nil
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// ParseAmount parses a decimal or 0x-prefixed hex amount
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err := uint256.FromHex(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex amount %q: %w", s, err)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// Units scales a whole number of units by 10^decimals (tokens(10) with 18 decimals = 10e18)
func Units(n uint64, decimals uint8) *uint256.Int {
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	return new(uint256.Int).Mul(uint256.NewInt(n), scale)
}

// Add returns a+b, failing with ErrAmountOverflow instead of wrapping
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrAmountOverflow, a.Dec(), b.Dec())
	}
	return sum, nil
}
