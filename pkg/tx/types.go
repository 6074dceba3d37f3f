// Package tx defines the signed transactions accepted by the node and their
// EIP-712 encoding.
package tx

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Type names the operation a transaction performs
type Type string

const (
	TypeDepositNative     Type = "deposit_native"
	TypeWithdrawNative    Type = "withdraw_native"
	TypeDepositToken      Type = "deposit_token"
	TypeWithdrawToken     Type = "withdraw_token"
	TypeMakeOrder         Type = "make_order"
	TypeCancelOrder       Type = "cancel_order"
	TypeFillOrder         Type = "fill_order"
	TypeTokenTransfer     Type = "token_transfer"
	TypeTokenApprove      Type = "token_approve"
	TypeTokenTransferFrom Type = "token_transfer_from"
	TypeSendNative        Type = "send_native"
)

var ErrMalformed = errors.New("malformed transaction")

// Action is the signed body of a transaction. Only the fields used by Type
// are meaningful; the rest stay zero and are still covered by the signature.
type Action struct {
	Sender      common.Address `json:"sender"`
	Nonce       uint64         `json:"nonce"`
	Asset       common.Address `json:"asset"`
	Amount      *uint256.Int   `json:"amount,omitempty"`
	WantAsset   common.Address `json:"wantAsset"`
	WantAmount  *uint256.Int   `json:"wantAmount,omitempty"`
	OfferAsset  common.Address `json:"offerAsset"`
	OfferAmount *uint256.Int   `json:"offerAmount,omitempty"`
	OrderID     uint64         `json:"orderId,omitempty"`
	To          common.Address `json:"to"`
	Spender     common.Address `json:"spender"`
	From        common.Address `json:"from"`
}

// Transaction is the wire envelope submitted to the node
type Transaction struct {
	Type      Type          `json:"type"`
	Action    Action        `json:"action"`
	Signature hexutil.Bytes `json:"signature"`
}

// Hash identifies a transaction: keccak256 of its JSON encoding
func (t *Transaction) Hash() common.Hash {
	b, err := json.Marshal(t)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(b)
}

func (t *Transaction) Serialize() ([]byte, error) {
	return json.Marshal(t)
}

// Parse decodes and validates a JSON transaction
func Parse(data []byte) (*Transaction, error) {
	var t Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks that the fields Type needs are present. Domain rules
// (native asset rejection, balances) are left to execution.
func (t *Transaction) Validate() error {
	if len(t.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	if t.Action.Sender == (common.Address{}) {
		return fmt.Errorf("%w: missing sender", ErrMalformed)
	}

	a := &t.Action
	switch t.Type {
	case TypeDepositNative, TypeWithdrawNative:
		return require(t.Type, "amount", a.Amount != nil)
	case TypeDepositToken, TypeWithdrawToken:
		return require(t.Type, "amount", a.Amount != nil)
	case TypeMakeOrder:
		if err := require(t.Type, "wantAmount", a.WantAmount != nil); err != nil {
			return err
		}
		return require(t.Type, "offerAmount", a.OfferAmount != nil)
	case TypeCancelOrder, TypeFillOrder:
		return nil
	case TypeTokenTransfer, TypeSendNative:
		return require(t.Type, "amount", a.Amount != nil)
	case TypeTokenApprove:
		return require(t.Type, "amount", a.Amount != nil)
	case TypeTokenTransferFrom:
		return require(t.Type, "amount", a.Amount != nil)
	case "":
		return fmt.Errorf("%w: missing transaction type", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown transaction type %q", ErrMalformed, t.Type)
	}
}

func require(typ Type, field string, ok bool) error {
	if !ok {
		return fmt.Errorf("%w: %s requires %s", ErrMalformed, typ, field)
	}
	return nil
}

// IsOrderFlow reports whether t touches the order book
func (t *Transaction) IsOrderFlow() bool {
	return t.Type == TypeMakeOrder || t.Type == TypeFillOrder || t.Type == TypeCancelOrder
}
