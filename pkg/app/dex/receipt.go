package dex

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/custodex/pkg/asset"
	"github.com/uhyunpark/custodex/pkg/event"
	"github.com/uhyunpark/custodex/pkg/exchange"
	"github.com/uhyunpark/custodex/pkg/tx"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"   // included, nonce consumed, no state change
	StatusRejected Status = "rejected" // malformed, bad signature or stale nonce
)

// Receipt is the outcome of one transaction
type Receipt struct {
	Hash    common.Hash    `json:"hash"`
	Type    tx.Type        `json:"type"`
	Sender  common.Address `json:"sender"`
	Nonce   uint64         `json:"nonce"`
	Height  uint64         `json:"height"`
	Index   int            `json:"index"`
	Status  Status         `json:"status"`
	Code    string         `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
	OrderID uint64         `json:"orderId,omitempty"`
	Events  []event.Event  `json:"events,omitempty"`
}

var codes = []struct {
	err  error
	code string
}{
	{asset.ErrInsufficientBalance, "InsufficientBalance"},
	{asset.ErrInsufficientAllowance, "InsufficientAllowance"},
	{asset.ErrInvalidRecipient, "InvalidRecipient"},
	{asset.ErrInvalidSpender, "InvalidSpender"},
	{asset.ErrRejectNativeAsset, "RejectNativeAsset"},
	{asset.ErrUnknownAsset, "UnknownAsset"},
	{asset.ErrAmountOverflow, "AmountOverflow"},
	{asset.ErrNilAmount, "Malformed"},
	{exchange.ErrOrderNotFound, "OrderNotFound"},
	{exchange.ErrAlreadyFilled, "AlreadyFilled"},
	{exchange.ErrAlreadyCancelled, "AlreadyCancelled"},
	{exchange.ErrUnauthorized, "Unauthorized"},
	{exchange.ErrNativeTransferRejected, "NativeTransferRejected"},
	{tx.ErrMalformed, "Malformed"},
	{tx.ErrInvalidSignature, "InvalidSignature"},
	{tx.ErrSignerMismatch, "InvalidSignature"},
	{ErrStaleNonce, "StaleNonce"},
	{ErrDuplicateTx, "DuplicateTx"},
}

// Code maps an execution error to its stable name
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
