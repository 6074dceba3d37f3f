package dex

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/tx"
)

var (
	ErrStaleNonce    = errors.New("nonce already used")
	ErrDuplicateTx   = errors.New("transaction already pending")
	ErrHeight        = errors.New("unexpected block height")
	ErrStateMismatch = errors.New("replayed state hash differs from stored block")
	ErrHalted        = errors.New("node halted after invariant violation")
)

// applyTx executes one raw transaction against s and returns its receipt.
// Signature and nonce failures reject the tx without consuming the nonce.
func (a *App) applyTx(s *state, raw []byte) *Receipt {
	t, err := tx.Parse(raw)
	if err != nil {
		return &Receipt{Hash: rawHash(raw), Status: StatusRejected, Code: Code(err), Error: err.Error()}
	}
	r := &Receipt{Hash: t.Hash(), Type: t.Type, Sender: t.Action.Sender, Nonce: t.Action.Nonce}

	if _, err := a.verifier.Verify(t); err != nil {
		r.Status, r.Code, r.Error = StatusRejected, Code(err), err.Error()
		return r
	}
	if t.Action.Nonce <= s.nonces[t.Action.Sender] {
		err := fmt.Errorf("%w: nonce %d, last %d", ErrStaleNonce, t.Action.Nonce, s.nonces[t.Action.Sender])
		r.Status, r.Code, r.Error = StatusRejected, Code(err), err.Error()
		return r
	}
	s.nonces[t.Action.Sender] = t.Action.Nonce

	before := s.journal.Seq()
	if err := a.execute(s, t, r); err != nil {
		r.Status, r.Code, r.Error = StatusFailed, Code(err), err.Error()
		a.logger.Debug("tx_failed",
			zap.String("type", string(t.Type)),
			zap.String("sender", t.Action.Sender.Hex()),
			zap.String("code", r.Code),
			zap.Error(err),
		)
	} else {
		r.Status = StatusOK
	}
	r.Events = s.journal.Since(before, 0)
	return r
}

func (a *App) execute(s *state, t *tx.Transaction, r *Receipt) error {
	act := &t.Action
	ex := s.exchange

	switch t.Type {
	case tx.TypeDepositNative:
		return ex.DepositNative(act.Sender, act.Amount)
	case tx.TypeWithdrawNative:
		return ex.WithdrawNative(act.Sender, act.Amount)
	case tx.TypeDepositToken:
		return ex.DepositToken(act.Asset, act.Sender, act.Amount)
	case tx.TypeWithdrawToken:
		return ex.WithdrawToken(act.Asset, act.Sender, act.Amount)

	case tx.TypeMakeOrder:
		o, err := ex.MakeOrder(act.Sender, act.WantAsset, act.WantAmount, act.OfferAsset, act.OfferAmount)
		if err != nil {
			return err
		}
		r.OrderID = o.ID
		return nil
	case tx.TypeCancelOrder:
		r.OrderID = act.OrderID
		return ex.CancelOrder(act.OrderID, act.Sender)
	case tx.TypeFillOrder:
		r.OrderID = act.OrderID
		return ex.FillOrder(act.OrderID, act.Sender)

	case tx.TypeTokenTransfer:
		tok, err := s.registry.Token(act.Asset)
		if err != nil {
			return err
		}
		return tok.Transfer(act.Sender, act.To, act.Amount)
	case tx.TypeTokenApprove:
		tok, err := s.registry.Token(act.Asset)
		if err != nil {
			return err
		}
		return tok.Approve(act.Sender, act.Spender, act.Amount)
	case tx.TypeTokenTransferFrom:
		tok, err := s.registry.Token(act.Asset)
		if err != nil {
			return err
		}
		return tok.TransferFrom(act.Sender, act.From, act.To, act.Amount)
	case tx.TypeSendNative:
		return s.bank.Transfer(act.Sender, act.To, act.Amount)
	}
	return fmt.Errorf("%w: unsupported type %q", tx.ErrMalformed, t.Type)
}

func rawHash(raw []byte) common.Hash {
	return crypto.Keccak256Hash(raw)
}
