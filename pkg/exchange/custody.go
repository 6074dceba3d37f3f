package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/asset"
	"github.com/uhyunpark/custodex/pkg/event"
)

// DepositNative receives amount of native value from `from` and credits it to
// their custodial balance. Receiving and crediting are one step: if the
// vault refuses the value nothing is credited.
func (e *Exchange) DepositNative(from common.Address, amount *uint256.Int) error {
	if amount == nil {
		return asset.ErrNilAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	btx := e.begin()
	if err := btx.credit(asset.Native, from, amount); err != nil {
		return err
	}
	if err := e.vault.Receive(from, amount); err != nil {
		return fmt.Errorf("receive native value: %w", err)
	}
	btx.commit()

	bal := btx.get(asset.Native, from)
	e.emit(event.Deposit{Asset: asset.Native, User: from, Amount: amount.Clone(), Balance: bal})
	e.logger.Debug("deposit", zap.String("asset", "native"), zap.String("user", from.Hex()), zap.String("amount", amount.Dec()))
	return nil
}

// WithdrawNative debits the custodial balance and pays the value back to
// `from`. It fails, leaving the balance untouched, when the payout fails.
func (e *Exchange) WithdrawNative(from common.Address, amount *uint256.Int) error {
	if amount == nil {
		return asset.ErrNilAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	btx := e.begin()
	if err := btx.debit(asset.Native, from, amount); err != nil {
		return err
	}
	if err := e.vault.Send(from, amount); err != nil {
		return fmt.Errorf("send native value: %w", err)
	}
	btx.commit()

	bal := btx.get(asset.Native, from)
	e.emit(event.Withdraw{Asset: asset.Native, User: from, Amount: amount.Clone(), Balance: bal})
	e.logger.Debug("withdraw", zap.String("asset", "native"), zap.String("user", from.Hex()), zap.String("amount", amount.Dec()))
	return nil
}

// DepositToken pulls amount of assetID from `from` with a delegated transfer
// and credits it. The caller must have approved the exchange beforehand.
func (e *Exchange) DepositToken(assetID, from common.Address, amount *uint256.Int) error {
	if asset.IsNative(assetID) {
		return asset.ErrRejectNativeAsset
	}
	if amount == nil {
		return asset.ErrNilAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ledger, err := e.ledgers.Ledger(assetID)
	if err != nil {
		return err
	}

	btx := e.begin()
	if err := btx.credit(assetID, from, amount); err != nil {
		return err
	}
	if err := ledger.TransferFrom(e.cfg.Address, from, e.cfg.Address, amount); err != nil {
		return err
	}
	btx.commit()

	bal := btx.get(assetID, from)
	e.emit(event.Deposit{Asset: assetID, User: from, Amount: amount.Clone(), Balance: bal})
	e.logger.Debug("deposit", zap.String("asset", ledger.Symbol()), zap.String("user", from.Hex()), zap.String("amount", amount.Dec()))
	return nil
}

// WithdrawToken debits the custodial balance and transfers amount of assetID
// from the exchange back to `from`.
func (e *Exchange) WithdrawToken(assetID, from common.Address, amount *uint256.Int) error {
	if asset.IsNative(assetID) {
		return asset.ErrRejectNativeAsset
	}
	if amount == nil {
		return asset.ErrNilAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ledger, err := e.ledgers.Ledger(assetID)
	if err != nil {
		return err
	}

	btx := e.begin()
	if err := btx.debit(assetID, from, amount); err != nil {
		return err
	}
	if err := ledger.Transfer(e.cfg.Address, from, amount); err != nil {
		return err
	}
	btx.commit()

	bal := btx.get(assetID, from)
	e.emit(event.Withdraw{Asset: assetID, User: from, Amount: amount.Clone(), Balance: bal})
	e.logger.Debug("withdraw", zap.String("asset", ledger.Symbol()), zap.String("user", from.Hex()), zap.String("amount", amount.Dec()))
	return nil
}
