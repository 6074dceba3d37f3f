package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/asset"
	"github.com/uhyunpark/custodex/pkg/event"
)

// Fee returns amountWanted * feePercent / 100, truncated
func (e *Exchange) Fee(amountWanted *uint256.Int) (*uint256.Int, error) {
	return fee(amountWanted, e.cfg.FeePercent)
}

func fee(amountWanted *uint256.Int, percent uint64) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(amountWanted, uint256.NewInt(percent))
	if overflow {
		return nil, fmt.Errorf("%w: fee on %s", asset.ErrAmountOverflow, amountWanted.Dec())
	}
	return product.Div(product, uint256.NewInt(100)), nil
}

// FillOrder settles the whole order against filler. The filler pays
// amountWanted plus the fee in assetWanted, the creator pays amountOffered in
// assetOffered. Either every balance moves or none does.
func (e *Exchange) FillOrder(id uint64, filler common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if err := e.checkOpen(id); err != nil {
		return err
	}

	feeAmount, err := e.settle(o, filler)
	if err != nil {
		return fmt.Errorf("settle order %d: %w", id, err)
	}
	e.filled[id] = struct{}{}

	e.emit(event.Trade{
		ID:            o.ID,
		User:          o.Creator,
		AssetWanted:   o.AssetWanted,
		AmountWanted:  o.AmountWanted.Clone(),
		AssetOffered:  o.AssetOffered,
		AmountOffered: o.AmountOffered.Clone(),
		Filler:        filler,
		Fee:           feeAmount,
		Timestamp:     e.now(),
	})
	e.logger.Debug("order_filled",
		zap.Uint64("id", id),
		zap.String("creator", o.Creator.Hex()),
		zap.String("filler", filler.Hex()),
		zap.String("fee", feeAmount.Dec()),
	)
	return nil
}

// settle assumes e.mu is held. Nothing is written unless every step passes.
func (e *Exchange) settle(o *Order, filler common.Address) (*uint256.Int, error) {
	feeAmount, err := fee(o.AmountWanted, e.cfg.FeePercent)
	if err != nil {
		return nil, err
	}
	total, err := asset.Add(o.AmountWanted, feeAmount)
	if err != nil {
		return nil, err
	}

	btx := e.begin()
	if err := btx.debit(o.AssetWanted, filler, total); err != nil {
		return nil, err
	}
	if err := btx.credit(o.AssetWanted, o.Creator, o.AmountWanted); err != nil {
		return nil, err
	}
	if err := btx.credit(o.AssetWanted, e.cfg.FeeAccount, feeAmount); err != nil {
		return nil, err
	}
	if err := btx.debit(o.AssetOffered, o.Creator, o.AmountOffered); err != nil {
		return nil, err
	}
	if err := btx.credit(o.AssetOffered, filler, o.AmountOffered); err != nil {
		return nil, err
	}
	btx.commit()
	return feeAmount, nil
}
