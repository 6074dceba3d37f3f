package dex

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultBlockTime = 200 * time.Millisecond

// Run produces a block every BlockTime while the mempool has work, until
// ctx is cancelled or a block fails to persist.
func (a *App) Run(ctx context.Context) error {
	interval := a.cfg.BlockTime
	if interval <= 0 {
		interval = defaultBlockTime
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.wall.After(interval):
		}

		res, produced, err := a.ProduceBlock()
		if err != nil {
			a.logger.Error("block_failed", zap.Uint64("height", res.Height), zap.Error(err))
			return err
		}
		if produced {
			a.logger.Debug("block_committed", zap.Uint64("height", res.Height), zap.Int("txs", len(res.Receipts)))
		}
	}
}
