// Package exchange implements the custodial exchange core: per-asset user
// balances held in custody, a resting order book with one-shot fills, and
// atomic trade settlement with a fee skimmed for the fee account.
package exchange

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/asset"
	"github.com/uhyunpark/custodex/pkg/event"
	"github.com/uhyunpark/custodex/pkg/util"
)

// Config is fixed for the lifetime of an exchange
type Config struct {
	Address    common.Address // the exchange's own account on the ledgers
	FeeAccount common.Address // receives trade fees
	FeePercent uint64         // whole percent of amountWanted, 0..100
}

// Exchange is the custodial ledger and order book. Every mutating operation
// runs under a single lock, so no two deposits, withdrawals or settlements
// interleave.
type Exchange struct {
	mu sync.RWMutex

	cfg     Config
	ledgers asset.Ledgers
	vault   asset.NativeVault
	journal *event.Journal
	clock   util.Clock
	logger  *zap.Logger

	// asset -> account -> custodial balance
	balances map[common.Address]map[common.Address]*uint256.Int

	orders     map[uint64]*Order
	orderCount uint64
	filled     map[uint64]struct{}
	cancelled  map[uint64]struct{}
}

// New creates an exchange. ledgers resolves token ids, vault holds the
// exchange's native value. A nil journal, clock or logger falls back to an
// unrecorded journal, the wall clock and a no-op logger.
func New(cfg Config, ledgers asset.Ledgers, vault asset.NativeVault, journal *event.Journal, clock util.Clock, logger *zap.Logger) (*Exchange, error) {
	if cfg.FeePercent > 100 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidFeePercent, cfg.FeePercent)
	}
	if ledgers == nil || vault == nil {
		return nil, fmt.Errorf("exchange requires a ledger registry and a native vault")
	}
	if journal == nil {
		journal = event.NewJournal(1)
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Exchange{
		cfg:       cfg,
		ledgers:   ledgers,
		vault:     vault,
		journal:   journal,
		clock:     clock,
		logger:    logger.With(zap.String("exchange", cfg.Address.Hex())),
		balances:  make(map[common.Address]map[common.Address]*uint256.Int),
		orders:    make(map[uint64]*Order),
		filled:    make(map[uint64]struct{}),
		cancelled: make(map[uint64]struct{}),
	}, nil
}

func (e *Exchange) Address() common.Address    { return e.cfg.Address }
func (e *Exchange) FeeAccount() common.Address { return e.cfg.FeeAccount }
func (e *Exchange) FeePercent() uint64         { return e.cfg.FeePercent }

// ReceiveNative is the fallback for plain native transfers to the exchange.
// It always rejects: value only enters through DepositNative, which keeps
// every held unit accounted for in a custodial balance.
func (e *Exchange) ReceiveNative(from common.Address, amount *uint256.Int) error {
	e.logger.Debug("native_fallback_rejected", zap.String("from", from.Hex()), zap.String("amount", amount.Dec()))
	return ErrNativeTransferRejected
}

// BalanceOf returns the custodial balance of account in assetID. Never fails.
func (e *Exchange) BalanceOf(assetID, account common.Address) *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return asset.OrZero(e.balances[assetID][account])
}

func (e *Exchange) now() int64 {
	return e.clock.Now().Unix()
}

func (e *Exchange) emit(p event.Payload) {
	e.journal.Emit(e.cfg.Address, p)
}
