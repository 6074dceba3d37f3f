// Package dex is the node application: it owns the exchange state, turns
// mempool transactions into blocks, persists them and rebuilds state from
// stored blocks on restart.
package dex

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/mempool"
	"github.com/uhyunpark/custodex/pkg/crypto"
	"github.com/uhyunpark/custodex/pkg/event"
	"github.com/uhyunpark/custodex/pkg/exchange"
	"github.com/uhyunpark/custodex/pkg/ledger"
	"github.com/uhyunpark/custodex/pkg/storage"
	"github.com/uhyunpark/custodex/pkg/tx"
	"github.com/uhyunpark/custodex/pkg/util"
)

type Config struct {
	Genesis          Genesis
	BlockTime        time.Duration
	MaxBlockBytes    int64
	ReceiptCacheSize int
	JournalRetain    int
}

// App executes blocks sequentially. mu serializes block execution with
// submission and reads of the nonce table.
type App struct {
	mu        sync.Mutex
	produceMu sync.Mutex // one block in flight, committed in height order

	cfg      Config
	logger   *zap.Logger
	mempool  *mempool.Mempool
	store    storage.BlockStore
	txlog    storage.TxLog
	verifier *tx.Verifier
	receipts *lru.Cache[common.Hash, *Receipt]
	wall     util.Clock

	st            *state
	pending       map[common.Hash]struct{}
	height        uint64
	lastTimestamp int64
	lastHash      [32]byte
	halted        error // set once a block breaks an invariant

	// OnEvent runs for every event of a committed block, in order
	OnEvent func(ev event.Event)

	// OnBlockCommit runs after a block and its events were persisted
	OnBlockCommit func(height uint64, hash [32]byte, receipts []*Receipt)
}

// NewApp builds genesis state. A nil store keeps blocks in memory, a nil
// txlog discards the submission log. Call Replay before serving to apply
// blocks already in the store.
func NewApp(cfg Config, store storage.BlockStore, txlog storage.TxLog, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = storage.NewInMemoryBlockStore()
	}
	if txlog == nil {
		txlog = storage.NewNopWAL()
	}
	if cfg.ReceiptCacheSize <= 0 {
		cfg.ReceiptCacheSize = 1024
	}

	st, err := buildState(cfg.Genesis, cfg.JournalRetain, logger)
	if err != nil {
		return nil, err
	}
	receipts, err := lru.New[common.Hash, *Receipt](cfg.ReceiptCacheSize)
	if err != nil {
		return nil, fmt.Errorf("receipt cache: %w", err)
	}

	domain := crypto.DefaultDomain(cfg.Genesis.ChainID, st.exchange.Address())
	a := &App{
		cfg:      cfg,
		logger:   logger,
		mempool:  mempool.NewMempool(),
		store:    store,
		txlog:    txlog,
		verifier: tx.NewVerifier(domain),
		receipts: receipts,
		wall:     util.RealClock{},
		st:       st,
		pending:  make(map[common.Hash]struct{}),
	}

	// genesis mints; keys are sequence numbers so rewriting is harmless
	if err := store.SaveEvents(st.journal.Since(0, 0)); err != nil {
		return nil, fmt.Errorf("persist genesis events: %w", err)
	}
	logger.Info("genesis_initialized",
		zap.String("exchange", st.exchange.Address().Hex()),
		zap.Int("tokens", len(cfg.Genesis.Tokens)),
		zap.Uint64("fee_percent", cfg.Genesis.FeePercent),
	)
	return a, nil
}

// SetWallClock replaces the clock that paces Run and stamps new blocks
func (a *App) SetWallClock(c util.Clock) { a.wall = c }

// SubmitTx checks a raw transaction and queues it for the next block.
// Balance and order rules are only checked at execution.
func (a *App) SubmitTx(raw []byte) (common.Hash, error) {
	t, err := tx.Parse(raw)
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := a.verifier.Verify(t); err != nil {
		return common.Hash{}, err
	}
	hash := t.Hash()

	a.mu.Lock()
	defer a.mu.Unlock()

	if last := a.st.nonces[t.Action.Sender]; t.Action.Nonce <= last {
		return common.Hash{}, fmt.Errorf("%w: nonce %d, last %d", ErrStaleNonce, t.Action.Nonce, last)
	}
	if _, dup := a.pending[hash]; dup {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrDuplicateTx, hash.Hex())
	}
	if err := a.txlog.Append(raw); err != nil {
		return common.Hash{}, err
	}
	a.pending[hash] = struct{}{}
	bucket := a.mempool.PushRaw(raw)
	a.logger.Debug("tx_accepted", zap.String("hash", hash.Hex()), zap.String("type", string(t.Type)), zap.Stringer("bucket", bucket))
	return hash, nil
}

// BlockResult is the outcome of FinalizeBlock
type BlockResult struct {
	Height    uint64
	Timestamp int64
	Receipts  []*Receipt
	StateHash [32]byte
}

// FinalizeBlock applies txs in order at the given height and returns the
// receipts and the resulting state hash. It does not persist anything.
func (a *App) FinalizeBlock(height uint64, timestamp int64, txs [][]byte) (BlockResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalizeLocked(height, timestamp, txs)
}

func (a *App) finalizeLocked(height uint64, timestamp int64, txs [][]byte) (BlockResult, error) {
	if a.halted != nil {
		return BlockResult{}, a.halted
	}
	if height != a.height+1 {
		return BlockResult{}, fmt.Errorf("%w: at %d, got %d", ErrHeight, a.height, height)
	}
	if timestamp < a.lastTimestamp {
		timestamp = a.lastTimestamp
	}
	a.st.clock.Set(time.Unix(timestamp, 0))

	res := BlockResult{Height: height, Timestamp: timestamp}
	fills := 0
	for i, raw := range txs {
		r := a.applyTx(a.st, raw)
		r.Height, r.Index = height, i
		if r.Type == tx.TypeFillOrder && r.Status == StatusOK {
			fills++
		}
		res.Receipts = append(res.Receipts, r)
		delete(a.pending, r.Hash)
	}

	if err := a.checkInvariants(); err != nil {
		// txs already mutated state; nothing may execute on top of it
		a.halted = fmt.Errorf("%w at height %d: %v", ErrHalted, height, err)
		a.logger.Error("invariant_violated", zap.Uint64("height", height), zap.Error(err))
		return BlockResult{}, a.halted
	}

	res.StateHash = a.computeStateHash(height, timestamp)
	a.height, a.lastTimestamp, a.lastHash = height, timestamp, res.StateHash
	for _, r := range res.Receipts {
		a.receipts.Add(r.Hash, r)
	}

	if len(txs) > 0 {
		a.logger.Info("block_finalized",
			zap.Uint64("height", height),
			zap.Int("txs", len(txs)),
			zap.Int("fills", fills),
			zap.String("apphash", fmt.Sprintf("0x%x", res.StateHash[:])),
		)
	}
	return res, nil
}

func (a *App) checkInvariants() error {
	if err := a.st.exchange.CheckSolvency(); err != nil {
		return err
	}
	for _, tok := range a.st.registry.Tokens() {
		if err := tok.Check(); err != nil {
			return err
		}
	}
	return nil
}

// ProduceBlock drains the mempool into a new block, executes and persists
// it. It returns false when there was nothing to do.
func (a *App) ProduceBlock() (BlockResult, bool, error) {
	a.produceMu.Lock()
	defer a.produceMu.Unlock()

	txs := a.mempool.SelectForProposal(a.cfg.MaxBlockBytes)
	if len(txs) == 0 {
		return BlockResult{}, false, nil
	}

	a.mu.Lock()
	res, err := a.finalizeLocked(a.height+1, a.wall.Now().Unix(), txs)
	a.mu.Unlock()
	if err != nil {
		return BlockResult{}, false, err
	}

	if err := a.commit(res, txs); err != nil {
		return res, true, err
	}
	return res, true, nil
}

func (a *App) commit(res BlockResult, txs [][]byte) error {
	block := storage.Block{Height: res.Height, Timestamp: res.Timestamp, Txs: txs, StateHash: res.StateHash}
	if err := a.store.SaveBlock(block); err != nil {
		return fmt.Errorf("save block %d: %w", res.Height, err)
	}

	var evs []event.Event
	for _, r := range res.Receipts {
		evs = append(evs, r.Events...)
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode receipt: %w", err)
		}
		if err := a.store.SaveReceipt(r.Hash, data); err != nil {
			return err
		}
	}
	if err := a.store.SaveEvents(evs); err != nil {
		return fmt.Errorf("save events: %w", err)
	}

	if a.OnEvent != nil {
		for _, ev := range evs {
			a.OnEvent(ev)
		}
	}
	if a.OnBlockCommit != nil {
		a.OnBlockCommit(res.Height, res.StateHash, res.Receipts)
	}
	return nil
}

// Replay re-executes every stored block on top of genesis and checks that
// each reproduces its recorded state hash.
func (a *App) Replay() (uint64, error) {
	last, err := a.store.LastHeight()
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for h := a.height + 1; h <= last; h++ {
		b, ok, err := a.store.GetBlock(h)
		if err != nil {
			return a.height, err
		}
		if !ok {
			return a.height, fmt.Errorf("block %d missing from store", h)
		}
		res, err := a.finalizeLocked(b.Height, b.Timestamp, b.Txs)
		if err != nil {
			return a.height, fmt.Errorf("replay block %d: %w", h, err)
		}
		if res.StateHash != b.StateHash {
			return a.height, fmt.Errorf("%w: height %d", ErrStateMismatch, h)
		}
	}
	if last > 0 {
		a.logger.Info("replay_complete", zap.Uint64("height", a.height))
	}
	return a.height, nil
}

// Accessors for the API layer. The returned components are safe for
// concurrent reads.

func (a *App) Exchange() *exchange.Exchange { return a.st.exchange }
func (a *App) Registry() *ledger.Registry   { return a.st.registry }
func (a *App) Bank() *ledger.Bank           { return a.st.bank }
func (a *App) Domain() crypto.Domain        { return a.verifier.Domain() }

func (a *App) Height() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.height
}

func (a *App) LastStateHash() [32]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastHash
}

// Nonce returns the last nonce used by addr, 0 if none
func (a *App) Nonce(addr common.Address) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st.nonces[addr]
}

func (a *App) PendingTxs() int { return a.mempool.Len() }

// Receipt looks up a receipt in the cache, then in the store. A queued
// transaction yields a pending receipt.
func (a *App) Receipt(hash common.Hash) (*Receipt, bool, error) {
	if r, ok := a.receipts.Get(hash); ok {
		return r, true, nil
	}

	a.mu.Lock()
	_, pending := a.pending[hash]
	a.mu.Unlock()
	if pending {
		return &Receipt{Hash: hash, Status: StatusPending}, true, nil
	}

	data, ok, err := a.store.GetReceipt(hash)
	if err != nil || !ok {
		return nil, false, err
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("decode receipt: %w", err)
	}
	a.receipts.Add(hash, &r)
	return &r, true, nil
}

// Events pages through persisted events
func (a *App) Events(after uint64, limit int) ([]event.Event, error) {
	return a.store.Events(after, limit)
}
