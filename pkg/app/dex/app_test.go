package dex

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/params"
	"github.com/uhyunpark/custodex/pkg/asset"
	"github.com/uhyunpark/custodex/pkg/crypto"
	"github.com/uhyunpark/custodex/pkg/event"
	"github.com/uhyunpark/custodex/pkg/exchange"
	"github.com/uhyunpark/custodex/pkg/ledger"
	"github.com/uhyunpark/custodex/pkg/storage"
	"github.com/uhyunpark/custodex/pkg/tx"
	"github.com/uhyunpark/custodex/pkg/util"
)

func tokens(n uint64) *uint256.Int { return asset.Units(n, 18) }
func ether(n uint64) *uint256.Int  { return asset.Units(n, 18) }

type harness struct {
	app      *App
	deployer *crypto.Signer
	user1    *crypto.Signer
	user2    *crypto.Signer
	fee      common.Address
	token    common.Address
	nonces   map[common.Address]uint64
}

func mustKey(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testGenesis(deployer, user1, user2, fee common.Address, feePercent uint64) Genesis {
	return Genesis{
		ChainID:    1337,
		Deployer:   deployer,
		FeeAccount: fee,
		FeePercent: feePercent,
		Tokens: []ledger.TokenConfig{
			{Name: "Hello, world.", Symbol: "HW", Decimals: 18, TotalSupply: tokens(100)},
		},
		Alloc: []params.Alloc{
			{Account: user1, Amount: ether(100)},
			{Account: user2, Amount: ether(100)},
		},
		Time: time.Unix(0, 0),
	}
}

func newHarness(t *testing.T, feePercent uint64, store storage.BlockStore) *harness {
	t.Helper()
	h := &harness{
		deployer: mustKey(t),
		user1:    mustKey(t),
		user2:    mustKey(t),
		fee:      common.HexToAddress("0xFEE0000000000000000000000000000000000000"),
		nonces:   make(map[common.Address]uint64),
	}
	h.startApp(t, testGenesis(h.deployer.Address(), h.user1.Address(), h.user2.Address(), h.fee, feePercent), store)
	h.token = TokenAddress(h.deployer.Address(), 0)
	return h
}

func (h *harness) startApp(t *testing.T, g Genesis, store storage.BlockStore) {
	t.Helper()
	app, err := NewApp(Config{Genesis: g, ReceiptCacheSize: 64}, store, nil, nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	app.SetWallClock(util.NewManualClock(time.Unix(1_700_000_000, 0)))
	h.app = app
}

func (h *harness) sign(t *testing.T, s *crypto.Signer, typ tx.Type, a tx.Action) []byte {
	t.Helper()
	h.nonces[s.Address()]++
	a.Nonce = h.nonces[s.Address()]
	txn := &tx.Transaction{Type: typ, Action: a}
	if err := tx.Sign(txn, s, h.app.Domain()); err != nil {
		t.Fatal(err)
	}
	raw, err := txn.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func (h *harness) submit(t *testing.T, s *crypto.Signer, typ tx.Type, a tx.Action) common.Hash {
	t.Helper()
	hash, err := h.app.SubmitTx(h.sign(t, s, typ, a))
	if err != nil {
		t.Fatalf("submit %s: %v", typ, err)
	}
	return hash
}

func (h *harness) block(t *testing.T) BlockResult {
	t.Helper()
	res, produced, err := h.app.ProduceBlock()
	if err != nil {
		t.Fatalf("produce block: %v", err)
	}
	if !produced {
		t.Fatal("no block produced")
	}
	return res
}

func expectOK(t *testing.T, res BlockResult) {
	t.Helper()
	for _, r := range res.Receipts {
		if r.Status != StatusOK {
			t.Fatalf("tx %d (%s) status %s: %s", r.Index, r.Type, r.Status, r.Error)
		}
	}
}

// fund gives user n tokens from the deployer and deposits them on the exchange
func (h *harness) fund(t *testing.T, user *crypto.Signer, n *uint256.Int) {
	t.Helper()
	ex := h.app.Exchange().Address()
	h.submit(t, h.deployer, tx.TypeTokenTransfer, tx.Action{Asset: h.token, To: user.Address(), Amount: n})
	h.submit(t, user, tx.TypeTokenApprove, tx.Action{Asset: h.token, Spender: ex, Amount: n})
	h.submit(t, user, tx.TypeDepositToken, tx.Action{Asset: h.token, Amount: n})
	expectOK(t, h.block(t))
}

func TestGenesisAddresses(t *testing.T) {
	h := newHarness(t, 10, nil)
	ex := h.app.Exchange()
	if ex.Address() != ExchangeAddress(h.deployer.Address(), 1) {
		t.Errorf("exchange address = %s", ex.Address().Hex())
	}
	if ex.FeePercent() != 10 || ex.FeeAccount() != h.fee {
		t.Errorf("fee config = %d %s", ex.FeePercent(), ex.FeeAccount().Hex())
	}
	tok, err := h.app.Registry().Token(h.token)
	if err != nil {
		t.Fatal(err)
	}
	if !tok.BalanceOf(h.deployer.Address()).Eq(tokens(100)) {
		t.Errorf("deployer supply = %s", tok.BalanceOf(h.deployer.Address()).Dec())
	}
	if !h.app.Bank().BalanceOf(h.user1.Address()).Eq(ether(100)) {
		t.Errorf("user1 native = %s", h.app.Bank().BalanceOf(h.user1.Address()).Dec())
	}
}

func TestGenesisFromParams(t *testing.T) {
	cfg := params.Default()
	g := GenesisFromParams(cfg)
	if len(g.Tokens) != 1 || !g.Tokens[0].TotalSupply.Eq(asset.Units(cfg.Tokens[0].Supply, cfg.Tokens[0].Decimals)) {
		t.Errorf("tokens = %+v", g.Tokens)
	}
	if g.FeePercent != cfg.Exchange.FeePercent || g.Deployer != cfg.Exchange.Deployer {
		t.Errorf("genesis = %+v", g)
	}
}

func TestDepositedTokensAreCustodied(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.fund(t, h.user1, tokens(10))

	ex := h.app.Exchange()
	if got := ex.BalanceOf(h.token, h.user1.Address()); !got.Eq(tokens(10)) {
		t.Errorf("custodial balance = %s", got.Dec())
	}
	tok, _ := h.app.Registry().Token(h.token)
	if got := tok.BalanceOf(ex.Address()); !got.Eq(tokens(10)) {
		t.Errorf("exchange token holdings = %s", got.Dec())
	}
}

func TestNativeDepositWithdrawThroughBlocks(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.submit(t, h.user1, tx.TypeDepositNative, tx.Action{Amount: ether(1)})
	expectOK(t, h.block(t))

	over := h.submit(t, h.user1, tx.TypeWithdrawNative, tx.Action{Amount: ether(100)})
	h.submit(t, h.user1, tx.TypeWithdrawNative, tx.Action{Amount: ether(1)})
	res := h.block(t)

	if r := res.Receipts[0]; r.Hash != over || r.Status != StatusFailed || r.Code != "InsufficientBalance" {
		t.Errorf("overdraw receipt = %+v", r)
	}
	if r := res.Receipts[1]; r.Status != StatusOK || len(r.Events) != 1 || r.Events[0].Kind != event.KindWithdraw {
		t.Errorf("withdraw receipt = %+v", r)
	}
	if got := h.app.Exchange().BalanceOf(asset.Native, h.user1.Address()); !got.IsZero() {
		t.Errorf("custodial native = %s", got.Dec())
	}
	if got := h.app.Bank().BalanceOf(h.user1.Address()); !got.Eq(ether(100)) {
		t.Errorf("user1 native = %s", got.Dec())
	}
}

func TestTradeWithFee(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.submit(t, h.user1, tx.TypeDepositNative, tx.Action{Amount: ether(1)})
	expectOK(t, h.block(t))
	h.fund(t, h.user2, tokens(2))

	h.submit(t, h.user1, tx.TypeMakeOrder, tx.Action{
		WantAsset:   h.token,
		WantAmount:  tokens(1),
		OfferAsset:  asset.Native,
		OfferAmount: ether(1),
	})
	res := h.block(t)
	expectOK(t, res)
	id := res.Receipts[0].OrderID
	if id != 1 {
		t.Fatalf("order id = %d", id)
	}

	h.submit(t, h.user2, tx.TypeFillOrder, tx.Action{OrderID: id})
	res = h.block(t)
	expectOK(t, res)

	ex := h.app.Exchange()
	hundredth := new(uint256.Int).Div(tokens(1), uint256.NewInt(100))
	checks := []struct {
		name    string
		asset   common.Address
		account common.Address
		want    *uint256.Int
	}{
		{"user1 native", asset.Native, h.user1.Address(), asset.Zero()},
		{"user1 token", h.token, h.user1.Address(), tokens(1)},
		{"user2 native", asset.Native, h.user2.Address(), ether(1)},
		{"user2 token", h.token, h.user2.Address(), new(uint256.Int).Sub(tokens(1), hundredth)},
		{"fee account", h.token, h.fee, hundredth},
	}
	for _, c := range checks {
		if got := ex.BalanceOf(c.asset, c.account); !got.Eq(c.want) {
			t.Errorf("%s = %s, want %s", c.name, got.Dec(), c.want.Dec())
		}
	}
	if !ex.Filled(id) {
		t.Error("order not filled")
	}

	trade, ok := res.Receipts[0].Events[0].Payload.(event.Trade)
	if !ok || trade.Filler != h.user2.Address() || trade.Timestamp != res.Timestamp {
		t.Errorf("trade event = %+v", res.Receipts[0].Events)
	}
}

func TestOrderLifecycleErrors(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.submit(t, h.user1, tx.TypeMakeOrder, tx.Action{
		WantAsset: h.token, WantAmount: tokens(1), OfferAsset: asset.Native, OfferAmount: ether(1),
	})
	expectOK(t, h.block(t))

	h.submit(t, h.user2, tx.TypeCancelOrder, tx.Action{OrderID: 1})
	h.submit(t, h.user1, tx.TypeCancelOrder, tx.Action{OrderID: 9999})
	h.submit(t, h.user1, tx.TypeCancelOrder, tx.Action{OrderID: 1})
	h.submit(t, h.user2, tx.TypeFillOrder, tx.Action{OrderID: 1})
	res := h.block(t)

	want := []string{"Unauthorized", "OrderNotFound", "", "AlreadyCancelled"}
	for i, code := range want {
		if got := res.Receipts[i].Code; got != code {
			t.Errorf("receipt %d code = %q, want %q (%s)", i, got, code, res.Receipts[i].Error)
		}
	}
}

func TestDepositTokenRejectsNative(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.submit(t, h.user1, tx.TypeDepositToken, tx.Action{Asset: asset.Native, Amount: ether(1)})
	res := h.block(t)
	if r := res.Receipts[0]; r.Status != StatusFailed || r.Code != "RejectNativeAsset" {
		t.Errorf("receipt = %+v", r)
	}
}

func TestPlainNativeSendToExchangeRejected(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.submit(t, h.user1, tx.TypeSendNative, tx.Action{To: h.app.Exchange().Address(), Amount: ether(1)})
	h.submit(t, h.user1, tx.TypeSendNative, tx.Action{To: h.user2.Address(), Amount: ether(1)})
	res := h.block(t)

	if r := res.Receipts[0]; r.Status != StatusFailed || r.Code != "NativeTransferRejected" {
		t.Errorf("send to exchange receipt = %+v", r)
	}
	if r := res.Receipts[1]; r.Status != StatusOK {
		t.Errorf("send to user receipt = %+v", r)
	}
	if got := h.app.Bank().BalanceOf(h.app.Exchange().Address()); !got.IsZero() {
		t.Errorf("exchange holds %s native", got.Dec())
	}
}

func TestTokenTransferFromTx(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.submit(t, h.deployer, tx.TypeTokenApprove, tx.Action{Asset: h.token, Spender: h.user1.Address(), Amount: tokens(5)})
	h.submit(t, h.user1, tx.TypeTokenTransferFrom, tx.Action{Asset: h.token, From: h.deployer.Address(), To: h.user2.Address(), Amount: tokens(3)})
	h.submit(t, h.user1, tx.TypeTokenTransferFrom, tx.Action{Asset: h.token, From: h.deployer.Address(), To: h.user2.Address(), Amount: tokens(3)})
	res := h.block(t)

	if res.Receipts[1].Status != StatusOK {
		t.Fatalf("transferFrom failed: %s", res.Receipts[1].Error)
	}
	if r := res.Receipts[2]; r.Code != "InsufficientAllowance" {
		t.Errorf("second transferFrom = %+v", r)
	}
	tok, _ := h.app.Registry().Token(h.token)
	if got := tok.Allowance(h.deployer.Address(), h.user1.Address()); !got.Eq(tokens(2)) {
		t.Errorf("allowance = %s, want 2 tokens", got.Dec())
	}
}

func TestNonceReplayRejected(t *testing.T) {
	h := newHarness(t, 10, nil)
	raw := h.sign(t, h.user1, tx.TypeDepositNative, tx.Action{Amount: ether(1)})
	if _, err := h.app.SubmitTx(raw); err != nil {
		t.Fatal(err)
	}
	if _, err := h.app.SubmitTx(raw); !errors.Is(err, ErrDuplicateTx) {
		t.Fatalf("expected ErrDuplicateTx, got %v", err)
	}
	expectOK(t, h.block(t))

	if _, err := h.app.SubmitTx(raw); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("expected ErrStaleNonce after inclusion, got %v", err)
	}
	if h.app.Nonce(h.user1.Address()) != 1 {
		t.Errorf("nonce = %d", h.app.Nonce(h.user1.Address()))
	}

	// a replayed tx that reaches a block directly is rejected without effect
	res, err := h.app.FinalizeBlock(h.app.Height()+1, 1_700_000_001, [][]byte{raw})
	if err != nil {
		t.Fatal(err)
	}
	if r := res.Receipts[0]; r.Status != StatusRejected || r.Code != "StaleNonce" {
		t.Errorf("replayed receipt = %+v", r)
	}
	if got := h.app.Exchange().BalanceOf(asset.Native, h.user1.Address()); !got.Eq(ether(1)) {
		t.Errorf("balance = %s, want 1 ether", got.Dec())
	}
}

func TestBlockKeepsSenderNonceOrder(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.submit(t, h.user1, tx.TypeDepositNative, tx.Action{Amount: ether(1)})
	expectOK(t, h.block(t))

	// bucket order alone would run the later deposit ahead of the make
	h.submit(t, h.user1, tx.TypeMakeOrder, tx.Action{
		WantAsset: h.token, WantAmount: tokens(1), OfferAsset: asset.Native, OfferAmount: ether(1),
	})
	h.submit(t, h.user1, tx.TypeDepositNative, tx.Action{Amount: ether(2)})
	res := h.block(t)
	expectOK(t, res)
	if len(res.Receipts) != 2 || res.Receipts[0].Type != tx.TypeMakeOrder || res.Receipts[1].Type != tx.TypeDepositNative {
		t.Fatalf("receipts out of nonce order: %+v", res.Receipts)
	}
	if n := h.app.Exchange().OrderCount(); n != 1 {
		t.Errorf("order count = %d, want 1", n)
	}
	if got := h.app.Exchange().BalanceOf(asset.Native, h.user1.Address()); !got.Eq(ether(3)) {
		t.Errorf("custodial native = %s, want 3 ether", got.Dec())
	}
}

func TestSubmitRejectsForgedSignature(t *testing.T) {
	h := newHarness(t, 10, nil)
	txn := &tx.Transaction{Type: tx.TypeWithdrawNative, Action: tx.Action{Nonce: 1, Amount: ether(1)}}
	if err := tx.Sign(txn, h.user2, h.app.Domain()); err != nil {
		t.Fatal(err)
	}
	txn.Action.Sender = h.user1.Address()
	raw, _ := txn.Serialize()

	if _, err := h.app.SubmitTx(raw); !errors.Is(err, tx.ErrSignerMismatch) {
		t.Fatalf("expected ErrSignerMismatch, got %v", err)
	}
	if _, err := h.app.SubmitTx([]byte(`{"type":"fill_order"}`)); !errors.Is(err, tx.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestFinalizeBlockHeight(t *testing.T) {
	h := newHarness(t, 10, nil)
	if _, err := h.app.FinalizeBlock(2, 0, nil); !errors.Is(err, ErrHeight) {
		t.Fatalf("expected ErrHeight, got %v", err)
	}
	r1, err := h.app.FinalizeBlock(1, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := h.app.FinalizeBlock(2, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r1.StateHash == r2.StateHash {
		t.Error("state hash must change with height")
	}
}

func TestReceiptLookup(t *testing.T) {
	h := newHarness(t, 10, nil)
	hash := h.submit(t, h.user1, tx.TypeDepositNative, tx.Action{Amount: ether(1)})

	r, ok, err := h.app.Receipt(hash)
	if err != nil || !ok || r.Status != StatusPending {
		t.Fatalf("pending receipt = %+v ok=%v err=%v", r, ok, err)
	}
	h.block(t)

	r, ok, _ = h.app.Receipt(hash)
	if !ok || r.Status != StatusOK || r.Height != 1 {
		t.Errorf("receipt = %+v", r)
	}
	if _, ok, _ := h.app.Receipt(common.HexToHash("0x01")); ok {
		t.Error("unknown hash should have no receipt")
	}
}

func TestReceiptFallsBackToStore(t *testing.T) {
	h := newHarness(t, 10, nil)
	first := h.submit(t, h.user1, tx.TypeDepositNative, tx.Action{Amount: ether(1)})
	h.block(t)
	h.app.receipts.Purge()

	r, ok, err := h.app.Receipt(first)
	if err != nil || !ok {
		t.Fatalf("receipt from store: ok=%v err=%v", ok, err)
	}
	if r.Status != StatusOK || len(r.Events) != 1 {
		t.Errorf("receipt = %+v", r)
	}
	if _, ok := r.Events[0].Payload.(event.Deposit); !ok {
		t.Errorf("event payload = %T", r.Events[0].Payload)
	}
}

func TestEventsPersistedWithHooks(t *testing.T) {
	h := newHarness(t, 10, nil)
	var seen []event.Event
	var committed []uint64
	h.app.OnEvent = func(ev event.Event) { seen = append(seen, ev) }
	h.app.OnBlockCommit = func(height uint64, _ [32]byte, _ []*Receipt) { committed = append(committed, height) }

	h.submit(t, h.user1, tx.TypeDepositNative, tx.Action{Amount: ether(1)})
	h.block(t)

	if len(seen) != 1 || seen[0].Kind != event.KindDeposit {
		t.Errorf("hook events = %+v", seen)
	}
	if len(committed) != 1 || committed[0] != 1 {
		t.Errorf("committed = %v", committed)
	}

	// genesis mint plus the deposit
	evs, err := h.app.Events(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Kind != event.KindTransfer || evs[1].Seq != seen[0].Seq {
		t.Errorf("stored events = %+v", evs)
	}
}

func TestReplayRebuildsState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	store, err := storage.NewPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, 1, store)
	h.submit(t, h.user1, tx.TypeDepositNative, tx.Action{Amount: ether(1)})
	expectOK(t, h.block(t))
	h.fund(t, h.user2, tokens(2))
	h.submit(t, h.user1, tx.TypeMakeOrder, tx.Action{WantAsset: h.token, WantAmount: tokens(1), OfferAsset: asset.Native, OfferAmount: ether(1)})
	h.submit(t, h.user1, tx.TypeMakeOrder, tx.Action{WantAsset: h.token, WantAmount: tokens(1), OfferAsset: asset.Native, OfferAmount: ether(1)})
	expectOK(t, h.block(t))
	h.submit(t, h.user2, tx.TypeFillOrder, tx.Action{OrderID: 1})
	expectOK(t, h.block(t))

	wantHash := h.app.LastStateHash()
	wantSnap := h.app.Exchange().Snapshot()
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = storage.NewPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	g := testGenesis(h.deployer.Address(), h.user1.Address(), h.user2.Address(), h.fee, 1)
	h.startApp(t, g, store)
	height, err := h.app.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if height != 4 {
		t.Errorf("replayed height = %d, want 4", height)
	}
	if h.app.LastStateHash() != wantHash {
		t.Error("state hash differs after replay")
	}
	snap := h.app.Exchange().Snapshot()
	if snap.OrderCount != wantSnap.OrderCount || len(snap.Balances) != len(wantSnap.Balances) {
		t.Errorf("snapshot after replay = %+v, want %+v", snap, wantSnap)
	}
	if h.app.Exchange().Status(1) != exchange.StatusFilled || h.app.Exchange().Status(2) != exchange.StatusOpen {
		t.Error("order statuses not restored")
	}
	if h.app.Nonce(h.user1.Address()) != 3 {
		t.Errorf("user1 nonce = %d, want 3", h.app.Nonce(h.user1.Address()))
	}
}

func TestReplayDetectsDifferentGenesis(t *testing.T) {
	store := storage.NewInMemoryBlockStore()
	h := newHarness(t, 1, store)
	h.submit(t, h.user1, tx.TypeDepositNative, tx.Action{Amount: ether(1)})
	h.block(t)

	g := testGenesis(h.deployer.Address(), h.user1.Address(), h.user2.Address(), h.fee, 5)
	g.Alloc[0].Amount = ether(50)
	h.startApp(t, g, store)
	if _, err := h.app.Replay(); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{asset.ErrInsufficientBalance, "InsufficientBalance"},
		{exchange.ErrAlreadyFilled, "AlreadyFilled"},
		{errors.Join(errors.New("ctx"), exchange.ErrUnauthorized), "Unauthorized"},
		{errors.New("boom"), "Internal"},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
