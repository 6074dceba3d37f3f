package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/uhyunpark/custodex/params"
	"github.com/uhyunpark/custodex/pkg/app/dex"
	"github.com/uhyunpark/custodex/pkg/asset"
	"github.com/uhyunpark/custodex/pkg/crypto"
	"github.com/uhyunpark/custodex/pkg/event"
	"github.com/uhyunpark/custodex/pkg/exchange"
	"github.com/uhyunpark/custodex/pkg/ledger"
	"github.com/uhyunpark/custodex/pkg/tx"
	"github.com/uhyunpark/custodex/pkg/util"
)

type fixture struct {
	app      *dex.App
	srv      *Server
	ts       *httptest.Server
	deployer *crypto.Signer
	user1    *crypto.Signer
	user2    *crypto.Signer
	token    common.Address
	nonces   map[common.Address]uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{nonces: make(map[common.Address]uint64)}
	for _, s := range []**crypto.Signer{&f.deployer, &f.user1, &f.user2} {
		k, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		*s = k
	}

	g := dex.Genesis{
		ChainID:    1337,
		Deployer:   f.deployer.Address(),
		FeeAccount: common.HexToAddress("0xFEE0000000000000000000000000000000000000"),
		FeePercent: 10,
		Tokens: []ledger.TokenConfig{
			{Name: "Hello, world.", Symbol: "HW", Decimals: 18, TotalSupply: asset.Units(100, 18)},
		},
		Alloc: []params.Alloc{
			{Account: f.user1.Address(), Amount: asset.Units(100, 18)},
			{Account: f.user2.Address(), Amount: asset.Units(100, 18)},
		},
		Time: time.Unix(0, 0),
	}
	app, err := dex.NewApp(dex.Config{Genesis: g}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	app.SetWallClock(util.NewManualClock(time.Unix(1_700_000_000, 0)))

	f.app = app
	f.srv = NewServer(app, nil, nil)
	app.OnEvent = f.srv.BroadcastEvent
	app.OnBlockCommit = f.srv.BroadcastBlock
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		f.srv.hub.Close()
		f.ts.Close()
	})
	f.token = dex.TokenAddress(f.deployer.Address(), 0)
	return f
}

func (f *fixture) signed(t *testing.T, s *crypto.Signer, typ tx.Type, a tx.Action) []byte {
	t.Helper()
	f.nonces[s.Address()]++
	a.Nonce = f.nonces[s.Address()]
	txn := &tx.Transaction{Type: typ, Action: a}
	if err := tx.Sign(txn, s, f.app.Domain()); err != nil {
		t.Fatal(err)
	}
	raw, err := txn.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func (f *fixture) post(t *testing.T, raw []byte) (*http.Response, SubmitTxResponse) {
	t.Helper()
	resp, err := http.Post(f.ts.URL+"/api/v1/tx", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out SubmitTxResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) block(t *testing.T) {
	t.Helper()
	if _, ok, err := f.app.ProduceBlock(); err != nil || !ok {
		t.Fatalf("produce block: ok=%v err=%v", ok, err)
	}
}

// setupTrade deposits native for user1, tokens for user2 and has user1 make
// an order for 1 token against 1 ether
func (f *fixture) setupTrade(t *testing.T) {
	t.Helper()
	ex := f.app.Exchange().Address()
	two := asset.Units(2, 18)
	for _, raw := range [][]byte{
		f.signed(t, f.user1, tx.TypeDepositNative, tx.Action{Amount: asset.Units(1, 18)}),
		f.signed(t, f.deployer, tx.TypeTokenTransfer, tx.Action{Asset: f.token, To: f.user2.Address(), Amount: two}),
		f.signed(t, f.user2, tx.TypeTokenApprove, tx.Action{Asset: f.token, Spender: ex, Amount: two}),
		f.signed(t, f.user2, tx.TypeDepositToken, tx.Action{Asset: f.token, Amount: two}),
		f.signed(t, f.user1, tx.TypeMakeOrder, tx.Action{
			WantAsset: f.token, WantAmount: asset.Units(1, 18), OfferAsset: asset.Native, OfferAmount: asset.Units(1, 18),
		}),
	} {
		if resp, _ := f.post(t, raw); resp.StatusCode != http.StatusOK {
			t.Fatalf("submit status %d", resp.StatusCode)
		}
	}
	f.block(t)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]string
	if code := f.get(t, "/health", &body); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", code, body)
	}
}

func TestSubmitAndReceipt(t *testing.T) {
	f := newFixture(t)
	raw := f.signed(t, f.user1, tx.TypeDepositNative, tx.Action{Amount: asset.Units(1, 18)})

	resp, out := f.post(t, raw)
	if resp.StatusCode != http.StatusOK || out.Status != "submitted" {
		t.Fatalf("submit = %d %+v", resp.StatusCode, out)
	}
	if resp, _ := f.post(t, raw); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate submit status = %d", resp.StatusCode)
	}

	var r dex.Receipt
	if code := f.get(t, "/api/v1/tx/"+out.Hash.Hex(), &r); code != http.StatusOK || r.Status != dex.StatusPending {
		t.Fatalf("pending receipt = %d %+v", code, r)
	}
	f.block(t)
	if code := f.get(t, "/api/v1/tx/"+out.Hash.Hex(), &r); code != http.StatusOK || r.Status != dex.StatusOK || r.Height != 1 {
		t.Fatalf("receipt = %d %+v", code, r)
	}

	if code := f.get(t, "/api/v1/tx/0x1234", nil); code != http.StatusBadRequest {
		t.Errorf("short hash status = %d", code)
	}
	if code := f.get(t, "/api/v1/tx/"+common.HexToHash("0x01").Hex(), nil); code != http.StatusNotFound {
		t.Errorf("unknown hash status = %d", code)
	}
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
		code string
	}{
		{"not json", "nope", "Malformed"},
		{"unsigned", `{"type":"deposit_native","action":{"sender":"0x0000000000000000000000000000000000000001","amount":"1"}}`, "Malformed"},
		{"unknown type", `{"type":"mint","action":{"sender":"0x0000000000000000000000000000000000000001"},"signature":"0x01"}`, "Malformed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(f.ts.URL+"/api/v1/tx", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var e ErrorResponse
			json.NewDecoder(resp.Body).Decode(&e)
			if resp.StatusCode != http.StatusBadRequest || e.Error != tt.code {
				t.Errorf("got %d %+v, want 400 %s", resp.StatusCode, e, tt.code)
			}
		})
	}
}

func TestExchangeAndBalances(t *testing.T) {
	f := newFixture(t)
	f.setupTrade(t)

	var info ExchangeInfo
	f.get(t, "/api/v1/exchange", &info)
	if info.Address != f.app.Exchange().Address() || info.FeePercent != 10 || info.OrderCount != 1 || info.ChainID != 1337 {
		t.Errorf("exchange info = %+v", info)
	}

	var bal BalanceInfo
	f.get(t, "/api/v1/balances/native/"+f.user1.Address().Hex(), &bal)
	if !bal.Balance.Eq(asset.Units(1, 18)) || bal.Asset != asset.Native {
		t.Errorf("native balance = %+v", bal)
	}
	f.get(t, "/api/v1/balances/"+f.token.Hex()+"/"+f.user2.Address().Hex(), &bal)
	if !bal.Balance.Eq(asset.Units(2, 18)) {
		t.Errorf("token balance = %s", bal.Balance.Dec())
	}
	if code := f.get(t, "/api/v1/balances/native/zzz", nil); code != http.StatusBadRequest {
		t.Errorf("bad account status = %d", code)
	}
}

func TestTokens(t *testing.T) {
	f := newFixture(t)
	f.setupTrade(t)

	var tokens []TokenInfo
	f.get(t, "/api/v1/tokens", &tokens)
	if len(tokens) != 1 || tokens[0].Symbol != "HW" || !tokens[0].Custodied.Eq(asset.Units(2, 18)) {
		t.Fatalf("tokens = %+v", tokens)
	}

	var tb TokenBalance
	f.get(t, "/api/v1/tokens/"+f.token.Hex()+"/balances/"+f.deployer.Address().Hex(), &tb)
	if !tb.Balance.Eq(asset.Units(98, 18)) {
		t.Errorf("deployer balance = %s", tb.Balance.Dec())
	}

	var al Allowance
	f.get(t, "/api/v1/tokens/"+f.token.Hex()+"/allowances/"+f.user2.Address().Hex()+"/"+f.app.Exchange().Address().Hex(), &al)
	if !al.Allowance.IsZero() {
		t.Errorf("allowance after deposit = %s", al.Allowance.Dec())
	}

	unknown := common.HexToAddress("0x1111111111111111111111111111111111111111")
	if code := f.get(t, "/api/v1/tokens/"+unknown.Hex()+"/balances/"+unknown.Hex(), nil); code != http.StatusNotFound {
		t.Errorf("unknown token status = %d", code)
	}
}

func TestOrdersEndpoints(t *testing.T) {
	f := newFixture(t)
	f.setupTrade(t)

	var orders []exchange.OrderView
	f.get(t, "/api/v1/orders?creator="+f.user1.Address().Hex()+"&status=open", &orders)
	if len(orders) != 1 || orders[0].ID != 1 || orders[0].Status != "open" {
		t.Fatalf("open orders = %+v", orders)
	}

	f.post(t, f.signed(t, f.user2, tx.TypeFillOrder, tx.Action{OrderID: 1}))
	f.block(t)

	f.get(t, "/api/v1/orders?status=open", &orders)
	if len(orders) != 0 {
		t.Errorf("open orders after fill = %+v", orders)
	}
	var o exchange.OrderView
	if code := f.get(t, "/api/v1/orders/1", &o); code != http.StatusOK || o.Status != "filled" || o.Creator != f.user1.Address() {
		t.Errorf("order 1 = %d %+v", code, o)
	}
	if code := f.get(t, "/api/v1/orders/42", nil); code != http.StatusNotFound {
		t.Errorf("unknown order status = %d", code)
	}
	if code := f.get(t, "/api/v1/orders?status=pending", nil); code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d", code)
	}
}

func TestEventsAndAccount(t *testing.T) {
	f := newFixture(t)
	f.setupTrade(t)

	var evs []event.Event
	f.get(t, "/api/v1/events?since=0&limit=2", &evs)
	if len(evs) != 2 || evs[0].Seq != 1 || evs[0].Kind != event.KindTransfer {
		t.Fatalf("events page = %+v", evs)
	}
	f.get(t, "/api/v1/events?since=2", &evs)
	if len(evs) == 0 || evs[0].Seq != 3 {
		t.Errorf("second page = %+v", evs)
	}
	last := evs[len(evs)-1]
	if last.Kind != event.KindOrder {
		t.Errorf("last event = %s", last.Kind)
	}

	var acct AccountInfo
	f.get(t, "/api/v1/accounts/"+f.user2.Address().Hex(), &acct)
	if acct.Nonce != 2 || acct.NextNonce != 3 || !acct.Native.Eq(asset.Units(100, 18)) {
		t.Errorf("account = %+v", acct)
	}

	var st ChainStatus
	f.get(t, "/api/v1/chain/status", &st)
	if st.Height != 1 || st.MempoolSize != 0 || len(st.StateHash) != 66 {
		t.Errorf("chain status = %+v", st)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws: %v", err)
	}
	return msg
}

func TestWebSocketStreams(t *testing.T) {
	f := newFixture(t)
	f.setupTrade(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	lower := "account:" + strings.ToLower(f.user2.Address().Hex())
	if err := conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"trades", lower, "bogus"}}); err != nil {
		t.Fatal(err)
	}
	want := []WSMessage{
		{Type: "subscribed", Channel: "trades"},
		{Type: "subscribed", Channel: accountChannel(f.user2.Address())},
		{Type: "error", Channel: "bogus"},
	}
	for _, w := range want {
		if got := readWS(t, conn); got.Type != w.Type || got.Channel != w.Channel {
			t.Fatalf("ack = %+v, want %+v", got, w)
		}
	}

	f.post(t, f.signed(t, f.user2, tx.TypeFillOrder, tx.Action{OrderID: 1}))
	f.block(t)

	got := map[string]bool{}
	for range 2 {
		msg := readWS(t, conn)
		if msg.Type != "event" {
			t.Fatalf("unexpected message %+v", msg)
		}
		data, _ := json.Marshal(msg.Data)
		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		trade, ok := ev.Payload.(event.Trade)
		if !ok || trade.Filler != f.user2.Address() {
			t.Fatalf("payload = %+v", ev.Payload)
		}
		got[msg.Channel] = true
	}
	if !got["trades"] || !got[accountChannel(f.user2.Address())] {
		t.Errorf("channels = %v", got)
	}
}

func TestHubClose(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.srv.hub.Clients() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := f.srv.hub.Clients(); n != 1 {
		t.Fatalf("clients = %d", n)
	}

	f.srv.hub.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to close")
	}
	f.srv.BroadcastBlock(1, [32]byte{}, nil)
}

func TestWebSocketOriginCheck(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"

	tests := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		hdr := http.Header{}
		if tt.origin != "" {
			hdr.Set("Origin", tt.origin)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
		if tt.ok {
			if err != nil {
				t.Errorf("origin %q: dial failed: %v", tt.origin, err)
				continue
			}
			conn.Close()
			continue
		}
		if err == nil {
			conn.Close()
			t.Errorf("origin %q: upgrade allowed", tt.origin)
			continue
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("origin %q: resp = %v, want 403", tt.origin, resp)
		}
	}
}
