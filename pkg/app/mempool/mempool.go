package mempool

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/custodex/pkg/tx"
)

// Bucket is the proposal class of a pending transaction
type Bucket int

const (
	BucketNonOrder Bucket = iota // custody and token moves
	BucketCancel
	BucketOrder // make and fill
)

func (b Bucket) String() string {
	switch b {
	case BucketNonOrder:
		return "non_order"
	case BucketCancel:
		return "cancel"
	default:
		return "order"
	}
}

// envelope is the part of a JSON transaction the mempool schedules by
type envelope struct {
	Type   tx.Type `json:"type"`
	Action struct {
		Sender common.Address `json:"sender"`
		Nonce  uint64         `json:"nonce"`
	} `json:"action"`
}

func readEnvelope(b []byte) (envelope, bool) {
	var env envelope
	if len(b) == 0 || b[0] != '{' {
		return env, false
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, false
	}
	return env, true
}

// ClassifyRaw reads the envelope type of a JSON transaction.
// Unparseable input lands in the order bucket and fails at execution.
func ClassifyRaw(b []byte) Bucket {
	env, ok := readEnvelope(b)
	if !ok {
		return BucketOrder
	}
	return Classify(env.Type)
}

func Classify(t tx.Type) Bucket {
	switch t {
	case tx.TypeCancelOrder:
		return BucketCancel
	case tx.TypeMakeOrder, tx.TypeFillOrder:
		return BucketOrder
	case tx.TypeDepositNative, tx.TypeWithdrawNative,
		tx.TypeDepositToken, tx.TypeWithdrawToken,
		tx.TypeTokenTransfer, tx.TypeTokenApprove, tx.TypeTokenTransferFrom,
		tx.TypeSendNative:
		return BucketNonOrder
	default:
		return BucketOrder
	}
}

// Mempool keeps three FIFO queues and proposes them in the order
// non-order -> cancel -> order, so funds land before the orders that need
// them and cancels beat fills in the same block. One sender's transactions
// always leave in nonce order: they trade places among the slots the bucket
// order gives that sender.
type Mempool struct {
	mu       sync.Mutex
	nonOrder []*entry
	cancel   []*entry
	orders   []*entry
}

type entry struct {
	raw    []byte
	sender common.Address // zero when the envelope was unreadable
	nonce  uint64
}

func NewMempool() *Mempool {
	return &Mempool{}
}

// PushRaw classifies and enqueues a copy of b
func (m *Mempool) PushRaw(b []byte) Bucket {
	e := &entry{raw: append([]byte(nil), b...)}
	bucket := BucketOrder
	if env, ok := readEnvelope(b); ok {
		bucket = Classify(env.Type)
		e.sender, e.nonce = env.Action.Sender, env.Action.Nonce
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch bucket {
	case BucketNonOrder:
		m.nonOrder = append(m.nonOrder, e)
	case BucketCancel:
		m.cancel = append(m.cancel, e)
	default:
		m.orders = append(m.orders, e)
	}
	return bucket
}

// schedule returns every pending entry in proposal order
func (m *Mempool) schedule() []*entry {
	seq := make([]*entry, 0, len(m.nonOrder)+len(m.cancel)+len(m.orders))
	seq = append(seq, m.nonOrder...)
	seq = append(seq, m.cancel...)
	seq = append(seq, m.orders...)

	slots := make(map[common.Address][]int)
	for i, e := range seq {
		if e.sender != (common.Address{}) {
			slots[e.sender] = append(slots[e.sender], i)
		}
	}
	for _, idx := range slots {
		if len(idx) < 2 {
			continue
		}
		mine := make([]*entry, len(idx))
		for k, i := range idx {
			mine[k] = seq[i]
		}
		sort.SliceStable(mine, func(a, b int) bool { return mine[a].nonce < mine[b].nonce })
		for k, i := range idx {
			seq[i] = mine[k]
		}
	}
	return seq
}

// SelectForProposal removes and returns up to maxBytes of transactions in
// proposal order, stopping at the first one that does not fit. maxBytes <= 0
// takes everything. Stopping at a prefix keeps every sender's lower nonces
// ahead of anything of theirs left behind.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64
	taken := make(map[*entry]struct{})
	for _, e := range m.schedule() {
		n := int64(len(e.raw))
		// an oversized tx still goes out alone so it cannot wedge the queue
		if maxBytes > 0 && used+n > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, e.raw)
		used += n
		taken[e] = struct{}{}
	}

	m.nonOrder = dropTaken(m.nonOrder, taken)
	m.cancel = dropTaken(m.cancel, taken)
	m.orders = dropTaken(m.orders, taken)
	return out
}

func dropTaken(q []*entry, taken map[*entry]struct{}) []*entry {
	kept := q[:0]
	for _, e := range q {
		if _, ok := taken[e]; !ok {
			kept = append(kept, e)
		}
	}
	clear(q[len(kept):])
	return kept
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nonOrder) + len(m.cancel) + len(m.orders)
}
