package dex

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// computeStateHash hashes, in order: height, timestamp, exchange balances
// and order statuses, every token's holders, native holders and nonces.
// Every list is sorted so equal states always hash equal.
func (a *App) computeStateHash(height uint64, timestamp int64) [32]byte {
	h := sha256.New()

	var buf [8]byte
	putU64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	putAmount := func(v *uint256.Int) {
		b := v.Bytes32()
		h.Write(b[:])
	}

	putU64(height)
	putU64(uint64(timestamp))

	snap := a.st.exchange.Snapshot()
	putU64(snap.OrderCount)
	for _, b := range snap.Balances {
		h.Write(b.Asset[:])
		h.Write(b.Account[:])
		putAmount(b.Amount)
	}
	for _, o := range snap.Orders {
		putU64(o.ID)
		h.Write([]byte(o.Status))
	}

	for _, tok := range a.st.registry.Tokens() {
		addr := tok.Address()
		h.Write(addr[:])
		for _, holder := range tok.Holders() {
			h.Write(holder.Address[:])
			putAmount(holder.Balance)
		}
	}

	for _, holder := range a.st.bank.Holders() {
		h.Write(holder.Address[:])
		putAmount(holder.Balance)
	}

	senders := make([]common.Address, 0, len(a.st.nonces))
	for addr := range a.st.nonces {
		senders = append(senders, addr)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i].Cmp(senders[j]) < 0 })
	for _, addr := range senders {
		h.Write(addr[:])
		putU64(a.st.nonces[addr])
	}

	return sha256.Sum256(h.Sum(nil))
}
