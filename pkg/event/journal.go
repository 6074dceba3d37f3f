package event

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Journal is an append-only, sequence-numbered event log. Sequence numbers
// start at 1. When Retain is positive only the newest Retain events are kept
// in memory; sequence numbers keep counting.
type Journal struct {
	mu     sync.RWMutex
	events []Event
	seq    uint64
	retain int
}

// NewJournal creates a journal that keeps at most retain events in memory (0 = all)
func NewJournal(retain int) *Journal {
	return &Journal{retain: retain}
}

// Emit appends a payload and returns the recorded event
func (j *Journal) Emit(emitter common.Address, p Payload) Event {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	ev := Event{Seq: j.seq, Kind: p.Kind(), Emitter: emitter, Payload: p}
	j.events = append(j.events, ev)

	if j.retain > 0 && len(j.events) > j.retain {
		drop := len(j.events) - j.retain
		j.events = append(j.events[:0:0], j.events[drop:]...)
	}
	return ev
}

// Seq returns the sequence number of the newest event (0 if none)
func (j *Journal) Seq() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.seq
}

// Since returns up to limit retained events with Seq > after, oldest first.
// limit <= 0 means no limit.
func (j *Journal) Since(after uint64, limit int) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Event
	for _, ev := range j.events {
		if ev.Seq <= after {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of retained events
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}
