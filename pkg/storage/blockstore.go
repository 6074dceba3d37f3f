package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/custodex/pkg/event"
)

// Block is one executed batch of raw transactions
type Block struct {
	Height    uint64
	Timestamp int64
	Txs       [][]byte
	StateHash [32]byte
}

// BlockStore persists blocks, the events they emitted and their receipts.
// Blocks must be saved at consecutive heights starting from 1.
type BlockStore interface {
	SaveBlock(b Block) error
	GetBlock(height uint64) (Block, bool, error)
	LastHeight() (uint64, error)

	SaveEvents(evs []event.Event) error
	Events(after uint64, limit int) ([]event.Event, error)

	SaveReceipt(hash common.Hash, data []byte) error
	GetReceipt(hash common.Hash) ([]byte, bool, error)

	Close() error
}

// InMemoryBlockStore is a BlockStore for tests and nodes without a data dir
type InMemoryBlockStore struct {
	mu       sync.Mutex
	blocks   map[uint64]Block
	last     uint64
	events   map[uint64]event.Event
	receipts map[common.Hash][]byte
}

func NewInMemoryBlockStore() *InMemoryBlockStore {
	return &InMemoryBlockStore{
		blocks:   make(map[uint64]Block),
		events:   make(map[uint64]event.Event),
		receipts: make(map[common.Hash][]byte),
	}
}

func (s *InMemoryBlockStore) SaveBlock(b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Height != s.last+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrHeightGap, s.last, b.Height)
	}
	s.blocks[b.Height] = b
	s.last = b.Height
	return nil
}

func (s *InMemoryBlockStore) GetBlock(height uint64) (Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[height]
	return b, ok, nil
}

func (s *InMemoryBlockStore) LastHeight() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *InMemoryBlockStore) SaveEvents(evs []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		s.events[ev.Seq] = ev
	}
	return nil
}

func (s *InMemoryBlockStore) Events(after uint64, limit int) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs := make([]uint64, 0, len(s.events))
	for seq := range s.events {
		if seq > after {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if limit > 0 && len(seqs) > limit {
		seqs = seqs[:limit]
	}

	out := make([]event.Event, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, s.events[seq])
	}
	return out, nil
}

func (s *InMemoryBlockStore) SaveReceipt(hash common.Hash, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[hash] = append([]byte(nil), data...)
	return nil
}

func (s *InMemoryBlockStore) GetReceipt(hash common.Hash) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.receipts[hash]
	return data, ok, nil
}

func (s *InMemoryBlockStore) Close() error { return nil }

var _ BlockStore = (*InMemoryBlockStore)(nil)
