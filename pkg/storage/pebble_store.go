package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/custodex/pkg/event"
)

var ErrHeightGap = errors.New("block height is not the next height")

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

// SaveBlock writes the block and advances the committed height in one batch
func (s *PebbleStore) SaveBlock(b Block) error {
	last, err := s.LastHeight()
	if err != nil {
		return err
	}
	if b.Height != last+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrHeightGap, last, b.Height)
	}

	val, err := marshalBlock(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(kBlock(b.Height), val, nil); err != nil {
		return err
	}
	if err := batch.Set(kHeight(), beUint64(b.Height), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit block %d: %w", b.Height, err)
	}
	return nil
}

func (s *PebbleStore) GetBlock(height uint64) (Block, bool, error) {
	val, closer, err := s.db.Get(kBlock(height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Block{}, false, nil
		}
		return Block{}, false, err
	}
	defer closer.Close()

	out, err := unmarshalBlock(val)
	if err != nil {
		return Block{}, false, fmt.Errorf("decode block %d: %w", height, err)
	}
	return out, true, nil
}

// LastHeight returns the highest saved block, 0 when the store is empty
func (s *PebbleStore) LastHeight() (uint64, error) {
	val, closer, err := s.db.Get(kHeight())
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	return seqFromKey(val), nil
}

// SaveEvents appends journal events keyed by sequence number
func (s *PebbleStore) SaveEvents(evs []event.Event) error {
	if len(evs) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event %d: %w", ev.Seq, err)
		}
		if err := batch.Set(kEvent(ev.Seq), data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

// Events returns up to limit events with Seq > after, oldest first
func (s *PebbleStore) Events(after uint64, limit int) ([]event.Event, error) {
	prefix := []byte(prefixEvent)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: kEvent(after + 1),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []event.Event
	for iter.First(); iter.Valid(); iter.Next() {
		var ev event.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %d: %w", seqFromKey(iter.Key()), err)
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *PebbleStore) SaveReceipt(hash common.Hash, data []byte) error {
	if err := s.db.Set(kReceipt(hash), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}
	return nil
}

func (s *PebbleStore) GetReceipt(hash common.Hash) ([]byte, bool, error) {
	data, closer, err := s.db.Get(kReceipt(hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get receipt: %w", err)
	}
	defer closer.Close()
	return append([]byte(nil), data...), true, nil
}

var _ BlockStore = (*PebbleStore)(nil)
