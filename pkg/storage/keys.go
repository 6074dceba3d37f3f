package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	b:<8-byte height>  -> Block (gob)
//	bh                 -> last committed height
//	e:<8-byte seq>     -> event.Event (JSON)
//	r:<32-byte hash>   -> receipt (JSON)
const (
	prefixBlock   = "b:"
	prefixEvent   = "e:"
	prefixReceipt = "r:"
)

func kBlock(height uint64) []byte { return append([]byte(prefixBlock), beUint64(height)...) }
func kHeight() []byte             { return []byte("bh") }
func kEvent(seq uint64) []byte    { return append([]byte(prefixEvent), beUint64(seq)...) }
func kReceipt(h common.Hash) []byte {
	return append([]byte(prefixReceipt), h[:]...)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func beUint64(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

// seqFromKey reads the trailing 8-byte counter of a height or event key
func seqFromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

func marshalBlock(b Block) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(b)
	return buf.Bytes(), err
}

func unmarshalBlock(val []byte) (Block, error) {
	var b Block
	err := gob.NewDecoder(bytes.NewReader(val)).Decode(&b)
	return b, err
}
