package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// TxLog records each accepted transaction before it is scheduled
type TxLog interface {
	Append(raw []byte) error
}

type NopWAL struct{}

func NewNopWAL() *NopWAL { return &NopWAL{} }

func (*NopWAL) Append(_ []byte) error { return nil }

// walRecord is one line of the submission log
type walRecord struct {
	AcceptedAt int64           `json:"acceptedAt"`
	Tx         json.RawMessage `json:"tx"`
}

// maxWALLine bounds a single record when reading the log back
const maxWALLine = 4 << 20

// FileWAL appends newline-delimited JSON records to a file
type FileWAL struct {
	mu  sync.Mutex
	f   *os.File
	now func() time.Time
}

// NewFileWAL opens path for appending, creating it if needed
func NewFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f, now: time.Now}, nil
}

// OpenFileWAL reads back the transactions left in path and then truncates
// it. The caller resubmits what it still wants kept.
func OpenFileWAL(path string) (*FileWAL, [][]byte, error) {
	pending, err := ReadTxLog(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return &FileWAL{f: f, now: time.Now}, pending, nil
}

func (w *FileWAL) Append(raw []byte) error {
	line, err := json.Marshal(walRecord{AcceptedAt: w.now().UnixMilli(), Tx: raw})
	if err != nil {
		return fmt.Errorf("encode tx log record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("write tx log: %w", err)
	}
	return nil
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReadTxLog returns the raw transactions recorded in path in append order.
// A missing file is an empty log. A torn final line is skipped.
func ReadTxLog(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxWALLine)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			if !hasMoreLines(sc) {
				break
			}
			return nil, fmt.Errorf("tx log line %d: %w", line, err)
		}
		out = append(out, []byte(rec.Tx))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tx log: %w", err)
	}
	return out, nil
}

// hasMoreLines advances sc and reports whether another non-empty line follows
func hasMoreLines(sc *bufio.Scanner) bool {
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			return true
		}
	}
	return false
}

var (
	_ TxLog = (*NopWAL)(nil)
	_ TxLog = (*FileWAL)(nil)
)
