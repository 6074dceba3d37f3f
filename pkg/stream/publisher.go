// Package stream forwards committed events to Kafka for downstream indexers.
package stream

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/event"
)

const (
	defaultTopic  = "custodex.events"
	queueSize     = 4096
	maxBatch      = 256
	writeTimeout  = 5 * time.Second
	flushInterval = 50 * time.Millisecond
)

// messageWriter is the part of kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher queues events and writes them to a topic in batches. Publish
// never blocks block production; events are dropped when the queue is full.
type Publisher struct {
	writer  messageWriter
	queue   chan event.Event
	logger  *zap.Logger
	dropped atomic.Uint64
	sent    atomic.Uint64
}

func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	if topic == "" {
		topic = defaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newPublisher(w, logger)
}

func newPublisher(w messageWriter, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: w, queue: make(chan event.Event, queueSize), logger: logger}
}

// Publish enqueues ev
func (p *Publisher) Publish(ev event.Event) {
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
		p.logger.Warn("stream_event_dropped", zap.Uint64("seq", ev.Seq))
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left
// and closes the writer.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, maxBatch)
	for {
		select {
		case ev := <-p.queue:
			if msg, ok := p.message(ev); ok {
				batch = append(batch, msg)
			}
			if len(batch) >= maxBatch {
				batch = p.flush(batch)
			}
		case <-ticker.C:
			batch = p.flush(batch)
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case ev := <-p.queue:
					if msg, ok := p.message(ev); ok {
						batch = append(batch, msg)
					}
				default:
					drained = true
				}
			}
			p.flush(batch)
			return p.writer.Close()
		}
	}
}

// Stats returns the number of events written and dropped
func (p *Publisher) Stats() (sent, dropped uint64) {
	return p.sent.Load(), p.dropped.Load()
}

// message keys events by emitter so each ledger's events stay ordered
// within a partition
func (p *Publisher) message(ev event.Event) (kafka.Message, bool) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("stream_encode_failed", zap.Uint64("seq", ev.Seq), zap.Error(err))
		return kafka.Message{}, false
	}
	return kafka.Message{
		Key:   ev.Emitter.Bytes(),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, true
}

func (p *Publisher) flush(batch []kafka.Message) []kafka.Message {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, batch...); err != nil {
		p.dropped.Add(uint64(len(batch)))
		p.logger.Warn("stream_write_failed", zap.Int("events", len(batch)), zap.Error(err))
	} else {
		p.sent.Add(uint64(len(batch)))
	}
	return batch[:0]
}
