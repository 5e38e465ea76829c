// Package kafkasink publishes observability events to a Kafka topic.
package kafkasink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
)

const (
	defaultBufferSize   = 1024
	defaultBatchSize    = 100
	defaultFlushTimeout = 5 * time.Second
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a kafka-go writer keyed by provider.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// Config holds sink tuning.
type Config struct {
	BufferSize   int // Events queued before Emit starts dropping
	BatchSize    int // Messages per WriteMessages call
	FlushTimeout time.Duration
}

// Sink implements ports.EventSink. Emit never blocks the caller: events are
// queued and written by one background goroutine, and dropped when the queue is full.
type Sink struct {
	writer  MessageWriter
	logger  ports.Logger
	cfg     Config
	queue   chan kafka.Message
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropLog rate.Sometimes
	dropped atomic.Int64
}

// New starts a sink over writer.
func New(writer MessageWriter, cfg Config, logger ports.Logger) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	s := &Sink{
		writer:  writer,
		logger:  logger,
		cfg:     cfg,
		queue:   make(chan kafka.Message, cfg.BufferSize),
		done:    make(chan struct{}),
		dropLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	go s.run()
	return s
}

// Emit encodes the event and queues it for publishing.
func (s *Sink) Emit(ctx context.Context, event domain.Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to encode event", map[string]interface{}{"type": string(event.Type)})
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.Provider),
		Value: value,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- msg:
	default:
		dropped := s.dropped.Add(1)
		s.dropLog.Do(func() {
			s.logger.Warn(ctx, "Event queue full, dropping events", map[string]interface{}{"dropped": dropped})
		})
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Sink) run() {
	defer close(s.done)
	batch := make([]kafka.Message, 0, s.cfg.BatchSize)
	for msg := range s.queue {
		batch = append(batch, msg)
		// Drain whatever is already queued into the same batch.
	drain:
		for len(batch) < s.cfg.BatchSize {
			select {
			case next, ok := <-s.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		s.write(batch)
		batch = batch[:0]
	}
}

func (s *Sink) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, batch...); err != nil {
		s.logger.Error(ctx, err, "Failed to publish events", map[string]interface{}{"count": len(batch)})
	}
}

// Close stops accepting events, flushes the queue and closes the writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.writer.Close()
}
