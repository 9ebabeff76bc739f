package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka mirror of the event bus.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BufferSize   int           // events queued before new ones are dropped
	BatchSize    int           // events per WriteMessages call
	WriteTimeout time.Duration // per batch
	Logger       *slog.Logger
}

// KafkaSink mirrors bus events to a Kafka topic. Emit never blocks on the
// broker: events are queued and written by Run, and dropped (with a log line)
// when the queue is full.
type KafkaSink struct {
	writer  messageWriter
	queue   chan Event
	cfg     KafkaConfig
	logger  *slog.Logger
	dropped int64
	mu      sync.Mutex
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaSink(w, cfg)
}

func newKafkaSink(w messageWriter, cfg KafkaConfig) *KafkaSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		writer: w,
		queue:  make(chan Event, cfg.BufferSize),
		cfg:    cfg,
		logger: logger,
	}
}

// Attach subscribes the sink to every event of eb.
func (k *KafkaSink) Attach(eb *EventBus) string {
	return eb.On("*", k.enqueue)
}

func (k *KafkaSink) enqueue(e Event) {
	select {
	case k.queue <- e:
	default:
		k.mu.Lock()
		k.dropped++
		n := k.dropped
		k.mu.Unlock()
		if n == 1 || n%100 == 0 {
			k.logger.Warn("kafka sink queue full, dropping events", "dropped", n, "type", e.Type)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (k *KafkaSink) Dropped() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dropped
}

// Run writes queued events until ctx is cancelled, then flushes what is left
// and closes the writer.
func (k *KafkaSink) Run(ctx context.Context) error {
	k.logger.Info("kafka sink started", "topic", k.cfg.Topic, "brokers", strings.Join(k.cfg.Brokers, ","))
	batch := make([]kafka.Message, 0, k.cfg.BatchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, k.cfg.WriteTimeout)
		defer cancel()
		if err := k.writer.WriteMessages(wctx, batch...); err != nil {
			k.logger.Warn("kafka write failed", "events", len(batch), "err", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		rest:
			for {
				select {
				case e := <-k.queue:
					batch = append(batch, k.message(e))
				default:
					break rest
				}
			}
			flush(context.Background())
			k.logger.Info("kafka sink stopped")
			return k.writer.Close()

		case e := <-k.queue:
			batch = append(batch, k.message(e))
		drain:
			for len(batch) < k.cfg.BatchSize {
				select {
				case e := <-k.queue:
					batch = append(batch, k.message(e))
				default:
					break drain
				}
			}
			flush(ctx)
		}
	}
}

func (k *KafkaSink) message(e Event) kafka.Message {
	data, err := json.Marshal(e)
	if err != nil {
		data, _ = json.Marshal(Event{Type: e.Type, Source: e.Source, Key: e.Key, Timestamp: e.Timestamp})
	}
	return kafka.Message{
		Key:   []byte(e.Key),
		Value: data,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
}
