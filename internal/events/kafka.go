package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"adaptivx/internal/config"
)

// KafkaBus maps each topic family onto one Kafka topic
// (topic_prefix + family). The asset or job id travels as the message key,
// which keeps per-asset ordering within a partition.
type KafkaBus struct {
	cfg     config.KafkaConfig
	writer  *kafka.Writer
	logger  *slog.Logger
	mu      sync.Mutex
	readers []*kafka.Reader
	wg      sync.WaitGroup
}

func NewKafkaBus(cfg config.KafkaConfig, logger *slog.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &KafkaBus{cfg: cfg, writer: w, logger: logger.With("component", "events", "driver", "kafka")}, nil
}

func family(topicOrPrefix string) (string, error) {
	i := strings.IndexByte(topicOrPrefix, '/')
	if i <= 0 {
		return "", fmt.Errorf("events: topic %q has no family", topicOrPrefix)
	}
	return topicOrPrefix[:i], nil
}

// KafkaTopic returns the Kafka topic that carries the given topic or prefix.
func (b *KafkaBus) KafkaTopic(topicOrPrefix string) (string, error) {
	fam, err := family(topicOrPrefix)
	if err != nil {
		return "", err
	}
	return b.cfg.TopicPrefix + fam, nil
}

func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	kt, err := b.KafkaTopic(topic)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: kt,
		Key:   []byte(SubjectOf(topic)),
		Value: payload,
	})
}

func (b *KafkaBus) Subscribe(ctx context.Context, prefix string, h Handler) error {
	kt, err := b.KafkaTopic(prefix)
	if err != nil {
		return err
	}
	fam, _ := family(prefix)
	groupID := b.cfg.GroupID + "." + fam
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		Topic:    kt,
		GroupID:  groupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()
	b.logger.Info("kafka subscription", "topic", kt, "group_id", groupID)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				// io.EOF means the reader was closed.
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				b.logger.Warn("kafka read error", "topic", kt, "err", err)
				if !sleepCtx(ctx, 200*time.Millisecond) {
					return
				}
				continue
			}
			topic := fam + "/" + string(m.Key)
			if !strings.HasPrefix(topic, prefix) {
				continue
			}
			if err := h(ctx, topic, m.Value); err != nil {
				b.logger.Warn("event handler failed", "topic", topic, "error", err)
			}
		}
	}()
	return nil
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()
	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
