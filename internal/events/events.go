// Package events is the publish/subscribe channel over which health,
// capability and award records are announced. Delivery is at-least-once;
// handlers must tolerate duplicates.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"adaptivx/internal/config"
)

const (
	PrefixHealth     = "health/"
	PrefixCapability = "capability/"
	PrefixAward      = "award/"
)

func HealthTopic(assetID string) string     { return PrefixHealth + assetID }
func CapabilityTopic(assetID string) string { return PrefixCapability + assetID }
func AwardTopic(jobID string) string        { return PrefixAward + jobID }

// SubjectOf returns the asset or job id a topic is about.
func SubjectOf(topic string) string {
	if i := strings.IndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return ""
}

type Handler func(ctx context.Context, topic string, payload []byte) error

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber registers h for every topic starting with prefix. Delivery
// continues in the background until ctx is done or the bus is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, prefix string, h Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

func NewBus(cfg config.EventsConfig, logger *slog.Logger) (Bus, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryBus(cfg.ChannelBuffer, logger), nil
	case "kafka":
		return NewKafkaBus(cfg.Kafka, logger)
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}

// PublishJSON serialises v and publishes it on topic.
func PublishJSON(ctx context.Context, p Publisher, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, data)
}

// Nop discards everything published to it.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }
