package events

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"adaptivx/internal/config"
)

func TestTopicHelpers(t *testing.T) {
	if HealthTopic("milling-01") != "health/milling-01" {
		t.Fatalf("health topic: %s", HealthTopic("milling-01"))
	}
	if SubjectOf(CapabilityTopic("milling-02")) != "milling-02" {
		t.Fatalf("subject: %s", SubjectOf(CapabilityTopic("milling-02")))
	}
	if SubjectOf(AwardTopic("job-7")) != "job-7" {
		t.Fatalf("award subject")
	}
	if SubjectOf("bare") != "" {
		t.Fatalf("expected empty subject for bare topic")
	}
}

type collector struct {
	mu     sync.Mutex
	topics []string
	got    chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(_ context.Context, topic string, _ []byte) error {
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

func TestMemoryBusPrefixRouting(t *testing.T) {
	bus := NewMemoryBus(16, nil)
	defer bus.Close()
	ctx := context.Background()
	health := newCollector()
	capability := newCollector()
	if err := bus.Subscribe(ctx, PrefixHealth, health.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe(ctx, PrefixCapability, capability.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, topic := range []string{HealthTopic("m1"), CapabilityTopic("m1"), HealthTopic("m2")} {
		if err := bus.Publish(ctx, topic, []byte(`{}`)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got := health.wait(t, 2)
	if len(got) != 2 || got[0] != "health/m1" || got[1] != "health/m2" {
		t.Fatalf("health subscriber got %v", got)
	}
	if got := capability.wait(t, 1); len(got) != 1 || got[0] != "capability/m1" {
		t.Fatalf("capability subscriber got %v", got)
	}
}

func TestMemoryBusDropsWhenFull(t *testing.T) {
	bus := NewMemoryBus(1, nil)
	defer bus.Close()
	block := make(chan struct{})
	seen := make(chan string, 8)
	err := bus.Subscribe(context.Background(), PrefixHealth, func(_ context.Context, topic string, _ []byte) error {
		<-block
		seen <- topic
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), HealthTopic("m1"), nil); err != nil {
			t.Fatalf("publish must not fail on a full channel: %v", err)
		}
	}
	close(block)
	deadline := time.After(500 * time.Millisecond)
	count := 0
loop:
	for {
		select {
		case <-seen:
			count++
		case <-deadline:
			break loop
		}
	}
	if count == 0 || count >= 5 {
		t.Fatalf("expected some events dropped, delivered %d", count)
	}
}

func TestMemoryBusStopsOnContextCancel(t *testing.T) {
	bus := NewMemoryBus(4, nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	c := newCollector()
	if err := bus.Subscribe(ctx, PrefixAward, c.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	_ = bus.Publish(context.Background(), AwardTopic("job-1"), nil)
	select {
	case <-c.got:
		t.Fatalf("cancelled subscription must not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus(4, nil)
	_ = bus.Close()
	if err := bus.Publish(context.Background(), HealthTopic("m1"), nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestKafkaTopicMapping(t *testing.T) {
	bus, err := NewKafkaBus(config.KafkaConfig{Brokers: []string{"localhost:9092"}, TopicPrefix: "adaptivx.", GroupID: "g"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer bus.Close()
	kt, err := bus.KafkaTopic(HealthTopic("milling-01"))
	if err != nil || kt != "adaptivx.health" {
		t.Fatalf("kafka topic: %s %v", kt, err)
	}
	if kt, _ := bus.KafkaTopic(PrefixCapability); kt != "adaptivx.capability" {
		t.Fatalf("prefix topic: %s", kt)
	}
	if _, err := bus.KafkaTopic("nofamily"); err == nil {
		t.Fatalf("expected error for topic without family")
	}
}

func TestKafkaRoundTrip(t *testing.T) {
	brokers := os.Getenv("ADAPTIVX_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("ADAPTIVX_TEST_KAFKA_BROKERS not set")
	}
	cfg := config.KafkaConfig{
		Brokers:     strings.Split(brokers, ","),
		TopicPrefix: "adaptivx-test-" + time.Now().Format("150405") + ".",
		GroupID:     "adaptivx-test",
	}
	bus, err := NewKafkaBus(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := newCollector()
	if err := bus.Subscribe(ctx, PrefixHealth, c.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, HealthTopic("milling-01"), []byte(`{"health_index":65}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-c.got:
	case <-ctx.Done():
		t.Fatalf("no message received")
	}
}
