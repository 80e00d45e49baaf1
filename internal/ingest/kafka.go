package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"adaptivx/internal/config"
)

// StartKafka consumes sensor samples from the configured topic until ctx
// is done. It returns immediately when Kafka intake is disabled.
func StartKafka(ctx context.Context, cfg config.IngestKafkaConfig, p *Pipeline, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ingest-kafka")
	if !cfg.Enabled {
		logger.Info("kafka ingest disabled")
		return
	}
	logger.Info("kafka ingest enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka read error", "error", err)
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			s, err := ParseSample(m.Value)
			if err != nil {
				logger.Warn("undecodable sensor sample", "offset", m.Offset, "error", err)
				continue
			}
			if s.AssetID == "" {
				s.AssetID = string(m.Key)
			}
			if _, err := p.Submit(ctx, s); err != nil {
				logger.Warn("sensor sample rejected", "asset_id", s.AssetID, "error", err)
			}
		}
	}()
}
