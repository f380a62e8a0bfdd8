// Package audit publishes terminal funding outcomes for downstream
// consumers, including the reconciliation pass that resolves ambiguous
// attempts against chain state.
package audit

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/domain/models"
	"github.com/turtacn/tap/internal/domain/service"
	"github.com/turtacn/tap/pkg/logger"
)

// KafkaProducer is a Kafka-backed implementation of the AuditService.
type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

var _ service.AuditService = (*KafkaProducer)(nil)

// NewKafkaProducer creates the funding event producer.
func NewKafkaProducer(cfg *config.KafkaConfig, log logger.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	return &KafkaProducer{
		writer: writer,
		logger: log.WithComponent("kafka_audit"),
	}
}

// LogFundingEvent publishes one terminal outcome, keyed by request ID so
// replays of one request stay ordered within a partition.
func (p *KafkaProducer) LogFundingEvent(ctx context.Context, event models.FundingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal funding event", err)
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.RequestID),
		Value: payload,
	})
	if err != nil {
		p.logger.Error(ctx, "failed to publish funding event", err,
			logger.String("request_id", event.RequestID),
		)
	}
	return err
}

// Close flushes and closes the underlying writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// NoopAuditService discards events; used when the audit topic is disabled.
type NoopAuditService struct{}

var _ service.AuditService = (*NoopAuditService)(nil)

func (NoopAuditService) LogFundingEvent(ctx context.Context, event models.FundingEvent) error {
	return nil
}

func (NoopAuditService) Close() error { return nil }
