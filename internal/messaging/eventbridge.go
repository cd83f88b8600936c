package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	apperrors "kortex-backend/internal/errors"
	"kortex-backend/internal/retry"
)

// EventBridgeProducer publishes record-events to an AWS EventBridge bus.
// Transient broker failures are retried with capped exponential backoff; a
// message that still fails surfaces as a MESSAGING error.
type EventBridgeProducer struct {
	client       *eventbridge.Client
	eventBusName string
	source       string
	retryCfg     retry.Config
	logger       *zap.Logger
}

var _ Producer = (*EventBridgeProducer)(nil)

// NewEventBridgeProducer creates a producer for the given bus.
func NewEventBridgeProducer(client *eventbridge.Client, eventBusName, source string, maxRetries int, logger *zap.Logger) *EventBridgeProducer {
	cfg := retry.DefaultConfig()
	if maxRetries > 0 {
		cfg.MaxAttempts = maxRetries
	}
	if source == "" {
		source = "kortex.ingestion"
	}
	return &EventBridgeProducer{
		client:       client,
		eventBusName: eventBusName,
		source:       source,
		retryCfg:     cfg,
		logger:       logger,
	}
}

// Publish sends a single message.
func (p *EventBridgeProducer) Publish(ctx context.Context, msg Message) error {
	return p.PublishBatch(ctx, []Message{msg})
}

// PublishBatch sends messages in PutEvents chunks of 10, the EventBridge
// limit.
func (p *EventBridgeProducer) PublishBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	const chunkSize = 10
	for i := 0; i < len(msgs); i += chunkSize {
		end := i + chunkSize
		if end > len(msgs) {
			end = len(msgs)
		}
		chunk := msgs[i:end]
		err := retry.Do(ctx, p.retryCfg, func(ctx context.Context) error {
			return p.putEvents(ctx, chunk)
		})
		if err != nil {
			p.logger.Error("record-events publish exhausted retries",
				zap.Int("messages", len(chunk)),
				zap.Error(err))
			return apperrors.Wrap(apperrors.KindMessaging, "messaging.PublishBatch", err)
		}
	}
	return nil
}

func (p *EventBridgeProducer) putEvents(ctx context.Context, msgs []Message) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(msgs))
	for _, msg := range msgs {
		detail, err := json.Marshal(msg)
		if err != nil {
			return apperrors.Wrap(apperrors.KindIntegrity, "messaging.putEvents", err)
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.eventBusName),
			Source:       aws.String(p.source),
			DetailType:   aws.String(Topic),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(time.UnixMilli(msg.Timestamp)),
			Resources:    []string{"arn:aws:kortex::" + msg.Key},
		})
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "messaging.putEvents", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil {
				p.logger.Warn("event entry failed",
					zap.String("eventType", string(msgs[i].EventType)),
					zap.String("key", msgs[i].Key),
					zap.String("errorCode", aws.ToString(entry.ErrorCode)),
					zap.String("errorMessage", aws.ToString(entry.ErrorMessage)))
			}
		}
		return apperrors.New(apperrors.KindTransient, "messaging.putEvents", "partial PutEvents failure")
	}

	p.logger.Debug("record-events published",
		zap.Int("count", len(entries)),
		zap.String("eventBus", p.eventBusName))
	return nil
}
