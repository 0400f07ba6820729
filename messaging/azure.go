package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/workflow/config"
	"example.com/backstage/services/workflow/domain"
)

// Publisher publishes committed events to an Azure Service Bus queue so
// downstream systems can react without polling the store. Publishing is
// best-effort and happens after the append has committed; losing a message
// never affects the event log.
type Publisher struct {
	sender  *azservicebus.Sender
	enabled bool
}

// NewPublisher creates a queue publisher. Without a connection string it
// degrades to a no-op.
func NewPublisher(cfg config.AzureConfig) (*Publisher, error) {
	if cfg.QueueConnStr == "" {
		log.Warn().Msg("Azure Service Bus connection string not provided, event publishing disabled")
		return &Publisher{enabled: false}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.EventsQueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &Publisher{sender: sender, enabled: true}, nil
}

// eventEnvelope is the wire format for published events.
type eventEnvelope struct {
	EventID        string      `json:"event_id"`
	StreamID       string      `json:"stream_id"`
	StreamType     string      `json:"stream_type"`
	EventType      string      `json:"event_type"`
	SchemaVersion  int         `json:"schema_version"`
	SequenceNumber int64       `json:"sequence_number"`
	Timestamp      time.Time   `json:"timestamp"`
	Data           interface{} `json:"data"`
}

// PublishEvents sends one message per event. Errors are logged and returned
// but callers treat them as non-fatal.
func (p *Publisher) PublishEvents(ctx context.Context, events []domain.Event) error {
	if !p.enabled || len(events) == 0 {
		return nil
	}

	for _, event := range events {
		body, err := json.Marshal(eventEnvelope{
			EventID:        event.EventID,
			StreamID:       event.StreamID,
			StreamType:     event.StreamType,
			EventType:      event.Type,
			SchemaVersion:  event.SchemaVersion,
			SequenceNumber: event.SequenceNumber,
			Timestamp:      event.Timestamp,
			Data:           event.Data,
		})
		if err != nil {
			return errors.Wrap(err, "failed to marshal event envelope")
		}

		msg := &azservicebus.Message{
			MessageID: &event.EventID,
			SessionID: &event.StreamID,
			Body:      body,
		}
		if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
			log.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to publish event")
			return errors.Wrap(err, "failed to publish event")
		}
	}

	log.Debug().Int("count", len(events)).Msg("Events published")
	return nil
}

// Close closes the underlying sender.
func (p *Publisher) Close(ctx context.Context) error {
	if !p.enabled || p.sender == nil {
		return nil
	}
	return p.sender.Close(ctx)
}
