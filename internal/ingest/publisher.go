package ingest

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Publisher delivers a finished run summary to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, summary *RunSummary) error
}

// PubSubConfig holds configuration for the Pub/Sub summary publisher.
type PubSubConfig struct {
	ProjectID string
	Topic     string
	Logger    zerolog.Logger
}

// PubSubPublisher publishes run summaries to a Pub/Sub topic.
type PubSubPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topic     string
	logger    zerolog.Logger
}

// NewPubSubPublisher creates a publisher for cfg.Topic.
func NewPubSubPublisher(ctx context.Context, cfg PubSubConfig, opts ...option.ClientOption) (*PubSubPublisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("pubsub: project id and topic are required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	publisher := client.Publisher(cfg.Topic)
	// Send each summary immediately.
	publisher.PublishSettings.CountThreshold = 1

	return &PubSubPublisher{
		client:    client,
		publisher: publisher,
		topic:     cfg.Topic,
		logger:    cfg.Logger,
	}, nil
}

// Publish sends the JSON summary with run_id and status attributes and waits
// for the server acknowledgement.
func (p *PubSubPublisher) Publish(ctx context.Context, summary *RunSummary) error {
	data, err := summary.JSON()
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id": summary.RunID,
			"status": summary.Status,
		},
	})

	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publishing run summary: %w", err)
	}

	p.logger.Info().
		Str("topic", p.topic).
		Str("message_id", id).
		Str("run_id", summary.RunID).
		Msg("run summary published")
	return nil
}

// Close flushes pending messages and closes the Pub/Sub client.
func (p *PubSubPublisher) Close() error {
	p.publisher.Stop()
	return p.client.Close()
}
