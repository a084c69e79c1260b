// Package bus provides event bus clients for the outbox publisher. Pub/Sub
// is the default backend; NATS is available for self-hosted deployments.
package bus

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// PubSubClient publishes outbox messages to a Google Cloud Pub/Sub topic.
type PubSubClient struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// NewPubSubClient builds a client and a publisher for the topic. The topic
// must already exist; creation is an operations concern.
func NewPubSubClient(ctx context.Context, projectID, topicID string) (*PubSubClient, error) {
	if projectID == "" {
		return nil, fmt.Errorf("bus.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	publisher := client.Publisher(topicID)
	publisher.EnableMessageOrdering = true
	return &PubSubClient{client: client, publisher: publisher}, nil
}

// Publish sends one message and waits for the server ack. The key becomes
// the ordering key so all events of a job land in emission order.
func (c *PubSubClient) Publish(ctx context.Context, _ string, key string, payload []byte, headers map[string]string) error {
	if c.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	msg := &pubsub.Message{
		Data:        payload,
		OrderingKey: key,
		Attributes:  headers,
	}
	result := c.publisher.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Close stops the publisher and releases the client connection.
func (c *PubSubClient) Close() error {
	if c.publisher != nil {
		c.publisher.Stop()
	}
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
