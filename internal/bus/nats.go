package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSClient publishes outbox messages to a NATS subject. Topic names map
// to subjects verbatim; the partition key is carried as a header since core
// NATS has no ordering key.
type NATSClient struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSClient connects to the server with reconnect handlers wired to the
// logger.
func NewNATSClient(url string, logger *zap.Logger) (*NATSClient, error) {
	if url == "" {
		return nil, fmt.Errorf("bus.nats_url is required")
	}
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from nats", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", zap.String("server", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSClient{conn: conn, logger: logger}, nil
}

// Publish sends one message with headers and flushes so the caller observes
// delivery failures synchronously.
func (c *NATSClient) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if c.conn == nil || !c.conn.IsConnected() {
		return fmt.Errorf("not connected to nats")
	}
	msg := nats.NewMsg(topic)
	msg.Data = payload
	msg.Header.Set("partition_key", key)
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

// Close drains the connection so in-flight messages are delivered first.
func (c *NATSClient) Close() error {
	if c.conn != nil && c.conn.IsConnected() {
		return c.conn.Drain()
	}
	return nil
}
