package bus

import (
	"context"
	"sync"
)

// Message is one record captured by MemoryClient.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// MemoryClient is an in-process bus for tests and local development. It can
// be primed to fail to exercise the publisher's retry path.
type MemoryClient struct {
	mu       sync.Mutex
	messages []Message
	failNext int
	err      error
}

// NewMemoryClient returns an empty in-memory bus.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{}
}

// Publish records the message, or returns the primed error while failures
// remain.
func (c *MemoryClient) Publish(_ context.Context, topic, key string, payload []byte, headers map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		return c.err
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	c.messages = append(c.messages, Message{Topic: topic, Key: key, Payload: data, Headers: headers})
	return nil
}

// FailNext makes the next n Publish calls return err.
func (c *MemoryClient) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
	c.err = err
}

// Messages returns a copy of everything published so far.
func (c *MemoryClient) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Close implements the bus client surface; nothing to release.
func (c *MemoryClient) Close() error {
	return nil
}
