package messaging

import (
	"context"
	"sync"
)

// MemoryProducer captures published messages for tests and local development.
type MemoryProducer struct {
	mu       sync.Mutex
	messages []Message

	// FailNext makes the next publish attempt fail with err, once.
	failErr error
}

var _ Producer = (*MemoryProducer)(nil)

// NewMemoryProducer creates an empty producer.
func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{}
}

// Publish records a single message.
func (p *MemoryProducer) Publish(ctx context.Context, msg Message) error {
	return p.PublishBatch(ctx, []Message{msg})
}

// PublishBatch records the messages in order.
func (p *MemoryProducer) PublishBatch(ctx context.Context, msgs []Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		err := p.failErr
		p.failErr = nil
		return err
	}
	p.messages = append(p.messages, msgs...)
	return nil
}

// Messages returns a copy of everything published so far.
func (p *MemoryProducer) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

// ByType filters captured messages by event type.
func (p *MemoryProducer) ByType(t EventType) []Message {
	var out []Message
	for _, m := range p.Messages() {
		if m.EventType == t {
			out = append(out, m)
		}
	}
	return out
}

// FailNext makes the next publish fail once with err.
func (p *MemoryProducer) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Reset drops captured messages.
func (p *MemoryProducer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}
