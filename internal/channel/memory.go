package channel

import (
	"context"
	"sync"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/google/uuid"
)

// MemoryAdapter records messages in memory for inspection and testing.
type MemoryAdapter struct {
	channel domain.Channel
	name    string

	mu       sync.Mutex
	messages []Message
	err      error
}

// NewMemoryAdapter constructs an adapter for the given channel.
func NewMemoryAdapter(ch domain.Channel) *MemoryAdapter {
	return &MemoryAdapter{channel: ch, name: "memory-" + string(ch)}
}

func (m *MemoryAdapter) Name() string            { return m.name }
func (m *MemoryAdapter) Channel() domain.Channel { return m.channel }

// FailWith makes every subsequent Send return err. Pass nil to recover.
func (m *MemoryAdapter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Send records the message and returns a generated provider ID.
func (m *MemoryAdapter) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.messages = append(m.messages, msg)
	return m.name + "-" + uuid.NewString(), nil
}

// Messages returns a copy of the messages seen so far.
func (m *MemoryAdapter) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}
