package mock

import (
	"sync"

	"github.com/miladsoleymani/relaymux/core"
)

// Message is a simple core.Delivery implementation for testing.
type Message struct {
	MsgID   string
	Dest    string
	B       []byte
	P       core.Properties
	AckErr  error
	NackErr error

	mu     sync.Mutex
	acked  int
	nacked int
}

func (m *Message) ID() string                  { return m.MsgID }
func (m *Message) Destination() string         { return m.Dest }
func (m *Message) Body() []byte                { return m.B }
func (m *Message) Properties() core.Properties { return m.P }

func (m *Message) Ack() error {
	m.mu.Lock()
	m.acked++
	m.mu.Unlock()
	return m.AckErr
}

func (m *Message) Nack() error {
	m.mu.Lock()
	m.nacked++
	m.mu.Unlock()
	return m.NackErr
}

// Acked reports how many times Ack was called.
func (m *Message) Acked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

// Nacked reports how many times Nack was called.
func (m *Message) Nacked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nacked
}
