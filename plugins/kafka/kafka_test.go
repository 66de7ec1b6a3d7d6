package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/relaymux/broker"
	"github.com/miladsoleymani/relaymux/core"
)

func testParams(t *testing.T, extra map[string]any) *core.Parameters {
	t.Helper()
	raw := map[string]any{
		core.KeyContextFactory:    Name,
		core.KeyProviderURL:       "kafka://127.0.0.1:1,kafka://127.0.0.1:2",
		core.KeyConnectionFactory: "ConnectionFactory",
		core.KeyDestination:       "existdb.events",
	}
	for k, v := range extra {
		raw[k] = v
	}
	p, err := core.ParseParameters(raw)
	require.NoError(t, err)
	return p
}

func TestRegistered(t *testing.T) {
	_, ok := broker.Default.Lookup(Name)
	assert.True(t, ok)
}

func TestConnect_Unreachable(t *testing.T) {
	d := New(WithDialTimeout(200 * time.Millisecond))
	_, err := d.Connect(context.Background(), testParams(t, nil), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no broker reachable")
}

func TestNewDialer(t *testing.T) {
	p := testParams(t, map[string]any{
		core.KeyClientID: "node-1",
		core.KeyUsername: "u",
		core.KeyPassword: "p",
	})
	dialer := newDialer(p, defaults())
	assert.Equal(t, "node-1", dialer.ClientID)
	assert.Equal(t, plain.Mechanism{Username: "u", Password: "p"}, dialer.SASLMechanism)

	dialer = newDialer(testParams(t, nil), defaults())
	assert.Equal(t, "ConnectionFactory", dialer.ClientID)
	assert.Nil(t, dialer.SASLMechanism)
}

func TestReaderConfig(t *testing.T) {
	p := testParams(t, map[string]any{KeyStartOffset: "earliest"})
	s := &session{conn: &connection{
		brokers: []string{"127.0.0.1:9092"},
		dialer:  newDialer(p, defaults()),
		params:  p,
		opts:    optionsFromParams(defaults(), p),
	}}

	cfg := s.readerConfig("existdb.events", core.ConsumeOptions{Durable: true})
	assert.Equal(t, "ConnectionFactory-existdb-events", cfg.GroupID)
	assert.Equal(t, kafka.FirstOffset, cfg.StartOffset)

	cfg = s.readerConfig("existdb.events", core.ConsumeOptions{Durable: false})
	assert.Empty(t, cfg.GroupID)
}

func TestDelivery(t *testing.T) {
	d := &delivery{raw: kafka.Message{
		Topic:     "t",
		Partition: 2,
		Offset:    40,
		Headers:   toHeaders(core.Properties{core.PropEventKind: "copy", "n": 5}),
	}}
	assert.Equal(t, "t/2@40", d.ID())
	assert.Equal(t, "copy", d.Properties().String(core.PropEventKind))
	assert.Equal(t, "5", d.Properties()["n"])
	assert.NoError(t, d.Ack(), "no group, nothing to commit")

	d.raw.Key = []byte("01HX")
	assert.Equal(t, "01HX", d.ID())
}

func TestConsumerErrorsReachListener(t *testing.T) {
	var got []error
	c := &connection{onError: func(err error) { got = append(got, err) }}
	c.reportError(errors.New("boom"))
	assert.Len(t, got, 1)
}
