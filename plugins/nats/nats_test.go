package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/relaymux/broker"
	"github.com/miladsoleymani/relaymux/core"
)

func TestRegistered(t *testing.T) {
	d, ok := broker.Default.Lookup("NATS")
	require.True(t, ok)
	assert.IsType(t, &Driver{}, d)
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "dynamicTopics-eXistdb", streamName("dynamicTopics/eXistdb"))
	assert.Equal(t, "orders-created", streamName("orders.created"))
	assert.Equal(t, "orders--", streamName("orders.>"))
}

func TestHeaderRoundTrip(t *testing.T) {
	props := core.Properties{
		core.PropEventKind: "create",
		"count":            3,
		"flag":             true,
	}
	h := headerFromProperties(props)
	h.Set(jetstream.MsgIDHeader, "01J...")

	got := propertiesFromHeader(h)
	assert.Equal(t, "create", got[core.PropEventKind])
	assert.Equal(t, "3", got["count"])
	assert.Equal(t, "true", got["flag"])
	assert.NotContains(t, got, jetstream.MsgIDHeader)
}

func TestPropertiesFromHeader_SkipsEmpty(t *testing.T) {
	got := propertiesFromHeader(nats.Header{"a": nil, "b": {"1", "2"}})
	assert.Equal(t, core.Properties{"b": "1"}, got)
}

func TestOptionsFromParams(t *testing.T) {
	p, err := core.ParseParameters(map[string]any{
		core.KeyContextFactory:    Name,
		core.KeyProviderURL:       "nats://localhost:4222",
		core.KeyConnectionFactory: "cf",
		core.KeyDestination:       "q",
		KeyMaxDeliver:             9,
		KeyReplicas:               3,
		KeyStorage:                "memory",
		KeyAckWait:                "2s",
	})
	require.NoError(t, err)

	o := optionsFromParams(defaults(), p)
	assert.Equal(t, 9, o.maxDeliver)
	assert.Equal(t, 3, o.replicas)
	assert.Equal(t, jetstream.MemoryStorage, o.storage)
	assert.Equal(t, 2*time.Second, o.ackWait)

	base := defaults()
	assert.Equal(t, base.maxDeliver, optionsFromParams(base, &core.Parameters{}).maxDeliver)
}
