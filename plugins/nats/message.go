package nats

import (
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/relaymux/core"
)

// delivery adapts a JetStream message to core.Delivery.
type delivery struct {
	msg   jetstream.Msg
	props core.Properties
}

func newDelivery(msg jetstream.Msg) *delivery {
	return &delivery{msg: msg, props: propertiesFromHeader(msg.Headers())}
}

// ID is the publisher's message id, or the stream sequence when the message
// was published without one.
func (d *delivery) ID() string {
	if id := d.msg.Headers().Get(jetstream.MsgIDHeader); id != "" {
		return id
	}
	if md, err := d.msg.Metadata(); err == nil {
		return strconv.FormatUint(md.Sequence.Stream, 10)
	}
	return ""
}

func (d *delivery) Destination() string         { return d.msg.Subject() }
func (d *delivery) Body() []byte                { return d.msg.Data() }
func (d *delivery) Properties() core.Properties { return d.props }

// Ack acknowledges the message, marking it as processed.
func (d *delivery) Ack() error {
	if err := d.msg.Ack(); err != nil {
		return fmt.Errorf("relaymux/nats: ack: %w", err)
	}
	return nil
}

// Nack signals that the message could not be processed.
// The server will redeliver it according to the consumer's MaxDeliver setting.
func (d *delivery) Nack() error {
	if err := d.msg.Nak(); err != nil {
		return fmt.Errorf("relaymux/nats: nack: %w", err)
	}
	return nil
}

func headerFromProperties(props core.Properties) nats.Header {
	h := nats.Header{}
	for k, v := range props {
		h.Set(k, core.FormatValue(v))
	}
	return h
}

// propertiesFromHeader drops JetStream's own headers.
func propertiesFromHeader(h nats.Header) core.Properties {
	props := make(core.Properties, len(h))
	for k, v := range h {
		if len(v) == 0 || k == jetstream.MsgIDHeader {
			continue
		}
		props[k] = v[0]
	}
	return props
}
