package rabbitmq

import (
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/miladsoleymani/relaymux/core"
)

// delivery adapts an amqp.Delivery to core.Delivery.
type delivery struct {
	d     amqp.Delivery
	queue string
}

func (m *delivery) ID() string {
	if m.d.MessageId != "" {
		return m.d.MessageId
	}
	return fmt.Sprintf("%s:%d", m.d.ConsumerTag, m.d.DeliveryTag)
}

func (m *delivery) Destination() string {
	if m.d.RoutingKey != "" {
		return m.d.RoutingKey
	}
	return m.queue
}

func (m *delivery) Body() []byte { return m.d.Body }

func (m *delivery) Properties() core.Properties {
	props := make(core.Properties, len(m.d.Headers))
	for k, v := range m.d.Headers {
		props[k] = v
	}
	return props
}

// Ack acknowledges the message, removing it from the queue.
func (m *delivery) Ack() error {
	if err := m.d.Ack(false); err != nil {
		return fmt.Errorf("relaymux/rabbitmq: ack: %w", err)
	}
	return nil
}

// Nack returns the message to the queue for redelivery.
func (m *delivery) Nack() error {
	if err := m.d.Nack(false, true); err != nil {
		return fmt.Errorf("relaymux/rabbitmq: nack: %w", err)
	}
	return nil
}

// headersFromProperties keeps the types AMQP tables can carry and formats
// everything else as text.
func headersFromProperties(props core.Properties) amqp.Table {
	t := make(amqp.Table, len(props))
	for k, v := range props {
		switch x := v.(type) {
		case string, bool, int8, int16, int32, int64, float32, float64:
			t[k] = x
		case int:
			t[k] = int64(x)
		case uint8:
			t[k] = int16(x)
		case uint16:
			t[k] = int32(x)
		case uint32:
			t[k] = int64(x)
		default:
			t[k] = core.FormatValue(v)
		}
	}
	return t
}

// publishing builds the AMQP message for msg.
func publishing(msg *core.Message) amqp.Publishing {
	p := amqp.Publishing{
		Headers:      headersFromProperties(msg.Properties),
		ContentType:  msg.Properties.String(core.PropContentType),
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	}
	if p.ContentType == "" {
		p.ContentType = "application/octet-stream"
	}
	if msg.Priority > 0 {
		p.Priority = uint8(min(msg.Priority, 9))
	}
	if msg.TTL > 0 {
		p.Expiration = strconv.FormatInt(msg.TTL.Milliseconds(), 10)
	}
	return p
}
