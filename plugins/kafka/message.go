package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/relaymux/core"
)

// delivery adapts a kafka.Message to core.Delivery.
// It holds a reference to the reader for offset management.
type delivery struct {
	raw    kafka.Message
	reader messageReader
	group  bool
	ctx    context.Context
}

// ID is the message key set by the sender, else the partition offset.
func (d *delivery) ID() string {
	if len(d.raw.Key) > 0 {
		return string(d.raw.Key)
	}
	return fmt.Sprintf("%s/%d@%d", d.raw.Topic, d.raw.Partition, d.raw.Offset)
}

func (d *delivery) Destination() string { return d.raw.Topic }
func (d *delivery) Body() []byte        { return d.raw.Value }

func (d *delivery) Properties() core.Properties {
	props := make(core.Properties, len(d.raw.Headers))
	for _, h := range d.raw.Headers {
		props[h.Key] = string(h.Value)
	}
	return props
}

// Ack commits the offset for this message. Readers without a consumer group
// have no committed offsets.
func (d *delivery) Ack() error {
	if !d.group {
		return nil
	}
	if err := d.reader.CommitMessages(d.ctx, d.raw); err != nil {
		return fmt.Errorf("relaymux/kafka: commit offset: %w", err)
	}
	return nil
}

// Nack is a no-op for Kafka. Not committing the offset causes the message
// to be redelivered on the next consumer group rebalance or restart.
func (d *delivery) Nack() error {
	return nil
}

// toHeaders converts properties to Kafka headers in key order.
func toHeaders(props core.Properties) []kafka.Header {
	if len(props) == 0 {
		return nil
	}
	headers := make([]kafka.Header, 0, len(props))
	for _, k := range props.Keys() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(core.FormatValue(props[k]))})
	}
	return headers
}
