package broker

import (
	"strings"

	"github.com/miladsoleymani/relaymux/core"
)

// Endpoints splits a comma separated provider URL into broker addresses,
// stripping the given scheme prefix (for example "kafka://") when present.
func Endpoints(params *core.Parameters, scheme string) []string {
	var out []string
	for _, part := range strings.Split(params.ProviderURL, ",") {
		part = strings.TrimSpace(part)
		if scheme != "" {
			part = strings.TrimPrefix(part, scheme+"://")
		}
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConnectionName is the client-visible name of a connection: the client id
// when set, else the connection factory name.
func ConnectionName(params *core.Parameters) string {
	if id := params.ClientID(); id != "" {
		return id
	}
	return params.ConnectionFactory
}

// SubscriberName returns the durable subscription name, derived from the
// connection name and destination when not configured.
func SubscriberName(params *core.Parameters) string {
	if n := params.SubscriberName(); n != "" {
		return n
	}
	return sanitize(ConnectionName(params) + "-" + params.Destination)
}

// sanitize replaces characters brokers reject in consumer and stream names.
func sanitize(s string) string {
	buf := []byte(s)
	for i, c := range buf {
		switch c {
		case '.', '*', '>', ' ', '/', '#':
			buf[i] = '-'
		}
	}
	return string(buf)
}
