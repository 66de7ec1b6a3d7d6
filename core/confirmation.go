package core

import "time"

// Confirmation is the result of a successful publish.
type Confirmation struct {
	MessageID         string            `json:"message_id"`
	Destination       string            `json:"destination"`
	ConnectionFactory string            `json:"connection_factory"`
	ProviderURL       string            `json:"provider_url"`
	Timestamp         time.Time         `json:"timestamp"`
	Properties        map[string]string `json:"properties,omitempty"`
}
