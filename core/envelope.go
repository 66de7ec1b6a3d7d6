package core

import (
	"fmt"
	"strings"
)

// EventKind tags what happened to the resource.
type EventKind string

const (
	EventCreate   EventKind = "create"
	EventUpdate   EventKind = "update"
	EventDelete   EventKind = "delete"
	EventMove     EventKind = "move"
	EventCopy     EventKind = "copy"
	EventMetadata EventKind = "metadata"
	EventGeneric  EventKind = "generic"
)

// ParseEventKind accepts any case; unknown names are an InvalidArgument.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case EventCreate, EventUpdate, EventDelete, EventMove, EventCopy, EventMetadata, EventGeneric:
		return k, nil
	case "":
		return EventGeneric, nil
	}
	return "", InvalidArgument("parse event kind", fmt.Sprintf("unknown event kind %q", s))
}

// ResourceType distinguishes documents from collections.
type ResourceType string

const (
	ResourceDocument   ResourceType = "document"
	ResourceCollection ResourceType = "collection"
	ResourceUndefined  ResourceType = "undefined"
)

// ParseResourceType maps unknown or empty names to ResourceUndefined.
func ParseResourceType(s string) ResourceType {
	switch t := ResourceType(strings.ToLower(strings.TrimSpace(s))); t {
	case ResourceDocument, ResourceCollection:
		return t
	}
	return ResourceUndefined
}

// Standard properties written by the sender and read back by receivers.
const (
	PropEventKind       = "relaymux.event.kind"
	PropResourceType    = "relaymux.resource.type"
	PropResourcePath    = "relaymux.resource.path"
	PropDestinationPath = "relaymux.destination.path"
	PropContentType     = "relaymux.content-type"
	PropCompression     = "relaymux.payload.compression"
	PropInstanceID      = "relaymux.instance-id"
)

// Envelope is one domain event: what happened, to which resource, and an
// optional opaque payload. It is immutable once built.
type Envelope struct {
	kind         EventKind
	resourceType ResourceType
	path         string
	destPath     string
	contentType  string
	payload      []byte
}

// EnvelopeOption configures optional Envelope fields.
type EnvelopeOption func(*Envelope)

// WithResourceType sets the resource type (default undefined).
func WithResourceType(t ResourceType) EnvelopeOption {
	return func(e *Envelope) { e.resourceType = t }
}

// WithDestinationPath sets the target path of a move or copy.
func WithDestinationPath(path string) EnvelopeOption {
	return func(e *Envelope) { e.destPath = path }
}

// WithContentType records the payload media type.
func WithContentType(ct string) EnvelopeOption {
	return func(e *Envelope) { e.contentType = ct }
}

// NewEnvelope builds an Envelope. The payload is copied.
func NewEnvelope(kind EventKind, path string, payload []byte, opts ...EnvelopeOption) *Envelope {
	if kind == "" {
		kind = EventGeneric
	}
	e := &Envelope{
		kind:         kind,
		resourceType: ResourceUndefined,
		path:         path,
	}
	if payload != nil {
		e.payload = append([]byte(nil), payload...)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Envelope) Kind() EventKind            { return e.kind }
func (e *Envelope) ResourceType() ResourceType { return e.resourceType }
func (e *Envelope) Path() string               { return e.path }
func (e *Envelope) DestinationPath() string    { return e.destPath }
func (e *Envelope) ContentType() string        { return e.contentType }

// Payload returns a copy of the payload bytes.
func (e *Envelope) Payload() []byte {
	if e.payload == nil {
		return nil
	}
	return append([]byte(nil), e.payload...)
}

// PayloadSize avoids the copy made by Payload.
func (e *Envelope) PayloadSize() int { return len(e.payload) }

// Properties returns the standard properties describing the envelope.
func (e *Envelope) Properties() Properties {
	p := Properties{
		PropEventKind:    string(e.kind),
		PropResourceType: string(e.resourceType),
		PropResourcePath: e.path,
	}
	if e.destPath != "" {
		p[PropDestinationPath] = e.destPath
	}
	if e.contentType != "" {
		p[PropContentType] = e.contentType
	}
	return p
}

// EnvelopeFromProperties rebuilds an Envelope from received properties and
// an already decompressed body. Unknown kinds fall back to generic.
func EnvelopeFromProperties(props Properties, body []byte) *Envelope {
	kind, err := ParseEventKind(props.String(PropEventKind))
	if err != nil {
		kind = EventGeneric
	}
	return NewEnvelope(kind, props.String(PropResourcePath), body,
		WithResourceType(ParseResourceType(props.String(PropResourceType))),
		WithDestinationPath(props.String(PropDestinationPath)),
		WithContentType(props.String(PropContentType)),
	)
}

func (e *Envelope) String() string {
	return fmt.Sprintf("type=%q resource=%q operation=%q size=%d", e.resourceType, e.path, e.kind, len(e.payload))
}
