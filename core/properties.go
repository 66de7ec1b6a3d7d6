package core

import (
	"fmt"
	"sort"
	"strconv"
)

// Properties is the application-defined metadata attached to a message.
// Values are strings or primitives (bool, integers, floats). Keys are opaque
// to the transport and order is irrelevant.
type Properties map[string]any

// Clone returns a shallow copy; nil stays nil.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Set stores a value, allocating the map lazily via the returned value.
func (p Properties) Set(key string, value any) Properties {
	if p == nil {
		p = make(Properties)
	}
	p[key] = value
	return p
}

// String returns the value of key formatted as a string, "" when absent.
func (p Properties) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	return FormatValue(v)
}

// Keys returns the keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StringMap flattens every value to a string, for brokers whose headers are
// text only.
func (p Properties) StringMap() map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		if v == nil {
			continue
		}
		out[k] = FormatValue(v)
	}
	return out
}

// PropertiesFromStrings builds Properties from a text header map.
func PropertiesFromStrings(m map[string]string) Properties {
	out := make(Properties, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FormatValue renders a property value the way text-only brokers carry it.
func FormatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		return strconv.FormatBool(t)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// IsPrimitive reports whether v can be carried as a typed property.
func IsPrimitive(v any) bool {
	switch v.(type) {
	case string, bool, int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64:
		return true
	}
	return false
}

// propertiesCarrier adapts Properties to otel's propagation.TextMapCarrier.
type propertiesCarrier Properties

func (c propertiesCarrier) Get(key string) string { return Properties(c).String(key) }

func (c propertiesCarrier) Set(key, value string) { c[key] = value }

func (c propertiesCarrier) Keys() []string { return Properties(c).Keys() }
