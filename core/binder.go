package core

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Binder deserializes a payload into a Go value.
// Implement this interface for custom serialization formats (Protobuf, Avro, etc.).
type Binder interface {
	Bind(data []byte, v any) error
}

// JSONBinder deserializes JSON payloads.
type JSONBinder struct{}

func (JSONBinder) Bind(data []byte, v any) error {
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	return nil
}
