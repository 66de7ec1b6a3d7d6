package ids

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageID_Monotonic(t *testing.T) {
	prev := NewMessageID()
	for range 100 {
		next := NewMessageID()
		_, err := ulid.ParseStrict(next)
		require.NoError(t, err)
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestNewIdentity(t *testing.T) {
	a, b := NewIdentity(), NewIdentity()
	assert.NotEqual(t, a.ID(), b.ID())
	_, err := uuid.Parse(a.ID())
	assert.NoError(t, err)
}
