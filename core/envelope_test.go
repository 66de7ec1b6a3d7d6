package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/relaymux/core"
)

func TestParseEventKind(t *testing.T) {
	k, err := core.ParseEventKind(" Move ")
	require.NoError(t, err)
	assert.Equal(t, core.EventMove, k)

	k, err = core.ParseEventKind("")
	require.NoError(t, err)
	assert.Equal(t, core.EventGeneric, k)

	_, err = core.ParseEventKind("rename")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestParseResourceType(t *testing.T) {
	assert.Equal(t, core.ResourceCollection, core.ParseResourceType("COLLECTION"))
	assert.Equal(t, core.ResourceUndefined, core.ParseResourceType("binary"))
	assert.Equal(t, core.ResourceUndefined, core.ParseResourceType(""))
}

func TestEnvelope_PayloadIsCopied(t *testing.T) {
	payload := []byte("<a/>")
	env := core.NewEnvelope(core.EventCreate, "/db/a.xml", payload)
	payload[0] = 'X'
	assert.Equal(t, []byte("<a/>"), env.Payload())

	out := env.Payload()
	out[0] = 'Y'
	assert.Equal(t, []byte("<a/>"), env.Payload())
	assert.Equal(t, 4, env.PayloadSize())
}

func TestEnvelope_Defaults(t *testing.T) {
	env := core.NewEnvelope("", "", nil)
	assert.Equal(t, core.EventGeneric, env.Kind())
	assert.Equal(t, core.ResourceUndefined, env.ResourceType())
	assert.Nil(t, env.Payload())
	assert.NotContains(t, env.Properties(), core.PropDestinationPath)
}

func TestEnvelope_PropertiesRoundTrip(t *testing.T) {
	env := core.NewEnvelope(core.EventCopy, "/db/a", []byte("x"),
		core.WithResourceType(core.ResourceCollection),
		core.WithDestinationPath("/db/b"),
		core.WithContentType("application/xml"))

	props := env.Properties()
	assert.Equal(t, "copy", props[core.PropEventKind])
	assert.Equal(t, "collection", props[core.PropResourceType])

	back := core.EnvelopeFromProperties(props, []byte("x"))
	assert.Equal(t, env.Kind(), back.Kind())
	assert.Equal(t, env.ResourceType(), back.ResourceType())
	assert.Equal(t, env.Path(), back.Path())
	assert.Equal(t, env.DestinationPath(), back.DestinationPath())
	assert.Equal(t, env.ContentType(), back.ContentType())
	assert.Equal(t, env.String(), back.String())
}

func TestEnvelopeFromProperties_UnknownKind(t *testing.T) {
	env := core.EnvelopeFromProperties(core.Properties{core.PropEventKind: "rename"}, nil)
	assert.Equal(t, core.EventGeneric, env.Kind())
}
