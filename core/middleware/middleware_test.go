package middleware_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/core/middleware"
	"github.com/miladsoleymani/relaymux/internal/mock"
)

func newContext() core.Context {
	msg := &mock.Message{MsgID: "m-1", Dest: "dynamicTopics/eXistdb", P: core.Properties{}}
	env := core.NewEnvelope(core.EventUpdate, "/db/apps/a.xml", []byte("<a/>"))
	return core.NewContext(context.Background(), 7, msg, env, core.JSONBinder{})
}

func TestLogging(t *testing.T) {
	obs, logs := observer.New(zap.DebugLevel)
	handler := middleware.Logging(zap.New(obs))(func(core.Context) error { return nil })

	require.NoError(t, handler(newContext()))

	entries := logs.FilterMessage("message handled").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(7), fields["receiver_id"])
	assert.Equal(t, "dynamicTopics/eXistdb", fields["destination"])
	assert.Equal(t, "m-1", fields["message_id"])
}

func TestLogging_Error(t *testing.T) {
	obs, logs := observer.New(zap.DebugLevel)
	handler := middleware.Logging(zap.New(obs))(func(core.Context) error { return errors.New("boom") })

	err := handler(newContext())
	require.EqualError(t, err, "boom")

	entries := logs.FilterMessage("message handling failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, "boom", entries[0].ContextMap()["error"])
}

func TestRecovery(t *testing.T) {
	obs, logs := observer.New(zap.ErrorLevel)
	handler := middleware.Recovery(zap.New(obs))(func(core.Context) error {
		panic("test panic")
	})

	err := handler(newContext())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrReceive)
	assert.Contains(t, err.Error(), "panic recovered: test panic")
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := middleware.Recovery(nil)(func(core.Context) error { return nil })
	assert.NoError(t, handler(newContext()))
}

type recordingCollector struct {
	destination string
	err         error
	calls       int
}

func (r *recordingCollector) MessageProcessed(destination string, _ time.Duration, err error) {
	r.destination = destination
	r.err = err
	r.calls++
}

func TestMetrics(t *testing.T) {
	c := &recordingCollector{}
	boom := errors.New("boom")
	handler := middleware.Metrics(c)(func(core.Context) error { return boom })

	assert.ErrorIs(t, handler(newContext()), boom)
	assert.Equal(t, 1, c.calls)
	assert.Equal(t, "dynamicTopics/eXistdb", c.destination)
	assert.ErrorIs(t, c.err, boom)
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := middleware.NewPrometheusCollector(reg)
	require.NoError(t, err)

	c.MessageProcessed("q", 10*time.Millisecond, nil)
	c.MessageProcessed("q", 10*time.Millisecond, errors.New("boom"))
	c.MessageSkipped("q")
	c.PublishCompleted("q", nil)
	c.PublishCompleted("q", core.TransportError("connect", errors.New("refused")))

	assert.Equal(t, 3, testutil.CollectAndCount(reg, "relaymux_receiver_messages_total"))
	assert.Equal(t, 2, testutil.CollectAndCount(reg, "relaymux_sender_publish_total"))

	again, err := middleware.NewPrometheusCollector(reg)
	require.NoError(t, err, "second registration reuses collectors")
	again.PublishCompleted("q", nil)
	assert.Equal(t, 2, testutil.CollectAndCount(reg, "relaymux_sender_publish_total"))
}
