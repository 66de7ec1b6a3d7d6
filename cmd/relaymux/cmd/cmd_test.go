package cmd

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/send"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		configPath, destination = "", ""
		listenCount = 0
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDrivers(t *testing.T) {
	out, err := execute(t, "drivers")
	require.NoError(t, err)
	for _, name := range []string{"amqp", "kafka", "memory", "nats", "rabbitmq"} {
		assert.Contains(t, out, name+"\n")
	}
}

func TestSend_Memory(t *testing.T) {
	t.Setenv("RELAYMUX_BROKER_CONTEXT_FACTORY", "memory")
	t.Setenv("RELAYMUX_BROKER_PROVIDER_URL", "memory://cli-test")
	t.Setenv("RELAYMUX_LOGGER_LOG_LEVEL", "error")

	out, err := execute(t, "send", "-d", "dynamicTopics/eXistdb",
		"--kind", "create", "--path", "/db/apps/a.xml", "--data", "<a/>",
		"--property", "origin=cli")
	require.NoError(t, err)

	var conf core.Confirmation
	require.NoError(t, sonic.ConfigStd.UnmarshalFromString(out, &conf))
	assert.NotEmpty(t, conf.MessageID)
	assert.Equal(t, "dynamicTopics/eXistdb", conf.Destination)
	assert.Equal(t, "ConnectionFactory", conf.ConnectionFactory)
}

func TestSend_MissingConfiguration(t *testing.T) {
	t.Setenv("RELAYMUX_BROKER_CONTEXT_FACTORY", "memory")

	_, err := execute(t, "send", "--path", "/db/a.xml")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestEnvelopeFromFlags_UnknownKind(t *testing.T) {
	old := sendKind
	t.Cleanup(func() { sendKind = old })
	sendKind = "rename"

	_, err := envelopeFromFlags(bytes.NewReader(nil))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestListen_CountStopsAfterLimit(t *testing.T) {
	t.Setenv("RELAYMUX_BROKER_CONTEXT_FACTORY", "memory")
	t.Setenv("RELAYMUX_BROKER_PROVIDER_URL", "memory://cli-listen")
	t.Setenv("RELAYMUX_BROKER_DESTINATION", "dynamicQueues/jobs")
	t.Setenv("RELAYMUX_LOGGER_LOG_LEVEL", "error")

	type result struct {
		out string
		err error
	}
	finished := make(chan result, 1)
	go func() {
		out, err := execute(t, "listen", "--count", "1")
		finished <- result{out, err}
	}()

	params, err := core.ParseParameters(map[string]any{
		core.KeyContextFactory:    "memory",
		core.KeyProviderURL:       "memory://cli-listen",
		core.KeyConnectionFactory: "ConnectionFactory",
		core.KeyDestination:       "dynamicQueues/jobs",
	})
	require.NoError(t, err)
	s := send.New()

	// The memory bus drops messages nobody consumes yet, so publish until
	// listen has taken one and exited.
	deadline := time.After(10 * time.Second)
	for {
		_, err := s.Publish(context.Background(), params, nil, core.NewEnvelope(core.EventCreate, "/db/job.xml", nil))
		require.NoError(t, err)
		select {
		case res := <-finished:
			require.NoError(t, res.err)
			lines := strings.Split(strings.TrimSpace(res.out), "\n")
			assert.Len(t, lines, 1)
			assert.Contains(t, lines[0], `"/db/job.xml"`)
			return
		case <-deadline:
			t.Fatal("listen did not exit after --count messages")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
