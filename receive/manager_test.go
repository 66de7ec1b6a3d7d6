package receive_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/relaymux/broker"
	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/internal/mock"
	"github.com/miladsoleymani/relaymux/receive"
)

func newParams(t *testing.T, destination string, extra map[string]any) *core.Parameters {
	t.Helper()
	raw := map[string]any{
		core.KeyContextFactory:    "mock",
		core.KeyProviderURL:       "mock://broker:1234",
		core.KeyConnectionFactory: "ConnectionFactory",
		core.KeyDestination:       destination,
	}
	for k, v := range extra {
		raw[k] = v
	}
	p, err := core.ParseParameters(raw)
	require.NoError(t, err)
	return p
}

func dialer(md *mock.Driver) receive.Option {
	reg := broker.NewRegistry()
	reg.Register("mock", md)
	return receive.WithDialer(reg)
}

func noop(core.Context) error { return nil }

func newReceiver(t *testing.T, destination string, opts ...receive.Option) *receive.Receiver {
	t.Helper()
	r, err := receive.New(newParams(t, destination, nil), noop, opts...)
	require.NoError(t, err)
	return r
}

func TestManager_RegisterNil(t *testing.T) {
	m := receive.NewManager()
	_, err := m.Register(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	assert.Zero(t, m.Len())
}

func TestManager_RegisterGetRemove(t *testing.T) {
	m := receive.NewManager()
	r := newReceiver(t, "dynamicTopics/eXistdb")

	id, err := m.Register(r)
	require.NoError(t, err)
	assert.Equal(t, r.ID(), id)

	got, ok := m.Get(id)
	require.True(t, ok)
	assert.Same(t, r, got)
	assert.Equal(t, []int{id}, m.IDs())

	require.NoError(t, m.Remove(context.Background(), id))
	_, ok = m.Get(id)
	assert.False(t, ok)
	assert.Zero(t, m.Len())
	assert.Equal(t, receive.StateStopped, r.State())
}

func TestManager_RegisterTwice(t *testing.T) {
	m := receive.NewManager()
	r := newReceiver(t, "q")

	id1, err := m.Register(r)
	require.NoError(t, err)
	id2, err := m.Register(r)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, m.Len())
}

func TestManager_RemoveUnknownIsNoop(t *testing.T) {
	m := receive.NewManager()
	r := newReceiver(t, "q")
	_, err := m.Register(r)
	require.NoError(t, err)

	require.NoError(t, m.Remove(context.Background(), r.ID()+1000))
	assert.Equal(t, 1, m.Len())
}

func TestManager_ConcurrentRegistration(t *testing.T) {
	const n = 64
	m := receive.NewManager()

	receivers := make([]*receive.Receiver, n)
	for i := range receivers {
		receivers[i] = newReceiver(t, "q")
	}

	var wg sync.WaitGroup
	ids := make([]int, n)
	for i, r := range receivers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.Register(r)
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	assert.Equal(t, n, m.Len())
	seen := make(map[int]bool, n)
	for i, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		got, ok := m.Get(id)
		require.True(t, ok)
		assert.Same(t, receivers[i], got)
	}
}

func TestManager_Find(t *testing.T) {
	m := receive.NewManager()
	a := newReceiver(t, "dynamicTopics/eXistdb")
	b := newReceiver(t, "dynamicTopics/audit")
	c := newReceiver(t, "dynamicQueues/jobs")
	for _, r := range []*receive.Receiver{a, b, c} {
		_, err := m.Register(r)
		require.NoError(t, err)
	}

	assert.Equal(t, []int{a.ID(), b.ID()}, m.Find("dynamicTopics/*"))
	assert.Equal(t, []int{c.ID()}, m.Find("dynamicQueues/#"))
	assert.Empty(t, m.Find("nothing/*"))
}

func TestManager_LaunchAndClose(t *testing.T) {
	md := mock.NewDriver()
	m := receive.NewManager()

	for _, dest := range []string{"a", "b"} {
		_, err := m.Launch(context.Background(), newParams(t, dest, nil), noop, dialer(md))
		require.NoError(t, err)
	}
	conns, sessions, consumers := md.Open()
	assert.Equal(t, 2, conns)
	assert.Equal(t, 2, sessions)
	assert.Equal(t, 2, consumers)

	require.NoError(t, m.Close(context.Background()))
	assert.Zero(t, m.Len())
	conns, sessions, consumers = md.Open()
	assert.Zero(t, conns)
	assert.Zero(t, sessions)
	assert.Zero(t, consumers)
}

func TestManager_LaunchFailureIsNotRegistered(t *testing.T) {
	md := mock.NewDriver()
	md.ConnectErr = errors.New("connection refused")
	m := receive.NewManager()

	_, err := m.Launch(context.Background(), newParams(t, "q", nil), noop, dialer(md))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Zero(t, m.Len())
}

func TestManager_RemoveReturnsCloseError(t *testing.T) {
	md := mock.NewDriver()
	md.SessionCloseErr = errors.New("session already gone")
	m := receive.NewManager()

	id, err := m.Launch(context.Background(), newParams(t, "q", nil), noop, dialer(md))
	require.NoError(t, err)

	err = m.Remove(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.ErrorIs(t, err, md.SessionCloseErr)
	_, ok := m.Get(id)
	assert.False(t, ok)
}

func TestManager_RemoveFromOwnHandler(t *testing.T) {
	md := mock.NewDriver()
	m := receive.NewManager()

	var removeErr error
	id, err := m.Launch(context.Background(), newParams(t, "q", nil), func(c core.Context) error {
		removeErr = m.Remove(c.Context(), c.ReceiverID())
		return nil
	}, dialer(md))
	require.NoError(t, err)
	r, ok := m.Get(id)
	require.True(t, ok)

	msg := &mock.Message{MsgID: "once"}
	delivered := make(chan error, 1)
	go func() { delivered <- md.Deliver(context.Background(), "q", msg) }()

	select {
	case err := <-delivered:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler removing its own receiver never returned")
	}
	require.NoError(t, removeErr)
	assert.Equal(t, 1, msg.Acked())

	_, ok = m.Get(id)
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return r.State() == receive.StateStopped }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		conns, sessions, consumers := md.Open()
		return conns+sessions+consumers == 0
	}, time.Second, 5*time.Millisecond, "resources released once the handler returned")
}

func TestManager_RemoveWaitsForRunningHandler(t *testing.T) {
	md := mock.NewDriver()
	m := receive.NewManager()

	started := make(chan struct{})
	release := make(chan struct{})
	id, err := m.Launch(context.Background(), newParams(t, "q", nil), func(core.Context) error {
		close(started)
		<-release
		return nil
	}, dialer(md))
	require.NoError(t, err)

	go func() { _ = md.Deliver(context.Background(), "q", &mock.Message{MsgID: "slow"}) }()
	<-started

	removed := make(chan error, 1)
	go func() { removed <- m.Remove(context.Background(), id) }()
	assert.Never(t, func() bool { return len(removed) > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"Remove returned while the handler was running")

	close(release)
	select {
	case err := <-removed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Remove did not return")
	}
	conns, sessions, consumers := md.Open()
	assert.Zero(t, conns+sessions+consumers)
	assert.Error(t, md.Deliver(context.Background(), "q", &mock.Message{MsgID: "late"}), "no consumer after Remove")
}

func TestManager_GetConcurrentWithRemove(t *testing.T) {
	md := mock.NewDriver()
	m := receive.NewManager()
	id, err := m.Launch(context.Background(), newParams(t, "q", nil), noop, dialer(md))
	require.NoError(t, err)
	want, ok := m.Get(id)
	require.True(t, ok)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	bad := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				r, ok := m.Get(id)
				switch {
				case ok && r != want:
					bad <- "Get returned a different receiver"
					return
				case !ok && r != nil:
					bad <- "Get returned a receiver without ok"
					return
				}
			}
		}()
	}

	require.NoError(t, m.Remove(context.Background(), id))
	_, ok = m.Get(id)
	assert.False(t, ok, "Get after Remove returned sees the removal")
	close(stop)
	wg.Wait()
	close(bad)
	for msg := range bad {
		t.Error(msg)
	}
}
