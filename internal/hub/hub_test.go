package hub

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"framecast/internal/bus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, mutate func(*Config), relay bus.MessageBus) *Hub {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := NewHub(cfg, relay)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestHub_BroadcastScenario(t *testing.T) {
	h := newTestHub(t, nil, nil)
	_, ok := h.Current()
	require.False(t, ok)

	c1 := newFakeReceiver("c1")
	require.NoError(t, h.Register(c1))
	res := h.Broadcast(NewTextFrame("F1"))
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"F1"}, c1.payloads())

	c2 := newFakeReceiver("c2")
	require.NoError(t, h.Register(c2))
	h.Broadcast(NewTextFrame("F2"))
	assert.Equal(t, []string{"F1", "F2"}, c1.payloads())
	assert.Equal(t, []string{"F2"}, c2.payloads(), "late joiner never receives earlier broadcasts")

	c1.setErr(ErrSessionClosed)
	res = h.Broadcast(NewTextFrame("F3"))
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"F2", "F3"}, c2.payloads())

	_, ok = h.Registry().Get("c1")
	assert.False(t, ok, "failed session removed")
	assert.True(t, c1.closed.Load())
	assert.Equal(t, 1, h.GetClientCount())

	f, ok := h.Current()
	require.True(t, ok)
	assert.Equal(t, "F3", string(f.Payload))
	assert.Equal(t, uint64(3), f.Seq)
}

func TestHub_FailureIsolation(t *testing.T) {
	h := newTestHub(t, nil, nil)

	var healthy []*fakeReceiver
	for i := 0; i < 20; i++ {
		r := newFakeReceiver(fmt.Sprintf("ok-%d", i))
		healthy = append(healthy, r)
		require.NoError(t, h.Register(r))
	}
	for i := 0; i < 5; i++ {
		r := newFakeReceiver(fmt.Sprintf("bad-%d", i))
		r.setErr(errors.New("broken pipe"))
		require.NoError(t, h.Register(r))
	}

	res := h.Broadcast(NewTextFrame("F"))
	assert.Equal(t, 20, res.Delivered)
	assert.Equal(t, 5, res.Failed)
	assert.Equal(t, 20, h.GetClientCount())
	for _, r := range healthy {
		assert.Equal(t, []string{"F"}, r.payloads())
	}

	st := h.Stats()
	assert.Equal(t, uint64(20), st.Delivered)
	assert.Equal(t, uint64(5), st.Failed)
}

func TestHub_OverflowPolicy(t *testing.T) {
	t.Run("disconnect", func(t *testing.T) {
		h := newTestHub(t, nil, nil)
		slow := newFakeReceiver("slow")
		slow.setErr(ErrSendBufferFull)
		require.NoError(t, h.Register(slow))

		res := h.Broadcast(NewTextFrame("F"))
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, 0, h.GetClientCount())
	})

	t.Run("skip", func(t *testing.T) {
		h := newTestHub(t, func(c *Config) { c.OverflowPolicy = OverflowSkip }, nil)
		slow := newFakeReceiver("slow")
		slow.setErr(ErrSendBufferFull)
		require.NoError(t, h.Register(slow))

		res := h.Broadcast(NewTextFrame("F"))
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, 0, res.Failed)
		assert.Equal(t, 1, h.GetClientCount(), "slow session kept")
		assert.False(t, slow.closed.Load())

		// 其他错误仍然移除会话
		slow.setErr(ErrSessionClosed)
		res = h.Broadcast(NewTextFrame("G"))
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, 0, h.GetClientCount())
	})

	t.Run("unknown falls back", func(t *testing.T) {
		h := newTestHub(t, func(c *Config) { c.OverflowPolicy = "block" }, nil)
		assert.Equal(t, OverflowDisconnect, h.Config().OverflowPolicy)
	})
}

func TestHub_BroadcastEmptyFrameIgnored(t *testing.T) {
	h := newTestHub(t, nil, nil)
	r := newFakeReceiver("r")
	require.NoError(t, h.Register(r))

	res := h.Broadcast(Frame{})
	assert.Equal(t, BroadcastResult{}, res)
	assert.Empty(t, r.payloads())
	_, ok := h.Current()
	assert.False(t, ok)
}

func TestHub_PullWithholdsWhenEmpty(t *testing.T) {
	h := newTestHub(t, nil, nil)
	r := newFakeReceiver("r")

	sent, err := h.Pull(r)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, r.payloads(), "nothing sent before first frame")

	h.Broadcast(NewTextFrame("F1"))
	sent, err = h.Pull(r)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, []string{"F1"}, r.payloads())
	assert.Equal(t, uint64(1), h.Stats().Pulls)

	// 按需拉取与广播互不影响，重复拉取会重复发送
	_, _ = h.Pull(r)
	assert.Equal(t, []string{"F1", "F1"}, r.payloads())
}

func TestHub_PullSendError(t *testing.T) {
	h := newTestHub(t, nil, nil)
	h.Broadcast(NewTextFrame("F1"))

	r := newFakeReceiver("r")
	r.setErr(ErrSessionClosed)
	sent, err := h.Pull(r)
	assert.False(t, sent)
	assert.ErrorIs(t, err, ErrSessionClosed)

	hs := newTestHub(t, func(c *Config) { c.OverflowPolicy = OverflowSkip }, nil)
	hs.Broadcast(NewTextFrame("F1"))
	r.setErr(ErrSendBufferFull)
	sent, err = hs.Pull(r)
	assert.False(t, sent)
	assert.NoError(t, err)
}

func TestHub_HandoffKeepsLatest(t *testing.T) {
	h := newTestHub(t, nil, nil)

	h.OnTextFrame("A")
	h.OnTextFrame("B")
	h.OnTextFrame("C")

	item := h.takeInbox()
	require.NotNil(t, item)
	assert.Equal(t, "C", string(item.frame.Payload))
	assert.Nil(t, h.takeInbox())
	assert.Equal(t, uint64(2), h.Stats().InboxDrops)
}

func TestHub_OnFrameIgnoresEmpty(t *testing.T) {
	h := newTestHub(t, nil, nil)
	h.OnFrame(nil)
	h.OnTextFrame("")
	assert.Nil(t, h.takeInbox())
}

func TestHub_RunBroadcastsProducerFrames(t *testing.T) {
	h := newTestHub(t, nil, nil)
	r := newFakeReceiver("r")
	require.NoError(t, h.Register(r))
	runHub(t, h)

	h.OnFrame([]byte("raw"))

	require.Eventually(t, func() bool {
		p := r.payloads()
		return len(p) == 1 && p[0] == "cmF3"
	}, 2*time.Second, 5*time.Millisecond)

	f, ok := h.Current()
	require.True(t, ok)
	assert.Equal(t, "cmF3", string(f.Payload))
}

func TestHub_RunReturnsOnClose(t *testing.T) {
	h := NewHub(DefaultConfig(), nil)
	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	require.NoError(t, h.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestHub_RegisterReplacesSameID(t *testing.T) {
	h := newTestHub(t, nil, nil)
	old := newFakeReceiver("viewer")
	fresh := newFakeReceiver("viewer")

	require.NoError(t, h.Register(old))
	require.NoError(t, h.Register(fresh))
	assert.True(t, old.closed.Load(), "replaced session closed")
	assert.Equal(t, 1, h.GetClientCount())

	assert.False(t, h.Unregister(old))
	assert.True(t, h.Unregister(fresh))
	assert.False(t, h.Unregister(fresh))
}

func TestHub_Close(t *testing.T) {
	broker := newMemBroker()
	relay := broker.node()
	h := NewHub(DefaultConfig(), relay)

	r := newFakeReceiver("r")
	require.NoError(t, h.Register(r))

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.True(t, r.closed.Load())
	assert.True(t, relay.closed.Load())
	assert.ErrorIs(t, h.Register(newFakeReceiver("late")), ErrHubClosed)

	h.OnTextFrame("after close")
	assert.Nil(t, h.takeInbox())
}

func TestHub_RelayAcrossNodes(t *testing.T) {
	broker := newMemBroker()
	a := newTestHub(t, nil, broker.node())
	b := newTestHub(t, nil, broker.node())
	runHub(t, a)
	runHub(t, b)
	require.Eventually(t, func() bool { return broker.subscribers() == 2 }, 2*time.Second, 5*time.Millisecond)

	ra := newFakeReceiver("ra")
	rb := newFakeReceiver("rb")
	require.NoError(t, a.Register(ra))
	require.NoError(t, b.Register(rb))

	a.Broadcast(NewTextFrame("F1"))

	require.Eventually(t, func() bool {
		p := rb.payloads()
		return len(p) == 1 && p[0] == "F1"
	}, 2*time.Second, 5*time.Millisecond)

	f, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, "F1", string(f.Payload))

	// 本节点不会收到自己转发的帧，远端也不会再转发
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"F1"}, ra.payloads())
	assert.Equal(t, []string{"F1"}, rb.payloads())
}

func TestHub_RelayPublishErrorDoesNotAffectBroadcast(t *testing.T) {
	relay := newMemBroker().node()
	relay.publishErr = bus.ErrPublishFailed
	h := newTestHub(t, nil, relay)

	r := newFakeReceiver("r")
	require.NoError(t, h.Register(r))
	res := h.Broadcast(NewTextFrame("F1"))
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"F1"}, r.payloads())
}

func TestHub_RelayResubscribesAfterChannelClosed(t *testing.T) {
	broker := newMemBroker()
	h := newTestHub(t, nil, broker.node())
	runHub(t, h)
	require.Eventually(t, func() bool { return broker.subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	broker.dropSubscriptions()
	require.Eventually(t, func() bool { return broker.subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)

	r := newFakeReceiver("r")
	require.NoError(t, h.Register(r))
	remote := broker.node()
	data, err := encodeEnvelope("remote-node", Frame{Payload: []byte("R1"), Seq: 1})
	require.NoError(t, err)
	require.NoError(t, remote.Publish(context.Background(), FrameTopic, data))

	require.Eventually(t, func() bool {
		p := r.payloads()
		return len(p) == 1 && p[0] == "R1"
	}, 2*time.Second, 5*time.Millisecond)
}
