package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Assembler-Plugins/internal/core/dispatch"
	"Assembler-Plugins/internal/core/events"
	"Assembler-Plugins/internal/core/network"
	"Assembler-Plugins/internal/core/schema"
)

const (
	topicAsk   schema.Topic = "/echo/ask"
	topicReply schema.Topic = "/echo/reply"
	topicNews  schema.Topic = "/echo/news"
)

type note struct {
	Text string `cbor:"text" validate:"required"`
}

type echoPlugin struct {
	id     string
	reg    *schema.Registry
	direct *dispatch.Direct
	bcast  *dispatch.Broadcast
	h      *Handle

	mu      sync.Mutex
	replies []string
	news    []string
}

func (p *echoPlugin) ID() string { return p.id }
func (p *echoPlugin) Schema() *schema.Registry { return p.reg }
func (p *echoPlugin) Direct() *dispatch.Direct { return p.direct }
func (p *echoPlugin) Broadcast() *dispatch.Broadcast { return p.bcast }

func echoSchema(id string) *schema.Registry {
	reg := schema.NewRegistry(id)
	for _, ns := range []schema.Namespace{schema.Send, schema.Receive} {
		schema.MustDeclare[note](reg, ns, topicAsk)
		schema.MustDeclare[note](reg, ns, topicReply)
	}
	for _, ns := range []schema.Namespace{schema.Publish, schema.Subscribe, schema.Emit} {
		schema.MustDeclare[note](reg, ns, topicNews)
	}
	return reg
}

func newEcho(t *testing.T, c *Client, id string) *echoPlugin {
	t.Helper()
	p := &echoPlugin{id: id, reg: echoSchema(id)}
	p.h = c.NewHandle(id, p.reg)
	p.direct = dispatch.NewDirect(p.reg)
	p.bcast = dispatch.NewBroadcast(p.reg)
	require.NoError(t, dispatch.OnReceive(p.direct, topicAsk, func(ctx context.Context, msg *dispatch.Incoming[note]) error {
		return p.h.Send(ctx, msg.Peer, topicReply, note{Text: msg.Payload.Text})
	}))
	require.NoError(t, dispatch.OnReceive(p.direct, topicReply, func(_ context.Context, msg *dispatch.Incoming[note]) error {
		p.mu.Lock()
		p.replies = append(p.replies, msg.Payload.Text)
		p.mu.Unlock()
		return nil
	}))
	require.NoError(t, dispatch.OnSubscribe(p.bcast, topicNews, func(_ context.Context, msg *dispatch.Incoming[note]) error {
		p.mu.Lock()
		p.news = append(p.news, msg.Payload.Text+"@"+msg.Peer)
		p.mu.Unlock()
		return p.h.Emit(topicNews, msg.Payload)
	}))
	return p
}

func (p *echoPlugin) snapshot() (replies, news []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.replies...), append([]string(nil), p.news...)
}

func newPeer(t *testing.T, hub *network.MemoryNetwork, id string, opts ...Option) *Client {
	t.Helper()
	node, err := hub.Join(id)
	require.NoError(t, err)
	c := New(context.Background(), node, opts...)
	t.Cleanup(func() {
		_ = c.Close()
		_ = node.Close()
	})
	return c
}

func TestDirectRoundTrip(t *testing.T) {
	hub := network.NewMemoryNetwork()
	a := newPeer(t, hub, "a")
	b := newPeer(t, hub, "b")
	pa := newEcho(t, a, "echo")
	require.NoError(t, a.AddPlugin(pa))
	require.NoError(t, b.AddPlugin(newEcho(t, b, "echo")))

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, pa.h.Send(context.Background(), "b", topicAsk, note{Text: text}))
	}
	require.Eventually(t, func() bool {
		replies, _ := pa.snapshot()
		return len(replies) == 3
	}, 2*time.Second, 10*time.Millisecond)

	replies, _ := pa.snapshot()
	assert.Equal(t, []string{"one", "two", "three"}, replies, "per-peer order is kept")
}

func TestBroadcastSkipsOwnMessages(t *testing.T) {
	hub := network.NewMemoryNetwork()
	a := newPeer(t, hub, "a")
	b := newPeer(t, hub, "b")
	pa := newEcho(t, a, "echo")
	pb := newEcho(t, b, "echo")
	require.NoError(t, a.AddPlugin(pa))
	require.NoError(t, b.AddPlugin(pb))

	var emitted []note
	var mu sync.Mutex
	events.Listen(b.Events(), string(topicNews), func(n note) {
		mu.Lock()
		emitted = append(emitted, n)
		mu.Unlock()
	})

	require.NoError(t, pa.h.Publish(context.Background(), topicNews, note{Text: "hello"}))
	require.Eventually(t, func() bool {
		_, news := pb.snapshot()
		return len(news) == 1
	}, 2*time.Second, 10*time.Millisecond)
	a.Wait()
	b.Wait()

	_, newsA := pa.snapshot()
	_, newsB := pb.snapshot()
	assert.Empty(t, newsA)
	assert.Equal(t, []string{"hello@a"}, newsB)
	mu.Lock()
	assert.Equal(t, []note{{Text: "hello"}}, emitted)
	mu.Unlock()
}

func TestInvalidBroadcastRejectedByValidator(t *testing.T) {
	hub := network.NewMemoryNetwork()
	var (
		mu      sync.Mutex
		reports []dispatch.Report
	)
	b := newPeer(t, hub, "b", WithReporter(func(r dispatch.Report) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}))
	pb := newEcho(t, b, "echo")
	require.NoError(t, b.AddPlugin(pb))

	raw, err := hub.Join("raw")
	require.NoError(t, err)
	require.NoError(t, raw.Publish(string(topicNews), []byte{0xff}))
	bad, err := schema.Marshal(note{})
	require.NoError(t, err)
	require.NoError(t, raw.Publish(string(topicNews), bad))
	good, err := schema.Marshal(note{Text: "ok"})
	require.NoError(t, err)
	require.NoError(t, raw.Publish(string(topicNews), good))

	require.Eventually(t, func() bool {
		_, news := pb.snapshot()
		return len(news) == 1
	}, 2*time.Second, 10*time.Millisecond)
	b.Wait()
	_, news := pb.snapshot()
	assert.Equal(t, []string{"ok@raw"}, news)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, dispatch.SchemaMismatch, r.Kind)
		assert.Equal(t, topicNews, r.Topic)
		assert.Equal(t, "raw", r.Peer)
		assert.ErrorIs(t, r.Err, schema.ErrSchemaMismatch)
	}
}

func TestFloodedLaneDropsAndReports(t *testing.T) {
	hub := network.NewMemoryNetwork()
	reports := make(chan dispatch.Report, 8)
	b := newPeer(t, hub, "b", WithLaneLimit(1), WithReporter(func(r dispatch.Report) {
		select {
		case reports <- r:
		default:
		}
	}))

	release := make(chan struct{})
	p := newEcho(t, b, "echo")
	p.direct = dispatch.NewDirect(p.reg)
	block := func(context.Context, *dispatch.Incoming[note]) error {
		<-release
		return nil
	}
	require.NoError(t, dispatch.OnReceive(p.direct, topicAsk, block))
	require.NoError(t, dispatch.OnReceive(p.direct, topicReply, block))
	require.NoError(t, b.AddPlugin(p))

	raw, err := hub.Join("raw")
	require.NoError(t, err)
	msg, err := schema.Marshal(note{Text: "x"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, raw.Send(context.Background(), "b", string(topicAsk), msg))
	}

	select {
	case r := <-reports:
		assert.Equal(t, dispatch.LaneOverflow, r.Kind)
		assert.Equal(t, "echo", r.Owner)
		assert.Equal(t, "raw", r.Peer)
		assert.ErrorIs(t, r.Err, dispatch.ErrLaneFull)
	case <-time.After(2 * time.Second):
		t.Fatal("no overflow report")
	}
	close(release)
	b.Wait()
}

func TestUnclaimedDirectTopicIsReported(t *testing.T) {
	hub := network.NewMemoryNetwork()
	reports := make(chan dispatch.Report, 1)
	b := newPeer(t, hub, "b", WithReporter(func(r dispatch.Report) { reports <- r }))
	require.NoError(t, b.AddPlugin(newEcho(t, b, "echo")))

	raw, err := hub.Join("raw")
	require.NoError(t, err)
	require.NoError(t, raw.Send(context.Background(), "b", "/nobody/home", []byte{0x01}))

	select {
	case r := <-reports:
		assert.Equal(t, dispatch.UnhandledTopic, r.Kind)
		assert.Equal(t, schema.Topic("/nobody/home"), r.Topic)
		assert.Equal(t, "raw", r.Peer)
		assert.ErrorIs(t, r.Err, dispatch.ErrUnhandledTopic)
	case <-time.After(2 * time.Second):
		t.Fatal("no report")
	}
}

func TestHandleRejectsBeforeSending(t *testing.T) {
	hub := network.NewMemoryNetwork()
	a := newPeer(t, hub, "a")
	raw, err := hub.Join("raw")
	require.NoError(t, err)

	h := a.NewHandle("echo", echoSchema("echo"))
	ctx := context.Background()

	assert.ErrorIs(t, h.Send(ctx, "raw", topicAsk, struct{ Text string }{"x"}), schema.ErrSchemaMismatch)
	assert.ErrorIs(t, h.Send(ctx, "raw", topicAsk, note{}), schema.ErrSchemaMismatch)
	assert.ErrorIs(t, h.Send(ctx, "raw", topicNews, note{Text: "x"}), schema.ErrUndeclaredTopic)
	assert.ErrorIs(t, h.Publish(ctx, topicAsk, note{Text: "x"}), schema.ErrUndeclaredTopic)
	assert.ErrorIs(t, h.Emit(topicReply, note{Text: "x"}), schema.ErrUndeclaredTopic)
	assert.Empty(t, raw.Inbox())

	err = h.Send(ctx, "ghost", topicAsk, note{Text: "x"})
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.ErrorIs(t, err, network.ErrPeerUnreachable)

	require.NoError(t, h.Send(ctx, "raw", topicAsk, note{Text: "x"}))
	assert.Len(t, raw.Inbox(), 1)
	assert.Equal(t, "a", h.PeerID())
}

func TestAddPluginValidation(t *testing.T) {
	hub := network.NewMemoryNetwork()
	a := newPeer(t, hub, "a")

	incomplete := &echoPlugin{id: "half", reg: echoSchema("half")}
	incomplete.direct = dispatch.NewDirect(incomplete.reg)
	incomplete.bcast = dispatch.NewBroadcast(incomplete.reg)
	require.NoError(t, dispatch.OnReceive(incomplete.direct, topicAsk, func(context.Context, *dispatch.Incoming[note]) error { return nil }))
	err := a.AddPlugin(incomplete)
	require.ErrorIs(t, err, ErrMissingHandler)
	assert.Contains(t, err.Error(), string(topicReply))
	assert.Contains(t, err.Error(), string(topicNews))

	require.NoError(t, a.AddPlugin(newEcho(t, a, "echo")))
	assert.ErrorIs(t, a.AddPlugin(newEcho(t, a, "echo")), ErrPluginExists)
	assert.ErrorIs(t, a.AddPlugin(newEcho(t, a, "echo-2")), ErrTopicClaimed)
	assert.Equal(t, []string{"echo"}, a.PluginIDs())

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.AddPlugin(newEcho(t, a, "late")), ErrClosed)
}
