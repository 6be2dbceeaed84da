package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Assembler-Plugins/internal/core/network"
	"Assembler-Plugins/internal/core/schema"
)

type ping struct {
	ID  string `cbor:"id" validate:"required"`
	Seq int    `cbor:"seq"`
}

type pong struct {
	ID string `cbor:"id" validate:"required"`
}

type recorder struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recorder) report(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.reports))
	for _, rep := range r.reports {
		out = append(out, rep.Kind)
	}
	return out
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry("test-plugin")
	require.NoError(t, schema.Declare[ping](reg, schema.Receive, "/ping"))
	require.NoError(t, schema.Declare[pong](reg, schema.Receive, "/pong"))
	require.NoError(t, schema.Declare[ping](reg, schema.Subscribe, "/ping"))
	return reg
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := schema.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDirectDispatch(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d := NewDirect(testRegistry(t), WithReporter(rec.report))

	var got []*Incoming[ping]
	require.NoError(t, OnReceive(d, "/ping", func(_ context.Context, msg *Incoming[ping]) error {
		got = append(got, msg)
		return nil
	}))

	err := d.Dispatch(context.Background(), network.Message{Topic: "/ping", Payload: encode(t, ping{ID: "r1", Seq: 2}), From: "peer-a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schema.Topic("/ping"), got[0].Topic)
	assert.Equal(t, "peer-a", got[0].Peer)
	assert.Equal(t, ping{ID: "r1", Seq: 2}, got[0].Payload)
	assert.Empty(t, rec.kinds())
}

func TestUnhandledTopicIsReportedAndDispatchContinues(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d := NewDirect(testRegistry(t), WithReporter(rec.report))

	calls := 0
	require.NoError(t, OnReceive(d, "/ping", func(context.Context, *Incoming[ping]) error {
		calls++
		return nil
	}))

	err := d.Dispatch(context.Background(), network.Message{Topic: "/unknown", Payload: encode(t, ping{ID: "x"}), From: "peer-a"})
	assert.ErrorIs(t, err, ErrUnhandledTopic)
	err = d.Dispatch(context.Background(), network.Message{Topic: "/pong", Payload: encode(t, pong{ID: "x"}), From: "peer-a"})
	assert.ErrorIs(t, err, ErrUnhandledTopic, "declared but not handled")
	assert.Equal(t, 0, calls)
	assert.Equal(t, []Kind{UnhandledTopic, UnhandledTopic}, rec.kinds())

	require.NoError(t, d.Dispatch(context.Background(), network.Message{Topic: "/ping", Payload: encode(t, ping{ID: "ok"}), From: "peer-a"}))
	assert.Equal(t, 1, calls)
	assert.Len(t, rec.kinds(), 2)
}

func TestMalformedPayloadNeverReachesHandler(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d := NewDirect(testRegistry(t), WithReporter(rec.report))

	calls := 0
	require.NoError(t, OnReceive(d, "/ping", func(context.Context, *Incoming[ping]) error {
		calls++
		return nil
	}))

	for _, payload := range [][]byte{
		{0xff},
		encode(t, map[string]any{"id": "r1", "bogus": true}),
		encode(t, ping{}),
	} {
		err := d.Dispatch(context.Background(), network.Message{Topic: "/ping", Payload: payload})
		assert.ErrorIs(t, err, schema.ErrSchemaMismatch)
	}
	assert.Equal(t, 0, calls)
	assert.Equal(t, []Kind{SchemaMismatch, SchemaMismatch, SchemaMismatch}, rec.kinds())
}

func TestRegistrationRejectsDuplicates(t *testing.T) {
	t.Parallel()
	d := NewDirect(testRegistry(t), WithReporter(func(Report) {}))

	var which string
	require.NoError(t, OnReceive(d, "/ping", func(context.Context, *Incoming[ping]) error {
		which = "first"
		return nil
	}))
	err := OnReceive(d, "/ping", func(context.Context, *Incoming[ping]) error {
		which = "second"
		return nil
	})
	require.ErrorIs(t, err, ErrDuplicateHandler)

	require.NoError(t, d.Dispatch(context.Background(), network.Message{Topic: "/ping", Payload: encode(t, ping{ID: "a"})}))
	assert.Equal(t, "first", which)
}

func TestRegistrationReplaceExisting(t *testing.T) {
	t.Parallel()
	d := NewDirect(testRegistry(t), WithPolicy(ReplaceExisting), WithReporter(func(Report) {}))

	var which string
	require.NoError(t, OnReceive(d, "/ping", func(context.Context, *Incoming[ping]) error {
		which = "first"
		return nil
	}))
	require.NoError(t, OnReceive(d, "/ping", func(context.Context, *Incoming[ping]) error {
		which = "second"
		return nil
	}))

	require.NoError(t, d.Dispatch(context.Background(), network.Message{Topic: "/ping", Payload: encode(t, ping{ID: "a"})}))
	assert.Equal(t, "second", which)
}

func TestRegistrationChecksSchema(t *testing.T) {
	t.Parallel()
	d := NewDirect(testRegistry(t))
	noop := func(context.Context, *Incoming[ping]) error { return nil }

	assert.ErrorIs(t, OnReceive(d, "/nope", noop), schema.ErrUndeclaredTopic)
	assert.ErrorIs(t, OnReceive(d, "/pong", noop), schema.ErrSchemaMismatch)
	assert.ErrorIs(t, OnReceive(d, "/ping", func(context.Context, *Incoming[*ping]) error { return nil }), schema.ErrSchemaMismatch)
	assert.Error(t, OnReceive[ping](d, "/ping", nil))
	assert.Equal(t, []schema.Topic{"/ping", "/pong"}, d.Missing())
}

func TestHandlerFailuresAreContained(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d := NewDirect(testRegistry(t), WithReporter(rec.report))

	boom := errors.New("boom")
	require.NoError(t, OnReceive(d, "/ping", func(_ context.Context, msg *Incoming[ping]) error {
		if msg.Payload.Seq == 1 {
			panic("handler bug")
		}
		return boom
	}))
	require.NoError(t, OnReceive(d, "/pong", func(context.Context, *Incoming[pong]) error { return nil }))

	err := d.Dispatch(context.Background(), network.Message{Topic: "/ping", Payload: encode(t, ping{ID: "a", Seq: 1})})
	assert.ErrorIs(t, err, ErrHandlerPanic)
	err = d.Dispatch(context.Background(), network.Message{Topic: "/ping", Payload: encode(t, ping{ID: "a", Seq: 2})})
	assert.ErrorIs(t, err, ErrHandlerFailed)
	assert.ErrorIs(t, err, boom)

	require.NoError(t, d.Dispatch(context.Background(), network.Message{Topic: "/pong", Payload: encode(t, pong{ID: "a"})}))
	assert.Equal(t, []Kind{HandlerPanic, HandlerFailed}, rec.kinds())
}

func TestBroadcastDispatch(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	b := NewBroadcast(testRegistry(t), WithReporter(rec.report))

	assert.ErrorIs(t, OnSubscribe(b, "/pong", func(context.Context, *Incoming[pong]) error { return nil }),
		schema.ErrUndeclaredTopic, "/pong is only declared for receive")

	var seen []string
	require.NoError(t, OnSubscribe(b, "/ping", func(_ context.Context, msg *Incoming[ping]) error {
		seen = append(seen, msg.Payload.ID+"@"+msg.Peer)
		return nil
	}))
	assert.Empty(t, b.Missing())

	payload := encode(t, ping{ID: "r1"})
	require.NoError(t, b.Dispatch(context.Background(), network.Message{Topic: "/ping", Payload: payload, From: "a"}))
	require.NoError(t, b.Dispatch(context.Background(), network.Message{Topic: "/ping", Payload: payload, From: "b"}))
	assert.ErrorIs(t, b.Dispatch(context.Background(), network.Message{Topic: "/other", Payload: payload}), ErrUnhandledTopic)

	assert.Equal(t, []string{"r1@a", "r1@b"}, seen)
	assert.Equal(t, []Kind{UnhandledTopic}, rec.kinds())
	assert.Equal(t, []schema.Topic{"/ping"}, b.Topics())
}
