// Package adder is the example plugin: a peer asks another peer to add two
// numbers, the answer comes back on a response topic, and the requester
// broadcasts the result and emits it locally.
package adder

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"

	"Assembler-Plugins/internal/core/client"
	"Assembler-Plugins/internal/core/dispatch"
	"Assembler-Plugins/internal/core/events"
	"Assembler-Plugins/internal/core/schema"
)

var log = logging.Logger("adder")

const (
	ID            = "adder-plugin"
	DefaultPrefix = "/example/add"
)

// Request asks a peer to add A and B. RequestID is an opaque correlation id
// chosen by the requester; it is carried back unchanged and may be empty.
type Request struct {
	RequestID string  `cbor:"requestId" json:"request_id"`
	A         float64 `cbor:"a" json:"a"`
	B         float64 `cbor:"b" json:"b"`
}

type Result struct {
	RequestID string  `cbor:"requestId" json:"request_id"`
	A         float64 `cbor:"a" json:"a"`
	B         float64 `cbor:"b" json:"b"`
	Sum       float64 `cbor:"sum" json:"sum"`
}

type Topics struct {
	Request  schema.Topic
	Response schema.Topic
	Result   schema.Topic
}

func TopicsFor(prefix string) (Topics, error) {
	prefix = strings.TrimRight(prefix, "/")
	if _, err := schema.ParseTopic(prefix); err != nil {
		return Topics{}, fmt.Errorf("topic prefix: %w", err)
	}
	return Topics{
		Request:  schema.Topic(prefix + "/request"),
		Response: schema.Topic(prefix + "/response"),
		Result:   schema.Topic(prefix + "/result"),
	}, nil
}

// NewSchema declares every event the plugin sends, receives, publishes,
// subscribes to and emits.
func NewSchema(id string, t Topics) (*schema.Registry, error) {
	reg := schema.NewRegistry(id)
	decls := []error{
		schema.Declare[Request](reg, schema.Send, t.Request),
		schema.Declare[Result](reg, schema.Send, t.Response),
		schema.Declare[Request](reg, schema.Receive, t.Request),
		schema.Declare[Result](reg, schema.Receive, t.Response),
		schema.Declare[Result](reg, schema.Publish, t.Result),
		schema.Declare[Result](reg, schema.Subscribe, t.Result),
		schema.Declare[Result](reg, schema.Emit, t.Result),
	}
	var errs *multierror.Error
	for _, err := range decls {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return reg, errs.ErrorOrNil()
}

// outbound is the subset of client.Handle the plugin uses.
type outbound interface {
	Send(ctx context.Context, peerID string, topic schema.Topic, payload any) error
	Publish(ctx context.Context, topic schema.Topic, payload any) error
	Emit(topic schema.Topic, payload any) error
}

type options struct {
	prefix   string
	dispatch []dispatch.Option
}

type Option func(*options)

func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(o *options) { o.dispatch = append(o.dispatch, opts...) }
}

type Plugin struct {
	topics Topics
	reg    *schema.Registry
	out    outbound
	bus    *events.Bus
	direct *dispatch.Direct
	bcast  *dispatch.Broadcast
}

// New builds the plugin on c. The caller still has to c.AddPlugin it.
func New(c *client.Client, opts ...Option) (*Plugin, error) {
	o := options{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	topics, err := TopicsFor(o.prefix)
	if err != nil {
		return nil, err
	}
	reg, err := NewSchema(ID, topics)
	if err != nil {
		return nil, err
	}
	return newPlugin(c.NewHandle(ID, reg), c.Events(), reg, topics, o.dispatch)
}

func newPlugin(out outbound, bus *events.Bus, reg *schema.Registry, topics Topics, dopts []dispatch.Option) (*Plugin, error) {
	p := &Plugin{
		topics: topics,
		reg:    reg,
		out:    out,
		bus:    bus,
		direct: dispatch.NewDirect(reg, dopts...),
		bcast:  dispatch.NewBroadcast(reg, dopts...),
	}
	var errs *multierror.Error
	if err := dispatch.OnReceive(p.direct, topics.Request, p.handleRequest); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := dispatch.OnReceive(p.direct, topics.Response, p.handleResponse); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := dispatch.OnSubscribe(p.bcast, topics.Result, p.handleResult); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plugin) ID() string { return ID }
func (p *Plugin) Schema() *schema.Registry { return p.reg }
func (p *Plugin) Direct() *dispatch.Direct { return p.direct }
func (p *Plugin) Broadcast() *dispatch.Broadcast { return p.bcast }
func (p *Plugin) Topics() Topics { return p.topics }

// handleRequest answers an add request to the peer that asked.
func (p *Plugin) handleRequest(ctx context.Context, msg *dispatch.Incoming[Request]) error {
	req := msg.Payload
	return p.out.Send(ctx, msg.Peer, p.topics.Response, Result{
		RequestID: req.RequestID,
		A:         req.A,
		B:         req.B,
		Sum:       req.A + req.B,
	})
}

// handleResponse publishes and emits the result. Duplicate responses are
// published and emitted again.
func (p *Plugin) handleResponse(ctx context.Context, msg *dispatch.Incoming[Result]) error {
	res := msg.Payload
	var errs *multierror.Error
	if err := p.out.Publish(ctx, p.topics.Result, res); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := p.out.Emit(p.topics.Result, res); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (p *Plugin) handleResult(_ context.Context, msg *dispatch.Incoming[Result]) error {
	res := msg.Payload
	log.Infof("peer %s received add response: %v + %v = %v", msg.Peer, res.A, res.B, res.Sum)
	return p.out.Emit(p.topics.Result, res)
}

// Request asks peerID to add a and b and returns the correlation id. The
// result arrives later as a local emission on the result topic.
func (p *Plugin) Request(ctx context.Context, peerID string, a, b float64) (string, error) {
	id := uuid.NewString()
	if err := p.out.Send(ctx, peerID, p.topics.Request, Request{RequestID: id, A: a, B: b}); err != nil {
		return "", err
	}
	return id, nil
}

// Add sends a request and waits for the matching result until ctx is done.
func (p *Plugin) Add(ctx context.Context, peerID string, a, b float64) (Result, error) {
	id := uuid.NewString()
	ch := make(chan Result, 1)
	cancel := events.Listen(p.bus, string(p.topics.Result), func(r Result) {
		if r.RequestID != id {
			return
		}
		select {
		case ch <- r:
		default:
		}
	})
	defer cancel()

	if err := p.out.Send(ctx, peerID, p.topics.Request, Request{RequestID: id, A: a, B: b}); err != nil {
		return Result{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("await result %s from %s: %w", id, peerID, ctx.Err())
	}
}

// OnResult registers fn for every result emitted on this node.
func (p *Plugin) OnResult(fn func(Result)) func() {
	return events.Listen(p.bus, string(p.topics.Result), fn)
}
