package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"

	"Assembler-Plugins/internal/core/dispatch"
	"Assembler-Plugins/internal/core/events"
	"Assembler-Plugins/internal/core/network"
	"Assembler-Plugins/internal/core/schema"
)

var log = logging.Logger("client")

var (
	ErrPluginExists     = errors.New("plugin already added")
	ErrMissingHandler   = errors.New("declared topic has no handler")
	ErrTopicClaimed     = errors.New("receive topic claimed by another plugin")
	ErrTransportFailure = errors.New("transport failure")
	ErrClosed           = errors.New("client closed")
)

// Plugin is a unit of handlers hosted by a Client.
type Plugin interface {
	ID() string
	Schema() *schema.Registry
	Direct() *dispatch.Direct
	Broadcast() *dispatch.Broadcast
}

type Option func(*Client)

// WithLaneLimit bounds the messages queued per (plugin, peer) lane. Messages
// past the limit are dropped and reported as dispatch.LaneOverflow.
func WithLaneLimit(n int) Option {
	return func(c *Client) { c.laneLimit = n }
}

// WithReporter receives messages the client drops before any plugin sees them.
func WithReporter(r dispatch.Reporter) Option {
	return func(c *Client) {
		if r != nil {
			c.reporter = r
		}
	}
}

// Client owns the transport side of every hosted plugin: topic subscriptions,
// routing of direct messages, per-peer dispatch lanes and the local event bus.
type Client struct {
	ctx       context.Context
	cancel    context.CancelFunc
	transport network.Transport
	bus       *events.Bus
	lanes     *dispatch.Lanes
	laneLimit int
	reporter  dispatch.Reporter

	mu          sync.RWMutex
	plugins     map[string]Plugin
	receivers   map[schema.Topic]Plugin
	subscribers map[schema.Topic][]Plugin
	unsubs      []func()

	// shapes feeds transport validators. It has its own lock because
	// validators run on transport goroutines.
	shapesMu sync.RWMutex
	shapes   map[schema.Topic][]*schema.Registry

	loops     sync.WaitGroup
	closeOnce sync.Once
}

func New(ctx context.Context, transport network.Transport, opts ...Option) *Client {
	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		ctx:         cctx,
		cancel:      cancel,
		transport:   transport,
		bus:         events.NewBus(),
		laneLimit:   dispatch.DefaultLaneLimit,
		reporter:    dispatch.LogReporter,
		plugins:     make(map[string]Plugin),
		receivers:   make(map[schema.Topic]Plugin),
		subscribers: make(map[schema.Topic][]Plugin),
		shapes:      make(map[schema.Topic][]*schema.Registry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lanes = dispatch.NewLanes(c.laneLimit)
	c.loops.Add(1)
	go c.consumeDirect()
	return c
}

// PeerID is the local peer id on the transport.
func (c *Client) PeerID() string {
	return c.transport.ID()
}

func (c *Client) Transport() network.Transport {
	return c.transport
}

// Events is the local event bus shared by all hosted plugins.
func (c *Client) Events() *events.Bus {
	return c.bus
}

func (c *Client) Plugin(id string) (Plugin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plugins[id]
	return p, ok
}

// PluginIDs lists hosted plugins, sorted.
func (c *Client) PluginIDs() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.plugins))
	for id := range c.plugins {
		out = append(out, id)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// AddPlugin validates p's handler tables against its schema, claims its
// receive topics and subscribes its subscribe topics on the transport.
// Nothing is registered if any step fails.
func (c *Client) AddPlugin(p Plugin) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	id := p.ID()
	reg := p.Schema()

	var errs *multierror.Error
	for _, t := range p.Direct().Missing() {
		errs = multierror.Append(errs, fmt.Errorf("%w: %s receive %s", ErrMissingHandler, id, t))
	}
	for _, t := range p.Broadcast().Missing() {
		errs = multierror.Append(errs, fmt.Errorf("%w: %s subscribe %s", ErrMissingHandler, id, t))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.plugins[id]; ok {
		return fmt.Errorf("%w: %s", ErrPluginExists, id)
	}
	receive := reg.Topics(schema.Receive)
	for _, t := range receive {
		if owner, ok := c.receivers[t]; ok {
			errs = multierror.Append(errs, fmt.Errorf("%w: %s wants %s, owned by %s", ErrTopicClaimed, id, t, owner.ID()))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	subscribe := reg.Topics(schema.Subscribe)
	c.addShapes(subscribe, reg)
	var unsubs []func()
	for _, t := range subscribe {
		if len(c.subscribers[t]) > 0 {
			continue
		}
		unsub, err := c.subscribe(t)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			c.removeShapes(subscribe, reg)
			return fmt.Errorf("%w: subscribe %s: %w", ErrTransportFailure, t, err)
		}
		unsubs = append(unsubs, unsub)
	}

	c.plugins[id] = p
	for _, t := range receive {
		c.receivers[t] = p
	}
	for _, t := range subscribe {
		c.subscribers[t] = append(c.subscribers[t], p)
	}
	c.unsubs = append(c.unsubs, unsubs...)
	log.Infow("plugin added", "plugin", id, "receive", receive, "subscribe", subscribe)
	return nil
}

func (c *Client) subscribe(topic schema.Topic) (func(), error) {
	if v, ok := c.transport.(network.Validating); ok {
		if err := v.RegisterValidator(string(topic), c.validator(topic)); err != nil {
			log.Debugw("validator not registered", "topic", topic, "error", err)
		}
	}
	ch, unsub, err := c.transport.Subscribe(string(topic))
	if err != nil {
		return nil, err
	}
	c.loops.Add(1)
	go c.consumeBroadcast(topic, ch)
	return unsub, nil
}

// validator accepts a broadcast if it decodes under at least one subscribing
// plugin's schema. Rejections are reported as dispatch.SchemaMismatch.
func (c *Client) validator(topic schema.Topic) network.Validator {
	return func(from string, payload []byte) bool {
		c.shapesMu.RLock()
		regs := c.shapes[topic]
		c.shapesMu.RUnlock()
		err := fmt.Errorf("%w: no subscriber for %s", schema.ErrSchemaMismatch, topic)
		for _, reg := range regs {
			if _, err = reg.Decode(schema.Subscribe, topic, payload); err == nil {
				return true
			}
		}
		dispatch.Drop(c.reporter, dispatch.Report{
			Kind:       dispatch.SchemaMismatch,
			Dispatcher: "client",
			Topic:      topic,
			Peer:       from,
			Err:        err,
		})
		return false
	}
}

func (c *Client) addShapes(topics []schema.Topic, reg *schema.Registry) {
	c.shapesMu.Lock()
	defer c.shapesMu.Unlock()
	for _, t := range topics {
		c.shapes[t] = append(c.shapes[t], reg)
	}
}

func (c *Client) removeShapes(topics []schema.Topic, reg *schema.Registry) {
	c.shapesMu.Lock()
	defer c.shapesMu.Unlock()
	for _, t := range topics {
		regs := c.shapes[t]
		for i, r := range regs {
			if r == reg {
				c.shapes[t] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(c.shapes[t]) == 0 {
			delete(c.shapes, t)
		}
	}
}

func (c *Client) consumeDirect() {
	defer c.loops.Done()
	inbox := c.transport.Inbox()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			c.routeDirect(msg)
		}
	}
}

func (c *Client) routeDirect(msg network.Message) {
	topic := schema.Topic(msg.Topic)
	c.mu.RLock()
	p, ok := c.receivers[topic]
	c.mu.RUnlock()
	if !ok {
		dispatch.Drop(c.reporter, dispatch.Report{
			Kind:       dispatch.UnhandledTopic,
			Dispatcher: "client",
			Topic:      topic,
			Peer:       msg.From,
			Err:        fmt.Errorf("%w: %s", dispatch.ErrUnhandledTopic, topic),
		})
		return
	}
	c.submit(p, "direct", msg, func() {
		_ = p.Direct().Dispatch(c.ctx, msg)
	})
}

func (c *Client) consumeBroadcast(topic schema.Topic, ch <-chan network.Message) {
	defer c.loops.Done()
	self := c.transport.ID()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.From == self {
				continue
			}
			c.mu.RLock()
			subs := c.subscribers[topic]
			c.mu.RUnlock()
			for _, p := range subs {
				c.submit(p, "broadcast", msg, func() {
					_ = p.Broadcast().Dispatch(c.ctx, msg)
				})
			}
		}
	}
}

func (c *Client) submit(p Plugin, kind string, msg network.Message, fn func()) {
	key := laneKey(p.ID(), kind, msg.From)
	if err := c.lanes.Submit(key, fn); err != nil {
		dispatch.Drop(c.reporter, dispatch.Report{
			Kind:       dispatch.LaneOverflow,
			Dispatcher: kind,
			Owner:      p.ID(),
			Topic:      schema.Topic(msg.Topic),
			Peer:       msg.From,
			Err:        fmt.Errorf("%w: %s", err, key),
		})
	}
}

func laneKey(pluginID, kind, peer string) string {
	return pluginID + "|" + kind + "|" + peer
}

// Wait blocks until all dispatched handler calls have returned.
func (c *Client) Wait() {
	c.lanes.Wait()
}

// Close stops routing and drops the client's subscriptions. Handler calls
// already running are not interrupted; the transport stays open.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		unsubs := c.unsubs
		c.unsubs = nil
		c.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		c.loops.Wait()
	})
	return nil
}
