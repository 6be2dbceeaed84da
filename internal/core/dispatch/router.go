package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"Assembler-Plugins/internal/core/network"
	"Assembler-Plugins/internal/core/schema"
)

var log = logging.Logger("dispatch")

var (
	ErrUnhandledTopic   = errors.New("no handler registered for topic")
	ErrDuplicateHandler = errors.New("handler already registered for topic")
	ErrHandlerPanic     = errors.New("handler panicked")
	ErrHandlerFailed    = errors.New("handler failed")
)

// Policy decides what happens when a second handler is registered for a topic.
type Policy int

const (
	// RejectDuplicates keeps the first handler and fails the registration.
	RejectDuplicates Policy = iota
	// ReplaceExisting lets the last registration win.
	ReplaceExisting
)

type options struct {
	policy   Policy
	reporter Reporter
}

type Option func(*options)

func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithReporter routes dropped and failed messages to r instead of the log.
func WithReporter(r Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// Incoming is a decoded message handed to exactly one handler call. Handlers
// must not keep it after they return.
type Incoming[P any] struct {
	Topic   schema.Topic
	Peer    string
	Payload P
}

// Handler reacts to one incoming message. A returned error is reported; it
// never stops the dispatcher.
type Handler[P any] func(ctx context.Context, msg *Incoming[P]) error

type entry struct {
	invoke func(ctx context.Context, topic schema.Topic, peer string, payload any) error
}

// router is the topic -> handler table shared by Direct and Broadcast. Each
// instance serves a single namespace of one plugin's registry.
type router struct {
	name string
	ns   schema.Namespace
	reg  *schema.Registry
	opts options

	mu       sync.RWMutex
	handlers map[schema.Topic]entry
}

func newRouter(name string, ns schema.Namespace, reg *schema.Registry, opts []Option) *router {
	o := options{policy: RejectDuplicates, reporter: LogReporter}
	for _, opt := range opts {
		opt(&o)
	}
	if o.reporter == nil {
		o.reporter = LogReporter
	}
	return &router{
		name:     name,
		ns:       ns,
		reg:      reg,
		opts:     o,
		handlers: make(map[schema.Topic]entry),
	}
}

func register[P any](r *router, topic schema.Topic, fn Handler[P]) error {
	if fn == nil {
		return fmt.Errorf("register %s handler for %s: nil handler", r.name, topic)
	}
	shape := reflect.TypeFor[P]()
	if shape.Kind() == reflect.Pointer {
		return fmt.Errorf("register %s handler for %s: %w: handlers take %s by value",
			r.name, topic, schema.ErrSchemaMismatch, shape.Elem())
	}
	if err := r.reg.Expect(r.ns, topic, shape); err != nil {
		return fmt.Errorf("register %s handler: %w", r.name, err)
	}
	e := entry{
		invoke: func(ctx context.Context, topic schema.Topic, peer string, payload any) error {
			p, ok := payload.(P)
			if !ok {
				return fmt.Errorf("%w: %s wants %s, got %T", schema.ErrSchemaMismatch, topic, shape, payload)
			}
			return fn(ctx, &Incoming[P]{Topic: topic, Peer: peer, Payload: p})
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[topic]; exists && r.opts.policy == RejectDuplicates {
		return fmt.Errorf("%w: %s %s", ErrDuplicateHandler, r.name, topic)
	}
	r.handlers[topic] = e
	return nil
}

// Dispatch looks up the handler for msg.Topic, decodes the payload and runs
// the handler on the calling goroutine. Unhandled topics, undecodable payloads,
// handler errors and panics are reported and returned; the dispatcher stays
// usable after any of them.
func (r *router) Dispatch(ctx context.Context, msg network.Message) error {
	topic := schema.Topic(msg.Topic)

	r.mu.RLock()
	e, ok := r.handlers[topic]
	r.mu.RUnlock()
	if !ok {
		return r.fail(UnhandledTopic, topic, msg.From, fmt.Errorf("%w: %s %s", ErrUnhandledTopic, r.name, topic))
	}

	payload, err := r.reg.Decode(r.ns, topic, msg.Payload)
	if err != nil {
		return r.fail(SchemaMismatch, topic, msg.From, err)
	}

	if err := r.invoke(ctx, e, topic, msg.From, payload); err != nil {
		kind := HandlerFailed
		if errors.Is(err, ErrHandlerPanic) {
			kind = HandlerPanic
		}
		return r.fail(kind, topic, msg.From, err)
	}
	dispatched.WithLabelValues(r.name, "ok").Inc()
	return nil
}

func (r *router) invoke(ctx context.Context, e entry, topic schema.Topic, peer string, payload any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, topic, rec)
		}
	}()
	if err := e.invoke(ctx, topic, peer, payload); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandlerFailed, topic, err)
	}
	return nil
}

func (r *router) fail(kind Kind, topic schema.Topic, peer string, err error) error {
	Drop(r.opts.reporter, Report{
		Kind:       kind,
		Dispatcher: r.name,
		Owner:      r.reg.Owner(),
		Topic:      topic,
		Peer:       peer,
		Err:        err,
	})
	return err
}

// Handles reports whether a handler is registered for topic.
func (r *router) Handles(topic schema.Topic) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[topic]
	return ok
}

// Topics lists the topics with a registered handler, sorted.
func (r *router) Topics() []schema.Topic {
	r.mu.RLock()
	out := make([]schema.Topic, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Missing lists the topics declared in the router's namespace that have no
// handler yet.
func (r *router) Missing() []schema.Topic {
	var out []schema.Topic
	for _, t := range r.reg.Topics(r.ns) {
		if !r.Handles(t) {
			out = append(out, t)
		}
	}
	return out
}
