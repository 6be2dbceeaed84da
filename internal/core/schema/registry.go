package schema

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrUndeclaredTopic = errors.New("topic not declared")
	ErrSchemaConflict  = errors.New("topic already declared with a different payload")
	ErrSchemaMismatch  = errors.New("payload does not match declared schema")
)

// Namespace partitions topics by direction. The same topic string may carry a
// different payload in every namespace.
type Namespace uint8

const (
	Send Namespace = iota
	Receive
	Publish
	Subscribe
	Emit

	namespaceCount
)

func (n Namespace) String() string {
	switch n {
	case Send:
		return "send"
	case Receive:
		return "receive"
	case Publish:
		return "publish"
	case Subscribe:
		return "subscribe"
	case Emit:
		return "emit"
	default:
		return fmt.Sprintf("namespace(%d)", uint8(n))
	}
}

func (n Namespace) valid() bool {
	return n < namespaceCount
}

// Topic names a category of message, e.g. "/example/add/request".
type Topic string

// ParseTopic validates s as a topic name.
func ParseTopic(s string) (Topic, error) {
	t := Topic(s)
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

func (t Topic) Validate() error {
	s := string(t)
	if len(s) < 2 || !strings.HasPrefix(s, "/") {
		return fmt.Errorf("%w: %q must start with '/'", ErrInvalidTopic, s)
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidTopic, s)
	}
	return nil
}

func (t Topic) String() string {
	return string(t)
}

// Registry holds the payload shapes a single plugin declared. Each namespace is
// kept in its own table.
type Registry struct {
	owner string

	mu     sync.RWMutex
	shapes [namespaceCount]map[Topic]reflect.Type
}

func NewRegistry(owner string) *Registry {
	r := &Registry{owner: owner}
	for i := range r.shapes {
		r.shapes[i] = make(map[Topic]reflect.Type)
	}
	return r
}

// Owner returns the id of the plugin the registry belongs to.
func (r *Registry) Owner() string {
	return r.owner
}

// Declare binds payload type P to topic in namespace ns. Declaring the same
// pair twice with the same type is allowed.
func Declare[P any](r *Registry, ns Namespace, topic Topic) error {
	return r.declare(ns, topic, reflect.TypeFor[P]())
}

// MustDeclare is Declare for static plugin tables.
func MustDeclare[P any](r *Registry, ns Namespace, topic Topic) {
	if err := Declare[P](r, ns, topic); err != nil {
		panic(err)
	}
}

func (r *Registry) declare(ns Namespace, topic Topic, shape reflect.Type) error {
	if !ns.valid() {
		return fmt.Errorf("declare %s: unknown %s", topic, ns)
	}
	if err := topic.Validate(); err != nil {
		return err
	}
	if shape.Kind() == reflect.Pointer {
		shape = shape.Elem()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.shapes[ns][topic]; ok {
		if prev == shape {
			return nil
		}
		return fmt.Errorf("%w: %s %s is %s, not %s", ErrSchemaConflict, ns, topic, prev, shape)
	}
	r.shapes[ns][topic] = shape
	return nil
}

// Shape returns the payload type declared for topic in ns.
func (r *Registry) Shape(ns Namespace, topic Topic) (reflect.Type, bool) {
	if !ns.valid() {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.shapes[ns][topic]
	return t, ok
}

// Declared reports whether topic has a shape in ns.
func (r *Registry) Declared(ns Namespace, topic Topic) bool {
	_, ok := r.Shape(ns, topic)
	return ok
}

// Topics lists the topics declared in ns, sorted.
func (r *Registry) Topics(ns Namespace) []Topic {
	if !ns.valid() {
		return nil
	}
	r.mu.RLock()
	out := make([]Topic, 0, len(r.shapes[ns]))
	for t := range r.shapes[ns] {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Expect fails unless shape is the type declared for topic in ns.
func (r *Registry) Expect(ns Namespace, topic Topic, shape reflect.Type) error {
	declared, ok := r.Shape(ns, topic)
	if !ok {
		return fmt.Errorf("%w: %s %s in %s", ErrUndeclaredTopic, ns, topic, r.owner)
	}
	if shape.Kind() == reflect.Pointer {
		shape = shape.Elem()
	}
	if declared != shape {
		return fmt.Errorf("%w: %s %s wants %s, got %s", ErrSchemaMismatch, ns, topic, declared, shape)
	}
	return nil
}

// Check validates an outbound or locally emitted payload against the declared
// shape for topic in ns.
func (r *Registry) Check(ns Namespace, topic Topic, payload any) error {
	if payload == nil {
		return fmt.Errorf("%w: %s %s: nil payload", ErrSchemaMismatch, ns, topic)
	}
	v := reflect.ValueOf(payload)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return fmt.Errorf("%w: %s %s: nil payload", ErrSchemaMismatch, ns, topic)
		}
		v = v.Elem()
	}
	if err := r.Expect(ns, topic, v.Type()); err != nil {
		return err
	}
	if err := validateValue(v); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrSchemaMismatch, ns, topic, err)
	}
	return nil
}

// Decode decodes data into a new value of the shape declared for topic in ns.
// The returned value is the struct itself, not a pointer to it.
func (r *Registry) Decode(ns Namespace, topic Topic, data []byte) (any, error) {
	shape, ok := r.Shape(ns, topic)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s in %s", ErrUndeclaredTopic, ns, topic, r.owner)
	}
	ptr := reflect.New(shape)
	if err := Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrSchemaMismatch, ns, topic, err)
	}
	if err := validateValue(ptr.Elem()); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrSchemaMismatch, ns, topic, err)
	}
	return ptr.Elem().Interface(), nil
}
