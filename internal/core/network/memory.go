package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const memoryBuffer = 64

type memorySub struct {
	owner *MemoryNode
	ch    chan Message
}

// MemoryNetwork is a process-local hub connecting MemoryNodes. Used for tests
// and single-process setups.
type MemoryNetwork struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]memorySub
	nodes  map[string]*MemoryNode
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		subs:  make(map[string]map[int]memorySub),
		nodes: make(map[string]*MemoryNode),
	}
}

// Join attaches a new peer with the given id.
func (n *MemoryNetwork) Join(id string) (*MemoryNode, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerExists, id)
	}
	node := &MemoryNode{
		net:        n,
		id:         id,
		inbox:      make(chan Message, memoryBuffer),
		closed:     make(chan struct{}),
		validators: make(map[string]Validator),
	}
	n.nodes[id] = node
	return node, nil
}

func (n *MemoryNetwork) publish(from *MemoryNode, topic string, payload []byte) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subs[topic] {
		if v := sub.owner.validator(topic); v != nil && !v(from.id, payload) {
			log.Debugw("broadcast rejected by validator", "topic", topic, "from", from.id, "to", sub.owner.id)
			continue
		}
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), From: from.id}
		select {
		case sub.ch <- msg:
		default:
			// Non-blocking send to avoid one slow subscriber stalling all publishers.
		}
	}
}

func (n *MemoryNetwork) subscribe(owner *MemoryNode, topic string) (<-chan Message, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[topic]; !ok {
		n.subs[topic] = make(map[int]memorySub)
	}
	id := n.nextID
	n.nextID++
	ch := make(chan Message, memoryBuffer)
	n.subs[topic][id] = memorySub{owner: owner, ch: ch}

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if subsByTopic, ok := n.subs[topic]; ok {
			if sub, exists := subsByTopic[id]; exists {
				delete(subsByTopic, id)
				close(sub.ch)
			}
			if len(subsByTopic) == 0 {
				delete(n.subs, topic)
			}
		}
	}
	return ch, cancel
}

func (n *MemoryNetwork) node(id string) (*MemoryNode, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	node, ok := n.nodes[id]
	return node, ok
}

func (n *MemoryNetwork) leave(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

// MemoryNode is one peer on a MemoryNetwork.
type MemoryNode struct {
	net   *MemoryNetwork
	id    string
	inbox chan Message

	closeOnce sync.Once
	closed    chan struct{}

	mu         sync.Mutex
	cancels    []func()
	validators map[string]Validator
}

var (
	_ Transport  = (*MemoryNode)(nil)
	_ Validating = (*MemoryNode)(nil)
	_ Info       = (*MemoryNode)(nil)
)

func (m *MemoryNode) ID() string {
	return m.id
}

func (m *MemoryNode) Inbox() <-chan Message {
	return m.inbox
}

func (m *MemoryNode) Publish(topic string, payload []byte) error {
	if m.isClosed() {
		return observe("memory", "publish", ErrClosed)
	}
	m.net.publish(m, topic, payload)
	return observe("memory", "publish", nil)
}

func (m *MemoryNode) Subscribe(topic string) (<-chan Message, func(), error) {
	if m.isClosed() {
		return nil, nil, ErrClosed
	}
	ch, cancel := m.net.subscribe(m, topic)
	m.mu.Lock()
	m.cancels = append(m.cancels, cancel)
	m.mu.Unlock()
	return ch, cancel, nil
}

func (m *MemoryNode) Send(ctx context.Context, peerID, topic string, payload []byte) error {
	return observe("memory", "send", m.send(ctx, peerID, topic, payload))
}

func (m *MemoryNode) send(ctx context.Context, peerID, topic string, payload []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	to, ok := m.net.node(peerID)
	if !ok || to.isClosed() {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, peerID)
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), From: m.id}
	select {
	case to.inbox <- msg:
		return nil
	case <-to.closed:
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, peerID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryNode) RegisterValidator(topic string, v Validator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.validators[topic]; ok {
		return fmt.Errorf("validator already registered for %s", topic)
	}
	m.validators[topic] = v
	return nil
}

func (m *MemoryNode) validator(topic string) Validator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validators[topic]
}

func (m *MemoryNode) ListenAddrs() []string {
	return []string{"/memory/" + m.id}
}

func (m *MemoryNode) ConnectedPeers() []string {
	m.net.mu.RLock()
	defer m.net.mu.RUnlock()
	out := make([]string, 0, len(m.net.nodes))
	for id := range m.net.nodes {
		if id != m.id {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (m *MemoryNode) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.net.leave(m.id)
		m.mu.Lock()
		cancels := m.cancels
		m.cancels = nil
		m.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
	})
	return nil
}

func (m *MemoryNode) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
