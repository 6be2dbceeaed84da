package network

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var log = logging.Logger("network")

var (
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrPeerExists      = errors.New("peer id already joined")
	ErrClosed          = errors.New("transport closed")
)

var outbound = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "plugin",
	Name:      "transport_outbound_total",
	Help:      "Outbound transport operations by transport, kind and outcome.",
}, []string{"transport", "kind", "outcome"})

func observe(transport, kind string, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	outbound.WithLabelValues(transport, kind, outcome).Inc()
	return err
}

// Message is the transport envelope used by the runtime. From is the id of the
// peer that sent a direct message or originated a broadcast.
type Message struct {
	Topic   string
	Payload []byte
	From    string
}

// PubSub is a minimal interface for broadcast-style communication.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
}

// Transport adds addressed peer-to-peer delivery to PubSub.
type Transport interface {
	PubSub

	// ID is the local peer id as other peers address it.
	ID() string
	// Send delivers one message to peerID. Failures are returned, never retried.
	Send(ctx context.Context, peerID, topic string, payload []byte) error
	// Inbox yields direct messages addressed to this peer, in arrival order
	// per sending peer.
	Inbox() <-chan Message
	Close() error
}

// Validator decides whether a broadcast payload is accepted for delivery.
type Validator func(from string, payload []byte) bool

// Validating is implemented by transports that can reject broadcasts before
// they reach subscribers.
type Validating interface {
	RegisterValidator(topic string, v Validator) error
}

// Info exposes peer-level diagnostics.
type Info interface {
	ListenAddrs() []string
	ConnectedPeers() []string
}
