package client

import (
	"context"
	"fmt"

	"Assembler-Plugins/internal/core/schema"
)

// Handle is a plugin's view of its Client. Every outbound payload is checked
// against the plugin's schema before it leaves the process.
type Handle struct {
	c   *Client
	id  string
	reg *schema.Registry
}

func (c *Client) NewHandle(pluginID string, reg *schema.Registry) *Handle {
	return &Handle{c: c, id: pluginID, reg: reg}
}

func (h *Handle) PluginID() string {
	return h.id
}

// PeerID is the local peer id.
func (h *Handle) PeerID() string {
	return h.c.PeerID()
}

// Send delivers payload to one peer on a topic declared in the Send namespace.
func (h *Handle) Send(ctx context.Context, peerID string, topic schema.Topic, payload any) error {
	b, err := h.reg.Encode(schema.Send, topic, payload)
	if err != nil {
		return err
	}
	if err := h.c.transport.Send(ctx, peerID, string(topic), b); err != nil {
		return fmt.Errorf("%w: send %s to %s: %w", ErrTransportFailure, topic, peerID, err)
	}
	return nil
}

// Publish broadcasts payload on a topic declared in the Publish namespace.
func (h *Handle) Publish(_ context.Context, topic schema.Topic, payload any) error {
	b, err := h.reg.Encode(schema.Publish, topic, payload)
	if err != nil {
		return err
	}
	if err := h.c.transport.Publish(string(topic), b); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrTransportFailure, topic, err)
	}
	return nil
}

// Emit hands payload to in-process listeners of a topic declared in the Emit
// namespace. It never touches the network.
func (h *Handle) Emit(topic schema.Topic, payload any) error {
	if err := h.reg.Check(schema.Emit, topic, payload); err != nil {
		return err
	}
	h.c.bus.Emit(string(topic), payload)
	return nil
}
