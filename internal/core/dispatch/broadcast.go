package dispatch

import "Assembler-Plugins/internal/core/schema"

// Broadcast routes topic broadcasts to the handler registered for their topic
// in the Subscribe namespace. Relay-level deduplication is the transport's
// job; every Dispatch call is treated as a distinct broadcast.
type Broadcast struct {
	*router
}

func NewBroadcast(reg *schema.Registry, opts ...Option) *Broadcast {
	return &Broadcast{router: newRouter("broadcast", schema.Subscribe, reg, opts)}
}

// OnSubscribe registers fn for a topic declared in the Subscribe namespace.
func OnSubscribe[P any](b *Broadcast, topic schema.Topic, fn Handler[P]) error {
	return register(b.router, topic, fn)
}
