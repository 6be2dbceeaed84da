package dispatch

import "Assembler-Plugins/internal/core/schema"

// Direct routes addressed peer-to-peer messages to the handler registered for
// their topic in the Receive namespace.
type Direct struct {
	*router
}

func NewDirect(reg *schema.Registry, opts ...Option) *Direct {
	return &Direct{router: newRouter("direct", schema.Receive, reg, opts)}
}

// OnReceive registers fn for a topic declared in the Receive namespace. The
// payload type must match the declaration.
func OnReceive[P any](d *Direct, topic schema.Topic, fn Handler[P]) error {
	return register(d.router, topic, fn)
}
