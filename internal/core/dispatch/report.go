package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"Assembler-Plugins/internal/core/schema"
)

var dispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "plugin",
	Name:      "dispatched_messages_total",
	Help:      "Messages dispatched to plugin handlers by dispatcher and outcome.",
}, []string{"dispatcher", "outcome"})

type Kind string

const (
	UnhandledTopic Kind = "unhandled_topic"
	SchemaMismatch Kind = "schema_mismatch"
	HandlerFailed  Kind = "handler_failed"
	HandlerPanic   Kind = "handler_panic"
	LaneOverflow   Kind = "lane_overflow"
)

// Report describes a message that was dropped or whose handler failed.
type Report struct {
	Kind       Kind
	Dispatcher string
	Owner      string
	Topic      schema.Topic
	Peer       string
	Err        error
}

type Reporter func(Report)

// Drop counts r under its dispatcher and kind and hands it to rep.
func Drop(rep Reporter, r Report) {
	dispatched.WithLabelValues(r.Dispatcher, string(r.Kind)).Inc()
	rep(r)
}

// LogReporter is the default Reporter.
func LogReporter(r Report) {
	switch r.Kind {
	case HandlerFailed:
		log.Warnw("handler failed", "plugin", r.Owner, "dispatcher", r.Dispatcher, "topic", r.Topic, "peer", r.Peer, "error", r.Err)
	case HandlerPanic:
		log.Errorw("handler panicked", "plugin", r.Owner, "dispatcher", r.Dispatcher, "topic", r.Topic, "peer", r.Peer, "error", r.Err)
	default:
		log.Warnw("message dropped", "reason", r.Kind, "plugin", r.Owner, "dispatcher", r.Dispatcher, "topic", r.Topic, "peer", r.Peer, "error", r.Err)
	}
}
