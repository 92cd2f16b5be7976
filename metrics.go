package storelink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storelink",
		Subsystem: "store",
		Name:      "messages_published_total",
		Help:      "Messages published to links",
	}, []string{"store"})

	messagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storelink",
		Subsystem: "store",
		Name:      "messages_dispatched_total",
		Help:      "Inbound messages dispatched",
	}, []string{"store"})

	unknownOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storelink",
		Subsystem: "store",
		Name:      "unknown_operations_total",
		Help:      "Inbound messages dropped for an unregistered ident",
	}, []string{"store"})

	handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storelink",
		Subsystem: "store",
		Name:      "handler_failures_total",
		Help:      "Handler errors and panics",
	}, []string{"store", "op"})

	activeLinks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "storelink",
		Subsystem: "store",
		Name:      "active_links",
		Help:      "Links currently in the link set",
	}, []string{"store"})

	pendingRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "storelink",
		Subsystem: "store",
		Name:      "pending_requests",
		Help:      "Inbound request producers still running",
	}, []string{"store"})

	pendingCalls = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "storelink",
		Subsystem: "store",
		Name:      "pending_calls",
		Help:      "Outbound remote calls awaiting a terminal reply",
	}, []string{"store"})

	admissionsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storelink",
		Subsystem: "root",
		Name:      "admissions_accepted_total",
		Help:      "Subscription attempts accepted",
	}, []string{"name"})

	admissionsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storelink",
		Subsystem: "root",
		Name:      "admissions_denied_total",
		Help:      "Subscription attempts denied",
	}, []string{"name"})
)
