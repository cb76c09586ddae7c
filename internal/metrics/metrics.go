// Package metrics defines Prometheus counters for the delivery engine.
// Counters register on the default registry; an embedding agent decides
// whether and where to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Delivery metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmail_messages_sent_total",
			Help: "Total messages delivered, by route",
		},
		[]string{"route"}, // "external", "mesh", "direct"
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmail_send_failures_total",
			Help: "Total send attempts that ended in a reported error",
		},
		[]string{"reason"},
	)

	MessagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmail_messages_fetched_total",
			Help: "Total messages fetched from providers",
		},
		[]string{"provider"},
	)

	FetchDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmail_fetch_duplicates_total",
			Help: "Total fetched messages skipped by idempotent dedup",
		},
	)

	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmail_registrations_total",
			Help: "Total successful provider registrations",
		},
		[]string{"kind"}, // "mesh" or "external"
	)

	// Security metrics
	InjectionDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmail_injection_detections_total",
			Help: "Total injection pattern detections on inbound content",
		},
		[]string{"category"},
	)

	UntrustedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmail_untrusted_messages_total",
			Help: "Total inbound messages classified untrusted",
		},
	)

	// Attachment metrics
	AttachmentsUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmail_attachments_uploaded_total",
			Help: "Total attachments uploaded to providers",
		},
	)

	AttachmentDigestFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmail_attachment_digest_failures_total",
			Help: "Total attachment digest verification failures",
		},
	)
)
