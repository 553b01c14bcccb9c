package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certanchor",
		Subsystem: "ledger",
		Name:      "calls_total",
		Help:      "Ledger RPC calls by method and outcome.",
	}, []string{"method", "outcome"})

	LedgerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "certanchor",
		Subsystem: "ledger",
		Name:      "retries_total",
		Help:      "Read/verify call retries after transient timeouts.",
	})

	CertificatesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certanchor",
		Subsystem: "issuance",
		Name:      "certificates_total",
		Help:      "Certificates issued, renewed, revoked or reactivated.",
	}, []string{"op"})

	BatchItemsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certanchor",
		Subsystem: "batch",
		Name:      "items_total",
		Help:      "Per-document finalization outcomes.",
	}, []string{"outcome"})
)
