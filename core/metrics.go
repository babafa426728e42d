package core

import (
	"errors"

	"github.com/sipstack/siptx/sip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// validationRejectionsTotal counts requests rejected by the validation
	// chain before reaching a handler, labeled by method and the response
	// status the chain produced (405, 420, 482).
	validationRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siptx_core_validation_rejections_total",
			Help: "Total requests rejected by the UAS validation chain",
		},
		[]string{"method", "status"},
	)

	// transactionOutcomesTotal counts how server transactions ended,
	// labeled by outcome: final, timeout, transport_error.
	transactionOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siptx_core_transaction_outcomes_total",
			Help: "Total server transactions grouped by terminal outcome",
		},
		[]string{"outcome"},
	)
)

// ObserveTransactionOutcome records how a server transaction terminated,
// mapping the sentinel errors from sip/transaction.go onto a small outcome
// label set. A nil err means the transaction reached a final response.
func ObserveTransactionOutcome(err error) {
	switch {
	case err == nil:
		transactionOutcomesTotal.WithLabelValues("final").Inc()
	case errors.Is(err, sip.ErrTransactionTimeout):
		transactionOutcomesTotal.WithLabelValues("timeout").Inc()
	default:
		transactionOutcomesTotal.WithLabelValues("transport_error").Inc()
	}
}
