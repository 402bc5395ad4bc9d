package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/goalescrow/internal/domain"
)

type engineMetrics struct {
	deposits        prometheus.Counter
	depositedAmount prometheus.Counter
	attestations    *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
	withdrawnAmount prometheus.Counter
	rejections      *prometheus.CounterVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_deposits_total",
			Help: "Recorded deposits",
		}),
		depositedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_deposited_amount_total",
			Help: "Escrowed amount in native smallest units",
		}),
		attestations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_attestations_total",
			Help: "Goal attestations, by outcome",
		}, []string{"outcome"}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_withdrawals_total",
			Help: "Settled withdrawals, by price path",
		}, []string{"path"}),
		withdrawnAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_withdrawn_amount_total",
			Help: "Paid out amount in native smallest units",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_rejections_total",
			Help: "Rejected mutating calls, by operation and error kind",
		}, []string{"op", "kind"}),
	}
	reg.MustRegister(m.deposits, m.depositedAmount, m.attestations, m.withdrawals, m.withdrawnAmount, m.rejections)
	return m
}

func (m *engineMetrics) reject(op string, err error) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(op, domain.Kind(err)).Inc()
}
