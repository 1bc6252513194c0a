package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports the controller state of every live session. One
// instance is shared across the registry; series are labelled by the
// session run id.
type Metrics struct {
	cwnd         *prometheus.GaugeVec
	flightsize   *prometheus.GaugeVec
	queuingDelay *prometheus.GaugeVec
	rtt          *prometheus.GaugeVec
	srtt         *prometheus.GaugeVec
	rttvar       *prometheus.GaugeVec

	chunksSent   *prometheus.CounterVec
	chunksResent *prometheus.CounterVec
	chunksAcked  *prometheus.CounterVec
}

// NewMetrics registers the session collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	labels := []string{"session"}

	return &Metrics{
		cwnd: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledbat_cwnd_bytes",
			Help: "Congestion window size.",
		}, labels),
		flightsize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledbat_flightsize_bytes",
			Help: "Bytes sent but not yet acknowledged.",
		}, labels),
		queuingDelay: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledbat_queuing_delay_milliseconds",
			Help: "Estimated queuing delay.",
		}, labels),
		rtt: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledbat_rtt_seconds",
			Help: "Latest round-trip time sample.",
		}, labels),
		srtt: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledbat_srtt_seconds",
			Help: "Smoothed round-trip time.",
		}, labels),
		rttvar: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledbat_rttvar_seconds",
			Help: "Round-trip time variation.",
		}, labels),
		chunksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledbat_chunks_sent_total",
			Help: "DATA chunks sent for the first time.",
		}, labels),
		chunksResent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledbat_chunks_resent_total",
			Help: "DATA chunks retransmitted.",
		}, labels),
		chunksAcked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledbat_chunks_acked_total",
			Help: "DATA chunks acknowledged.",
		}, labels),
	}
}

// forget drops every series of a disposed session.
func (m *Metrics) forget(id string) {
	labels := prometheus.Labels{"session": id}
	m.cwnd.Delete(labels)
	m.flightsize.Delete(labels)
	m.queuingDelay.Delete(labels)
	m.rtt.Delete(labels)
	m.srtt.Delete(labels)
	m.rttvar.Delete(labels)
	m.chunksSent.Delete(labels)
	m.chunksResent.Delete(labels)
	m.chunksAcked.Delete(labels)
}
