// Package metrics exposes the Prometheus collectors the reactor and rpc
// packages optionally report to. A nil *Recorder is always safe to call
// methods on, so core logic never has to branch on whether metrics are
// wired up.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder bundles the collectors a running Application updates. The zero
// value is not usable directly; use NewRecorder or a nil *Recorder (whose
// methods are no-ops).
type Recorder struct {
	connectionsActive *prometheus.GaugeVec
	pendingCalls      *prometheus.GaugeVec
	frames            *prometheus.CounterVec
}

// NewRecorder builds a Recorder and registers its collectors with reg. Pass
// prometheus.DefaultRegisterer for the global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reactor",
			Name:      "connections_active",
			Help:      "Number of live connections, by owning loop index.",
		}, []string{"loop"}),
		pendingCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rpc",
			Name:      "pending_calls",
			Help:      "Outstanding RPC calls awaiting a reply, by channel.",
		}, []string{"channel"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpc",
			Name:      "frames_total",
			Help:      "RPC frames processed, by direction and service.",
		}, []string{"direction", "service"}),
	}
	reg.MustRegister(r.connectionsActive, r.pendingCalls, r.frames)
	return r
}

func (r *Recorder) ConnectionOpened(loop string) {
	if r == nil {
		return
	}
	r.connectionsActive.WithLabelValues(loop).Inc()
}

func (r *Recorder) ConnectionClosed(loop string) {
	if r == nil {
		return
	}
	r.connectionsActive.WithLabelValues(loop).Dec()
}

func (r *Recorder) SetPendingCalls(channel string, n int) {
	if r == nil {
		return
	}
	r.pendingCalls.WithLabelValues(channel).Set(float64(n))
}

func (r *Recorder) FrameIn(service string) {
	if r == nil {
		return
	}
	r.frames.WithLabelValues("in", service).Inc()
}

func (r *Recorder) FrameOut(service string) {
	if r == nil {
		return
	}
	r.frames.WithLabelValues("out", service).Inc()
}
