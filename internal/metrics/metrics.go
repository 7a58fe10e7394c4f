package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 终端的Prometheus指标
type Metrics struct {
	AuthOutcomes    *prometheus.CounterVec
	SessionEvents   *prometheus.CounterVec
	VoteOutcomes    *prometheus.CounterVec
	GraceExtensions prometheus.Counter
	HardTimeouts    prometheus.Counter
	LeaseLost       prometheus.Counter
	Step            *prometheus.GaugeVec
	JobStatus       *prometheus.CounterVec
}

// New 创建并注册指标，reg为nil时不注册
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "auth_outcomes_total",
			Help:      "Authentication attempts by outcome.",
		}, []string{"outcome"}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "session_events_total",
			Help:      "Voter session audit events by action.",
		}, []string{"action"}),
		VoteOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "election_submissions_total",
			Help:      "Per-election ballot submissions by outcome.",
		}, []string{"outcome"}),
		GraceExtensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "grace_extensions_total",
			Help:      "Grace extensions granted when the session countdown reached zero.",
		}),
		HardTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "hard_timeouts_total",
			Help:      "Sessions reset because the countdown ran out after all grace was used.",
		}),
		LeaseLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "session_lease_lost_total",
			Help:      "Sessions reset because the server-side lease could not be refreshed.",
		}),
		Step: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kiosk",
			Name:      "step",
			Help:      "Current kiosk step (1 for the active step).",
		}, []string{"step"}),
		JobStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "submission_jobs_total",
			Help:      "Submission job status transitions.",
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AuthOutcomes,
			m.SessionEvents,
			m.VoteOutcomes,
			m.GraceExtensions,
			m.HardTimeouts,
			m.LeaseLost,
			m.Step,
			m.JobStatus,
		)
	}
	return m
}

// SetStep 把当前步骤置1，其余置0
func (m *Metrics) SetStep(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.Step.WithLabelValues(s).Set(v)
	}
}
