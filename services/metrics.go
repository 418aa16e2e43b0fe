package services

import (
	"trustbond-server/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use through a nil pointer; every method is a no-op then.
type Metrics struct {
	votesCast        *prometheus.CounterVec
	duplicateVotes   prometheus.Counter
	lateVotes        prometheus.Counter
	finalizations    *prometheus.CounterVec
	finalizationLoss prometheus.Counter
	evaluationErrors prometheus.Counter
	notifyFailures   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		votesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustbond",
			Name:      "votes_cast_total",
			Help:      "Votes recorded, by decision.",
		}, []string{"decision"}),
		duplicateVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustbond",
			Name:      "votes_duplicate_total",
			Help:      "Votes refused because the verifier had already voted.",
		}),
		lateVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustbond",
			Name:      "votes_late_total",
			Help:      "Votes stored after another evaluation had already finalized the submission.",
		}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustbond",
			Name:      "submissions_finalized_total",
			Help:      "Submissions moved to a terminal status, by status.",
		}, []string{"status"}),
		finalizationLoss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustbond",
			Name:      "finalization_races_lost_total",
			Help:      "Evaluations that reached quorum after another evaluation had already finalized.",
		}),
		evaluationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustbond",
			Name:      "evaluation_errors_total",
			Help:      "Consensus evaluations that failed.",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustbond",
			Name:      "event_publish_failures_total",
			Help:      "Events that could not be published.",
		}),
	}

	collectors := []prometheus.Collector{
		m.votesCast,
		m.duplicateVotes,
		m.lateVotes,
		m.finalizations,
		m.finalizationLoss,
		m.evaluationErrors,
		m.notifyFailures,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) voteCast(decision models.VoteDecision) {
	if m == nil {
		return
	}
	m.votesCast.WithLabelValues(string(decision)).Inc()
}

func (m *Metrics) duplicateVote() {
	if m == nil {
		return
	}
	m.duplicateVotes.Inc()
}

func (m *Metrics) lateVote() {
	if m == nil {
		return
	}
	m.lateVotes.Inc()
}

func (m *Metrics) finalized(status models.SubmissionStatus) {
	if m == nil {
		return
	}
	m.finalizations.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) finalizationLost() {
	if m == nil {
		return
	}
	m.finalizationLoss.Inc()
}

func (m *Metrics) evaluationError() {
	if m == nil {
		return
	}
	m.evaluationErrors.Inc()
}

func (m *Metrics) notifyFailure() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}
