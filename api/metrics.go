package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/loan-engine/loans"
)

// Metrics holds the prometheus collectors of the loan service. Each instance
// owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	loansOpened        prometheus.Counter
	loansConfirmed     prometheus.Counter
	resolutionOutcomes *prometheus.CounterVec
	overdueEvents      *prometheus.CounterVec
	intents            *prometheus.CounterVec
	apiErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.loansOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loans",
		Name:      "opened_total",
		Help:      "Loans opened (stock reserved).",
	})
	m.loansConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loans",
		Name:      "confirmed_total",
		Help:      "Loans whose outbound movement was confirmed.",
	})
	m.resolutionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loans",
		Name:      "resolution_outcomes_total",
		Help:      "Resolution outcomes by decision.",
	}, []string{"outcome"})
	m.overdueEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loans",
		Name:      "overdue_events_total",
		Help:      "Overdue and trial-expired events raised by the monitor.",
	}, []string{"kind"})
	m.intents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loans",
		Name:      "outbox_intents_total",
		Help:      "Outbox intents by dispatch result.",
	}, []string{"result"})
	m.apiErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loans",
		Subsystem: "api",
		Name:      "errors_total",
		Help:      "API errors by error code.",
	}, []string{"code"})

	m.registry.MustRegister(
		m.loansOpened,
		m.loansConfirmed,
		m.resolutionOutcomes,
		m.overdueEvents,
		m.intents,
		m.apiErrors,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) recordResolution(out loans.ResolutionOutcome) {
	m.resolutionOutcomes.WithLabelValues("buy").Add(float64(len(out.Sales)))
	m.resolutionOutcomes.WithLabelValues("return").Add(float64(len(out.Returns)))
	m.resolutionOutcomes.WithLabelValues("keep_loan").Add(float64(len(out.Kept)))
}

func (m *Metrics) recordOverdue(events []loans.OverdueEvent) {
	for _, ev := range events {
		if !ev.Repeat {
			m.overdueEvents.WithLabelValues(string(ev.Kind)).Inc()
		}
	}
}

func (m *Metrics) recordDrain(res loans.DrainResult) {
	m.intents.WithLabelValues("dispatched").Add(float64(res.Dispatched))
	m.intents.WithLabelValues("retrying").Add(float64(res.Retrying))
	m.intents.WithLabelValues("failed").Add(float64(res.Failed))
}
