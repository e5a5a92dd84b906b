package metrics

import (
	"sync"
	"time"

	"github.com/openmined/foliosync/internal/record"
	foliosync "github.com/openmined/foliosync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "foliosync"

// PrometheusCollector implements sync.Metrics backed by Prometheus.
// Collectors are registered lazily on first use.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	zoneFetches       *prometheus.CounterVec
	zoneFetchDuration *prometheus.HistogramVec
	zonePages         *prometheus.CounterVec
	zoneRecords       *prometheus.CounterVec
	zoneDropped       *prometheus.CounterVec

	stateTransitions *prometheus.CounterVec
	state            *prometheus.GaugeVec

	shareRequests *prometheus.CounterVec
}

var _ foliosync.Metrics = (*PrometheusCollector)(nil)

// NewPrometheus creates a collector registering with reg, or with
// prometheus.DefaultRegisterer when reg is nil.
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.zoneFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "zone",
			Name:      "fetches_total",
			Help:      "Total zone change feed fetches by scope and result.",
		}, []string{"scope", "result"})

		p.zoneFetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "zone",
			Name:      "fetch_duration_seconds",
			Help:      "Time to page a zone's change feed to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"scope"})

		p.zonePages = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "zone",
			Name:      "pages_total",
			Help:      "Change feed pages consumed by scope.",
		}, []string{"scope"})

		p.zoneRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "zone",
			Name:      "folios_total",
			Help:      "Folios decoded from change feeds by scope.",
		}, []string{"scope"})

		p.zoneDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "zone",
			Name:      "dropped_records_total",
			Help:      "Records skipped because they did not decode as folios.",
		}, []string{"scope"})

		p.stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sync",
			Name:      "state_transitions_total",
			Help:      "Sync state machine transitions.",
		}, []string{"from", "to"})

		p.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "sync",
			Name:      "state",
			Help:      "1 for the current sync state, 0 otherwise.",
		}, []string{"state"})

		p.shareRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "share",
			Name:      "requests_total",
			Help:      "Fetch-or-create share requests by action and result.",
		}, []string{"action", "result"})

		p.reg.MustRegister(p.zoneFetches)
		p.reg.MustRegister(p.zoneFetchDuration)
		p.reg.MustRegister(p.zonePages)
		p.reg.MustRegister(p.zoneRecords)
		p.reg.MustRegister(p.zoneDropped)
		p.reg.MustRegister(p.stateTransitions)
		p.reg.MustRegister(p.state)
		p.reg.MustRegister(p.shareRequests)
	})
}

func (p *PrometheusCollector) RecordZoneFetch(scope record.Scope, pages, records, dropped int, duration time.Duration, err error) {
	p.ensureRegistered()

	s := string(scope)
	p.zoneFetches.WithLabelValues(s, result(err)).Inc()
	p.zoneFetchDuration.WithLabelValues(s).Observe(duration.Seconds())
	if err != nil {
		return
	}
	p.zonePages.WithLabelValues(s).Add(float64(pages))
	p.zoneRecords.WithLabelValues(s).Add(float64(records))
	p.zoneDropped.WithLabelValues(s).Add(float64(dropped))
}

func (p *PrometheusCollector) RecordStateTransition(from, to foliosync.StateKind) {
	p.ensureRegistered()

	p.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	for _, k := range []foliosync.StateKind{foliosync.StateLoading, foliosync.StateLoaded, foliosync.StateError} {
		v := 0.0
		if k == to {
			v = 1
		}
		p.state.WithLabelValues(k.String()).Set(v)
	}
}

func (p *PrometheusCollector) RecordShareRequest(created bool, err error) {
	p.ensureRegistered()

	action := "fetch"
	if created {
		action = "create"
	}
	p.shareRequests.WithLabelValues(action, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
