package daemon

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentworkforce/chatvault/internal/chatvault"
	"github.com/agentworkforce/chatvault/internal/syncengine"
)

var wipeStates = []chatvault.WipeState{chatvault.WipeNormal, chatvault.WipeSuspect, chatvault.WipeConfirmedWiped}

// Metrics holds the daemon's collectors on a private registry so that the
// textfile export contains only chatvault series.
type Metrics struct {
	registry *prometheus.Registry

	ticks              *prometheus.CounterVec
	tickDuration       prometheus.Histogram
	lastTick           prometheus.Gauge
	sourceState        *prometheus.GaugeVec
	sourceErrors       *prometheus.CounterVec
	captured           prometheus.Counter
	appended           prometheus.Counter
	restores           *prometheus.CounterVec
	evicted            *prometheus.CounterVec
	storeBytes         prometheus.Gauge
	quotaBytes         prometheus.Gauge
	storeConversations prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_ticks_total",
			Help: "Sync ticks by resulting status.",
		}, []string{"status", "trigger"}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatvault_tick_duration_seconds",
			Help:    "Wall time of one sync tick.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		lastTick: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatvault_last_tick_timestamp_seconds",
			Help: "Unix time the last tick finished.",
		}),
		sourceState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatvault_source_state",
			Help: "1 for the current wipe state of each source location.",
		}, []string{"location", "state"}),
		sourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_source_errors_total",
			Help: "Failed source reads by kind.",
		}, []string{"location", "kind"}),
		captured: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatvault_conversations_captured_total",
			Help: "Conversations stored for the first time.",
		}),
		appended: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatvault_messages_appended_total",
			Help: "Messages appended to already stored conversations.",
		}),
		restores: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_restores_total",
			Help: "Restores executed by the daemon by outcome.",
		}, []string{"outcome"}),
		evicted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_conversations_evicted_total",
			Help: "Conversations removed by the lifecycle manager.",
		}, []string{"reason"}),
		storeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatvault_store_bytes",
			Help: "Total stored payload bytes.",
		}),
		quotaBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatvault_quota_bytes",
			Help: "Configured storage quota.",
		}),
		storeConversations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatvault_store_conversations",
			Help: "Conversations held in the canonical store.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveTick(report syncengine.TickReport) {
	status, _ := report.Status()
	m.ticks.WithLabelValues(string(status), report.Trigger).Inc()
	if !report.FinishedAt.IsZero() && !report.StartedAt.IsZero() {
		m.tickDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
		m.lastTick.Set(float64(report.FinishedAt.Unix()))
	} else {
		m.lastTick.Set(float64(time.Now().Unix()))
	}
	for _, src := range report.Sources {
		if src.Failed() {
			m.sourceErrors.WithLabelValues(src.Location, src.ErrorKind).Inc()
		}
		if src.State == "" {
			continue
		}
		for _, state := range wipeStates {
			value := 0.0
			if state == src.State {
				value = 1
			}
			m.sourceState.WithLabelValues(src.Location, string(state)).Set(value)
		}
		m.captured.Add(float64(src.New))
		m.appended.Add(float64(src.Appended))
	}
	for _, restore := range report.Restores {
		m.restores.WithLabelValues(string(restore.Outcome)).Inc()
	}
	for range report.RestoreErrors {
		m.restores.WithLabelValues(string(chatvault.OutcomeFailed)).Inc()
	}
	if report.Lifecycle != nil {
		m.evicted.WithLabelValues(syncengine.ReasonRetention).Add(float64(len(report.Lifecycle.RetentionPruned)))
		m.evicted.WithLabelValues(syncengine.ReasonQuota).Add(float64(len(report.Lifecycle.QuotaEvicted)))
	}
}

func (m *Metrics) ObserveStore(stats chatvault.StoreStats, quota int64) {
	m.storeBytes.Set(float64(stats.TotalBytes))
	m.storeConversations.Set(float64(stats.Conversations))
	m.quotaBytes.Set(float64(quota))
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
