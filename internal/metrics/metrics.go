// Package metrics exposes the agent's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the recorder interfaces of the credential verifier,
// the route guard and the notification channel.
type Collector struct {
	loginOutcomes  *prometheus.CounterVec
	guardDecisions *prometheus.CounterVec
	inserted       *prometheus.CounterVec
	duplicates     *prometheus.CounterVec
	pushDisconnect prometheus.Counter
	ackFailures    prometheus.Counter
	pullLatency    prometheus.Histogram
	pullFailures   prometheus.Counter
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gardencore_login_outcomes_total",
			Help: "Login and second-factor outcomes by kind.",
		}, []string{"outcome"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gardencore_guard_decisions_total",
			Help: "Route guard decisions by kind.",
		}, []string{"decision"}),
		inserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gardencore_notifications_inserted_total",
			Help: "Notifications added to the feed, by delivery path.",
		}, []string{"source"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gardencore_notifications_duplicates_total",
			Help: "Notifications already in the feed when delivered, by delivery path.",
		}, []string{"source"}),
		pushDisconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gardencore_push_disconnects_total",
			Help: "Push channel connections lost.",
		}),
		ackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gardencore_ack_failures_total",
			Help: "Mark-read acknowledgements the backend did not accept.",
		}),
		pullLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gardencore_pull_latency_seconds",
			Help:    "Notification pull latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		pullFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gardencore_pull_failures_total",
			Help: "Notification pulls that returned an error.",
		}),
	}

	reg.MustRegister(
		c.loginOutcomes,
		c.guardDecisions,
		c.inserted,
		c.duplicates,
		c.pushDisconnect,
		c.ackFailures,
		c.pullLatency,
		c.pullFailures,
	)
	return c
}

// ObserveLogin counts a login outcome.
func (c *Collector) ObserveLogin(outcome string) {
	c.loginOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveDecision counts a guard decision.
func (c *Collector) ObserveDecision(decision string) {
	c.guardDecisions.WithLabelValues(decision).Inc()
}

// ObserveNotification counts an insert or a duplicate.
func (c *Collector) ObserveNotification(source string, inserted bool) {
	if inserted {
		c.inserted.WithLabelValues(source).Inc()
		return
	}
	c.duplicates.WithLabelValues(source).Inc()
}

// ObservePushDisconnect counts a lost push connection.
func (c *Collector) ObservePushDisconnect() {
	c.pushDisconnect.Inc()
}

// ObserveAckFailure counts a failed acknowledgement.
func (c *Collector) ObserveAckFailure() {
	c.ackFailures.Inc()
}

// ObservePull records a pull's latency, and counts it when it failed.
func (c *Collector) ObservePull(d time.Duration, err error) {
	c.pullLatency.Observe(d.Seconds())
	if err != nil {
		c.pullFailures.Inc()
	}
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
