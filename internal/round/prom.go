package round

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"FleetGuard/internal/channel"
	"FleetGuard/internal/control"
)

const namespace = "fleetguard"

// Collectors exports round metrics to Prometheus.
type Collectors struct {
	rounds          prometheus.Counter
	participants    prometheus.Counter
	flagged         prometheus.Counter
	degenerate      prometheus.Counter
	aggErrors       prometheus.Counter
	violations      *prometheus.CounterVec
	flaggedFraction prometheus.Histogram
	roundDuration   prometheus.Histogram
	meanTrust       prometheus.Gauge
	simTime         prometheus.Gauge
	keyFidelity     prometheus.Gauge
	linkDelay       prometheus.Gauge
}

// NewCollectors creates the collectors and registers them with reg.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_total",
			Help: "Completed rounds.",
		}),
		participants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "participants_total",
			Help: "Updates received across all rounds.",
		}),
		flagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flagged_total",
			Help: "Updates flagged as suspected adversarial.",
		}),
		degenerate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "degenerate_rounds_total",
			Help: "Rounds where every update was flagged.",
		}),
		aggErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "aggregation_errors_total",
			Help: "Rounds whose aggregation failed and kept the previous consensus.",
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "safety_violations_total",
			Help: "Control steps where a fallback replaced the proposal.",
		}, []string{"kind"}),
		flaggedFraction: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flagged_fraction",
			Help:    "Fraction of updates flagged per round.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "round_duration_seconds",
			Help:    "Wall-clock duration of a round.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		meanTrust: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "trust_mean",
			Help: "Mean participant trust after the last round.",
		}),
		simTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sim_time_seconds",
			Help: "Simulated clock.",
		}),
		keyFidelity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "key_fidelity",
			Help: "Last key-distribution fidelity estimate.",
		}),
		linkDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "link_delay_seconds",
			Help: "Last mean link delay estimate.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.rounds, c.participants, c.flagged, c.degenerate, c.aggErrors, c.violations,
		c.flaggedFraction, c.roundDuration, c.meanTrust, c.simTime, c.keyFidelity, c.linkDelay,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	// expose every kind from the start
	for _, v := range control.Violations {
		c.violations.WithLabelValues(v.String())
	}

	return c, nil
}

// observe records one completed round.
func (c *Collectors) observe(rec Record, elapsed time.Duration) {
	if c == nil {
		return
	}

	c.rounds.Inc()
	c.participants.Add(float64(rec.Participants))
	c.flagged.Add(float64(len(rec.Flagged)))
	c.flaggedFraction.Observe(rec.FlaggedFraction)
	c.roundDuration.Observe(elapsed.Seconds())
	c.meanTrust.Set(rec.MeanTrust)
	c.simTime.Set(rec.SimTime)

	if rec.Degenerate {
		c.degenerate.Inc()
	}

	if rec.AggregationError != "" {
		c.aggErrors.Inc()
	}

	for kind, n := range rec.ViolationsByKind {
		c.violations.WithLabelValues(kind).Add(float64(n))
	}

	if r, ok := rec.Estimates[channel.KindKeyFidelity.String()]; ok {
		c.keyFidelity.Set(r.Fidelity)
	}

	if r, ok := rec.Estimates[channel.KindLinkDelay.String()]; ok {
		c.linkDelay.Set(r.MeanDelay.Seconds())
	}
}
