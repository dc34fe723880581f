package metrics

import "github.com/prometheus/client_golang/prometheus"

// DispatchMetrics exposes counters/histograms for the notifier tick loop.
type DispatchMetrics struct {
	ticksTotal     *prometheus.CounterVec
	tickDuration   *prometheus.HistogramVec
	ticksSkipped   prometheus.Counter
	reservations   *prometheus.CounterVec
	sendsTotal     *prometheus.CounterVec
	sweptTotal     prometheus.Counter
	schedulerState *prometheus.GaugeVec
}

const namespace = "triage"

var schedulerStates = []string{"stopped", "running", "paused"}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "ticks_total",
			Help:      "Ticks run, by outcome",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of a tick",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "ticks_skipped_total",
			Help:      "Scheduled ticks skipped because one was still running",
		}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "reservations_total",
			Help:      "Reservation attempts, by message type and result",
		}, []string{"message_type", "result"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "sends_total",
			Help:      "Outbound sends, by message type and status",
		}, []string{"message_type", "status"}),
		sweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "reservations_swept_total",
			Help:      "Abandoned reservations released by the sweep",
		}),
		schedulerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "scheduler_state",
			Help:      "1 for the scheduler's current state, 0 otherwise",
		}, []string{"state"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.ticksTotal, m.tickDuration, m.ticksSkipped, m.reservations, m.sendsTotal, m.sweptTotal, m.schedulerState)
	return m
}

func (m *DispatchMetrics) ObserveTick(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(outcome).Inc()
	m.tickDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *DispatchMetrics) ObserveSkippedTick() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

func (m *DispatchMetrics) ObserveReservation(messageType, result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(messageType, result).Inc()
}

func (m *DispatchMetrics) ObserveSend(messageType, status string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(messageType, status).Inc()
}

func (m *DispatchMetrics) ObserveSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptTotal.Add(float64(n))
}

// SetSchedulerState flips the state gauge so exactly one label reads 1.
func (m *DispatchMetrics) SetSchedulerState(state string) {
	if m == nil {
		return
	}
	for _, s := range schedulerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.schedulerState.WithLabelValues(s).Set(v)
	}
}
