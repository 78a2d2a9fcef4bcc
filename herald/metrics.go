package herald

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/NumminorihSF/rabbitmq-herald-client/metrics"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/errs"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "herald"

var (
	errDispatchRejected = errors.New("rejected")

	heraldMetricsOnce sync.Once
	sharedMetrics     *heraldMetrics
)

type heraldMetrics struct {
	calls      *prometheus.CounterVec
	callDur    *prometheus.HistogramVec
	dispatches *prometheus.CounterVec
	events     *prometheus.CounterVec
	reconnects prometheus.Counter
}

// Collectors are registered once and shared by every client in the process.
func loadMetrics() *heraldMetrics {
	heraldMetricsOnce.Do(func() {
		sharedMetrics = &heraldMetrics{
			calls: metrics.GetOrRegister(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "Total number of rpc calls by target application and outcome",
			}, []string{"target", "outcome"})),
			callDur: metrics.GetOrRegister(prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "Duration of rpc calls by target application",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			}, []string{"target"})),
			dispatches: metrics.GetOrRegister(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "rpc",
				Name:      "dispatches_total",
				Help:      "Total number of inbound requests by method and outcome",
			}, []string{"method", "outcome"})),
			events: metrics.GetOrRegister(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "event",
				Name:      "events_total",
				Help:      "Total number of events by direction and outcome",
			}, []string{"direction", "outcome"})),
			reconnects: metrics.GetOrRegister(prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconnects_total",
				Help:      "Total number of reconnect attempts",
			})),
		}
	})
	return sharedMetrics
}

func (m *heraldMetrics) observeCall(target string, err error, dur time.Duration) {
	m.calls.WithLabelValues(target, outcomeOf(err)).Inc()
	m.callDur.WithLabelValues(target).Observe(dur.Seconds())
}

func (m *heraldMetrics) observeDispatch(method string, err error) {
	m.dispatches.WithLabelValues(method, outcomeOf(err)).Inc()
}

func (m *heraldMetrics) observeEvent(direction string, err error) {
	m.events.WithLabelValues(direction, outcomeOf(err)).Inc()
}

// ok, rejected, lower case error code, or error.
func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, errDispatchRejected) {
		return "rejected"
	}
	if code, ok := errs.CodeOf(err); ok {
		return strings.ToLower(code)
	}
	return "error"
}
