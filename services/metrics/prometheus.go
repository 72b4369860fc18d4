package metricsvc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trezcool/tutora/core"
)

const namespace = "tutora"

// Prometheus records the business events and HTTP traffic on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	booked          prometheus.Counter
	cancelled       *prometheus.CounterVec
	rebooked        prometheus.Counter
	settled         *prometheus.CounterVec
	slotsCancelled  prometheus.Counter
	rejected        *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	jobRuns         *prometheus.CounterVec
	jobLastSuccess  *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ core.Metrics = (*Prometheus)(nil)

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		booked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_booked_total",
			Help:      "Total number of booked reservations (rebookings excluded)",
		}),
		cancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_cancelled_total",
			Help:      "Total number of cancelled reservations",
		}, []string{"refunded"}),
		rebooked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_rebooked_total",
			Help:      "Total number of reservations moved to another slot",
		}),
		settled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_settled_total",
			Help:      "Total number of reservations moved to a final status",
		}, []string{"status"}),
		slotsCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_cancelled_total",
			Help:      "Total number of cancelled slots",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_rejected_total",
			Help:      "Total number of rejected booking requests",
		}, []string{"reason"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_moved_total",
			Help:      "Total number of tokens moved by the ledger",
		}, []string{"kind"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Total number of background job runs",
		}, []string{"job", "result"}),
		jobLastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run of a background job",
		}, []string{"job"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (p *Prometheus) ReservationBooked() { p.booked.Inc() }

func (p *Prometheus) ReservationCancelled(refunded bool) {
	p.cancelled.WithLabelValues(strconv.FormatBool(refunded)).Inc()
}

func (p *Prometheus) ReservationRebooked() { p.rebooked.Inc() }

func (p *Prometheus) ReservationsSettled(status string, n int) {
	if n > 0 {
		p.settled.WithLabelValues(status).Add(float64(n))
	}
}

func (p *Prometheus) SlotCancelled() { p.slotsCancelled.Inc() }

func (p *Prometheus) BookingRejected(reason string) { p.rejected.WithLabelValues(reason).Inc() }

func (p *Prometheus) TokensMoved(kind string, amount int64) {
	if amount > 0 {
		p.tokens.WithLabelValues(kind).Add(float64(amount))
	}
}

func (p *Prometheus) JobRun(job string, err error) {
	if err != nil {
		p.jobRuns.WithLabelValues(job, "error").Inc()
		return
	}
	p.jobRuns.WithLabelValues(job, "success").Inc()
	p.jobLastSuccess.WithLabelValues(job).SetToCurrentTime()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry is exposed for tests.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Middleware counts requests by route pattern, so that path params do not explode the label set.
func (p *Prometheus) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			// let the error handler write the response so that its status gets counted
			if err := next(ctx); err != nil {
				ctx.Error(err)
			}

			route := ctx.Path()
			if route == "" {
				route = "unmatched"
			}
			method := ctx.Request().Method
			p.requests.WithLabelValues(method, route, strconv.Itoa(ctx.Response().Status)).Inc()
			p.requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
