// Package metrics exposes process-local session counters over HTTP for
// prometheus scraping, and a logging outlet that turns log entries into a
// per-level counter the way the teacher's daemon package does for its own
// job log lines.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unidata/ldm7up/internal/logger"
)

var reg = struct {
	sessionsStarted      prometheus.Counter
	sessionsEnded        prometheus.Counter
	missedProductsSent   prometheus.Counter
	backlogProductsSent  prometheus.Counter
	noSuchProductsSent   prometheus.Counter
	circuitHeld          prometheus.Gauge
	logEntries           *prometheus.CounterVec
}{
	sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ldm7up", Name: "sessions_started_total",
		Help: "number of subscription handshakes that succeeded",
	}),
	sessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ldm7up", Name: "sessions_ended_total",
		Help: "number of sessions that reached the done state",
	}),
	missedProductsSent: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ldm7up", Name: "missed_products_delivered_total",
		Help: "number of deliverMissedProduct messages sent",
	}),
	backlogProductsSent: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ldm7up", Name: "backlog_products_delivered_total",
		Help: "number of deliverBacklogProduct messages sent",
	}),
	noSuchProductsSent: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ldm7up", Name: "no_such_product_replies_total",
		Help: "number of noSuchProduct replies sent",
	}),
	circuitHeld: prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ldm7up", Name: "virtual_circuit_held",
		Help: "1 if this session currently holds a provisioned virtual circuit",
	}),
	logEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ldm7up", Name: "log_entries_total",
		Help: "number of log entries per level",
	}, []string{"level"}),
}

func init() {
	prometheus.MustRegister(
		reg.sessionsStarted, reg.sessionsEnded,
		reg.missedProductsSent, reg.backlogProductsSent, reg.noSuchProductsSent,
		reg.circuitHeld, reg.logEntries,
	)
}

func SessionStarted()     { reg.sessionsStarted.Inc() }
func SessionEnded()       { reg.sessionsEnded.Inc() }
func MissedProductSent()  { reg.missedProductsSent.Inc() }
func BacklogProductSent() { reg.backlogProductsSent.Inc() }
func NoSuchProductSent()  { reg.noSuchProductsSent.Inc() }
func SetCircuitHeld(held bool) {
	if held {
		reg.circuitHeld.Set(1)
	} else {
		reg.circuitHeld.Set(0)
	}
}

// LogOutlet turns every logged entry into an increment of logEntries; wire
// it into the logger at the Debug level alongside the human/logfmt outlets.
type LogOutlet struct{}

func (LogOutlet) WriteEntry(_ context.Context, e logger.Entry) error {
	reg.logEntries.WithLabelValues(e.Level.String()).Inc()
	return nil
}

// Serve binds addr and serves /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	err = http.Serve(l, mux)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
