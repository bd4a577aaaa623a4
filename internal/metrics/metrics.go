// internal/metrics/metrics.go
//
// Prometheus metrics the watchdog updates during operation:
//   • watchdog_cycles_total                 – monitoring cycles completed
//   • watchdog_stop_updates_total           – trailing-stop ratchets applied
//   • watchdog_tranches_triggered_total{kind} – tranche triggers by kind
//   • watchdog_orders_total{result}         – order submissions (filled|failed|dry_run)
//   • watchdog_order_retries_total          – individual retry attempts
//   • watchdog_reconcile_total{action}      – reconciliation adoptions/prunes
//   • watchdog_open_positions               – tracked positions (gauge)
//   • watchdog_controller_state             – lifecycle state as an enum gauge
//
// Registered in init() and served at /metrics when a listen address is
// configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchdog_cycles_total",
		Help: "Monitoring cycles completed",
	})

	StopUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchdog_stop_updates_total",
		Help: "Trailing-stop ratchets applied",
	})

	TranchesTriggered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchdog_tranches_triggered_total",
		Help: "Tranche triggers by kind",
	}, []string{"kind"})

	Orders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchdog_orders_total",
		Help: "Order submissions by result",
	}, []string{"result"})

	OrderRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchdog_order_retries_total",
		Help: "Individual order retry attempts",
	})

	Reconcile = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchdog_reconcile_total",
		Help: "Reconciliation actions (adopted|pruned)",
	}, []string{"action"})

	OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchdog_open_positions",
		Help: "Tracked open positions",
	})

	// ControllerState exposes the lifecycle state machine as one labeled
	// series per state flipped between 0/1, keeping dashboards simple.
	ControllerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "watchdog_controller_state",
		Help: "Lifecycle controller state indicator",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(
		Cycles,
		StopUpdates,
		TranchesTriggered,
		Orders,
		OrderRetries,
		Reconcile,
		OpenPositions,
		ControllerState,
	)
}

// SetControllerState flips the enum gauge to the given state.
func SetControllerState(state string) {
	for _, s := range []string{"IDLE", "RUNNING", "DRAINING", "STOPPED"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		ControllerState.WithLabelValues(s).Set(v)
	}
}

// Serve exposes /metrics on addr. Returns immediately; the server runs until
// the process exits.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
