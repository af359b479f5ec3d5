package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	statusCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nodeactuator",
			Subsystem: "status",
			Name:      "current",
			Help:      "Currently presented node status (1 = presented, 0 = not).",
		}, []string{"status"},
	)
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeactuator",
			Subsystem: "status",
			Name:      "transitions_total",
			Help:      "Number of presented status changes.",
		}, []string{"from", "to"},
	)
	intents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeactuator",
			Name:      "intents_total",
			Help:      "Number of user intents handled.",
		}, []string{"intent"},
	)
	reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeactuator",
			Name:      "reconciles_total",
			Help:      "Number of reconciliations by resulting status.",
		}, []string{"status"},
	)
	workerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeactuator",
			Subsystem: "worker",
			Name:      "spawns_total",
			Help:      "Number of worker spawn attempts.",
		}, []string{"result"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeactuator",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker stops (stop message or kill by identity).",
		}, []string{"mode"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeactuator",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Number of worker crashes (error event or error marker message).",
		}, []string{"cause"},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeactuator",
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Number of observed worker exits by exit code.",
		}, []string{"code"},
	)
	dnsOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeactuator",
			Subsystem: "dns",
			Name:      "operations_total",
			Help:      "Number of DNS revert/subvert operations by result.",
		}, []string{"op", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{statusCurrent, statusTransitions, intents, reconciles, workerSpawns, workerStops, workerCrashes, workerExits, dnsOperations}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// Already registered with this registry (e.g. the default one): keep existing.
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

var statuses = []string{"off", "serving", "consuming", "invalid"}

// SetStatus marks status as the presented one and zeroes the others.
func SetStatus(status string) {
	if !regOK.Load() {
		return
	}
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		statusCurrent.WithLabelValues(s).Set(v)
	}
}

func RecordTransition(from, to string) {
	if regOK.Load() {
		statusTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncIntent(intent string) {
	if regOK.Load() {
		intents.WithLabelValues(intent).Inc()
	}
}

func IncReconcile(status string) {
	if regOK.Load() {
		reconciles.WithLabelValues(status).Inc()
	}
}

func IncSpawn(ok bool) {
	if regOK.Load() {
		workerSpawns.WithLabelValues(result(ok)).Inc()
	}
}

func IncStop(mode string) {
	if regOK.Load() {
		workerStops.WithLabelValues(mode).Inc()
	}
}

func IncCrash(cause string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(cause).Inc()
	}
}

func IncExit(code int) {
	if regOK.Load() {
		workerExits.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

func IncDNSOperation(op string, ok bool) {
	if regOK.Load() {
		dnsOperations.WithLabelValues(op, result(ok)).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
