package monitoring

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/iotaledger/flashd/flasherr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flashd"

var (
	chainsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chains_applied_total",
		Help:      "Number of signed chains applied to channel state.",
	})

	bundlesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bundles_applied_total",
		Help:      "Number of bundles recorded on address tree nodes.",
	})

	valuePaid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "value_paid_total",
		Help:      "Value moved from deposits into channel outputs.",
	})

	chainsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chains_rejected_total",
		Help:      "Number of chains rejected, by error kind.",
	}, []string{"kind"})

	treeGrowths = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tree_growths_total",
		Help:      "Number of times an address tree grew a branch.",
	})

	lockedDeposit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "locked_deposit",
		Help:      "Collateral still locked in a channel.",
	}, []string{"channel"})
)

// ObserveApplied records a chain of bundles that paid out value.
func ObserveApplied(bundles int, paid int64) {
	chainsApplied.Inc()
	bundlesApplied.Add(float64(bundles))
	valuePaid.Add(float64(paid))
}

// ObserveRejected records a chain that failed validation with err.
func ObserveRejected(err error) {
	kind := "unknown"
	if k, ok := flasherr.KindOf(err); ok {
		kind = k.String()
	}

	chainsRejected.WithLabelValues(kind).Inc()
}

// ObserveGrowth records a growth of an address tree.
func ObserveGrowth() {
	treeGrowths.Inc()
}

// SetLockedDeposit reports the collateral still locked in channel.
func SetLockedDeposit(channel string, deposit int64) {
	lockedDeposit.WithLabelValues(channel).Set(float64(deposit))
}

var (
	started sync.Once
	server  *http.Server
)

// ExportPrometheusMetrics launches the Prometheus exporter on the configured
// address. It is a no-op if monitoring is disabled or the exporter already
// runs.
func ExportPrometheusMetrics(cfg Prometheus) error {
	if !cfg.Enabled() {
		return nil
	}

	var err error
	started.Do(func() {
		var lis net.Listener
		lis, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			return
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		log.Infof("Prometheus exporter started on %v/metrics",
			lis.Addr())

		go func() {
			err := server.Serve(lis)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter stopped: %v", err)
			}
		}()
	})

	return err
}

// StopPrometheusExporter shuts down the exporter started by
// ExportPrometheusMetrics.
func StopPrometheusExporter() error {
	if server == nil {
		return nil
	}

	return server.Close()
}
