package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	filesCopied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depsync_files_copied_total",
			Help: "Number of files copied between cache and working copies",
		},
		[]string{"dependency", "direction"},
	)

	straysFound = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depsync_stray_files",
			Help: "Number of stray files found in a working copy by the last forward sync",
		},
		[]string{"dependency"},
	)

	localChanges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depsync_local_changes",
			Help: "1 if the working copy diverged from its baseline, 0 otherwise",
		},
		[]string{"dependency"},
	)

	connectivityTests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depsync_connectivity_tests_total",
			Help: "Number of connectivity tests, by result",
		},
		[]string{"result"},
	)
)

func FilesCopied(dependency, direction string, n int) {
	filesCopied.WithLabelValues(dependency, direction).Add(float64(n))
}

func StraysFound(dependency string, n int) {
	straysFound.WithLabelValues(dependency).Set(float64(n))
}

func LocalChanges(dependency string, changed bool) {
	v := 0.0
	if changed {
		v = 1
	}
	localChanges.WithLabelValues(dependency).Set(v)
}

// ConnectivityTested records a connectivity test outcome; result is "ok" or an error kind.
func ConnectivityTested(result string) {
	connectivityTests.WithLabelValues(result).Inc()
}
