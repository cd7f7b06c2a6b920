package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Refresh metrics
	RefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srpenergy_refreshes_total",
			Help: "Total coordinator refreshes by result",
		},
		[]string{"coordinator", "result"},
	)

	RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "srpenergy_refresh_duration_seconds",
			Help:    "Coordinator refresh duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"coordinator"},
	)

	LastUpdateSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "srpenergy_last_update_success",
			Help: "1 if the last coordinator refresh succeeded, 0 otherwise",
		},
		[]string{"coordinator"},
	)

	// Sensor metrics
	UsageKWh = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "srpenergy_usage_kwh",
			Help: "Last successfully fetched usage in kWh",
		},
		[]string{"entity_id"},
	)

	// Publish metrics
	StateWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srpenergy_state_writes_total",
			Help: "Total sensor state writes by store and result",
		},
		[]string{"store", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		RefreshesTotal,
		RefreshDuration,
		LastUpdateSuccess,
		UsageKWh,
		StateWritesTotal,
	)
}

// Result returns the result label for err.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Handler returns the HTTP handler that exposes the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
