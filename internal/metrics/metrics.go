package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the instruments of one build run behind a private
// prometheus registry, so tests can create as many as they like.
type Registry struct {
	reg *prometheus.Registry

	OrdersRead      prometheus.Counter
	LinesRead       prometheus.Counter
	RowsEmitted     prometheus.Counter
	UsersRejected   prometheus.Counter
	RecordsRejected prometheus.Counter

	UsersSeen prometheus.Gauge
	SpoolKeys prometheus.Gauge

	UserBuildSec prometheus.Histogram
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	ordersRead := prometheus.NewCounter(prometheus.CounterOpts{Name: "pfb_orders_read_total"})
	linesRead := prometheus.NewCounter(prometheus.CounterOpts{Name: "pfb_lines_read_total"})
	rowsEmitted := prometheus.NewCounter(prometheus.CounterOpts{Name: "pfb_rows_emitted_total"})
	usersRejected := prometheus.NewCounter(prometheus.CounterOpts{Name: "pfb_users_rejected_total"})
	recordsRejected := prometheus.NewCounter(prometheus.CounterOpts{Name: "pfb_records_rejected_total"})
	usersSeen := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pfb_users_seen"})
	spoolKeys := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pfb_spool_keys"})
	buildSec := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pfb_user_build_seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	r.MustRegister(ordersRead, linesRead, rowsEmitted, usersRejected, recordsRejected, usersSeen, spoolKeys, buildSec)
	return &Registry{
		reg:             r,
		OrdersRead:      ordersRead,
		LinesRead:       linesRead,
		RowsEmitted:     rowsEmitted,
		UsersRejected:   usersRejected,
		RecordsRejected: recordsRejected,
		UsersSeen:       usersSeen,
		SpoolKeys:       spoolKeys,
		UserBuildSec:    buildSec,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
