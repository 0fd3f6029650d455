package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type fetcherMetrics struct {
	fetchesTotal           prometheus.Counter
	fetchErrorsTotal       prometheus.Counter
	recordsPerFetch        prometheus.Histogram
	fetchWaitDuration      prometheus.Histogram
	cursorRefreshesTotal   prometheus.Counter
	rebalanceRequestsTotal prometheus.Counter
}

func newFetcherMetrics(r prometheus.Registerer) *fetcherMetrics {
	return &fetcherMetrics{
		fetchesTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "streamclient_fetcher_fetches_total",
			Help: "Total number of fetch requests issued to the transport.",
		}),
		fetchErrorsTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "streamclient_fetcher_fetch_errors_total",
			Help: "Total number of fetch requests that resolved with an error.",
		}),
		recordsPerFetch: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:    "streamclient_fetcher_records_per_fetch",
			Help:    "The number of records returned by a single harvested fetch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		fetchWaitDuration: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:    "streamclient_fetcher_fetch_wait_duration_seconds",
			Help:    "How long FetchRecords waited for the first completed fetch.",
			Buckets: prometheus.DefBuckets,
		}),
		cursorRefreshesTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "streamclient_fetcher_cursor_refreshes_total",
			Help: "Total number of cursor refresh requests sent to the coordinator.",
		}),
		rebalanceRequestsTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "streamclient_fetcher_rebalance_requests_total",
			Help: "Total number of rebalances requested after fatal fetch errors.",
		}),
	}
}
