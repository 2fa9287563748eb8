package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionOperations counts session manager operations by name and outcome.
// The "operation" label is one of restore, login, logout, add_server or
// remove_server; "result" is ok, validation_error, storage_error or
// connectivity_error. This metric is a counter and only increases.
var SessionOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "axion_tv_session_operations_total",
	Help: "Number of session operations by outcome",
}, []string{"operation", "result"})

// StoreQueries counts key-value store round trips by operation (get, set,
// set_many, remove_many) and result (ok, error).
var StoreQueries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "axion_tv_store_queries_total",
	Help: "Number of key-value store queries",
}, []string{"operation", "result"})

// CatalogRefreshes counts catalog import runs against the active server.
// The "result" label distinguishes successful runs from failed ones.
var CatalogRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "axion_tv_catalog_refreshes_total",
	Help: "Number of catalog refresh runs",
}, []string{"result"})

// CatalogItems tracks the number of items currently held in the catalog per
// section (live, movie, series). This is a gauge updated after each refresh.
var CatalogItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "axion_tv_catalog_items",
	Help: "Number of catalog items by section",
}, []string{"section"})

// RegisteredServers tracks how many servers the current session has.
var RegisteredServers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "axion_tv_registered_servers",
	Help: "Number of servers registered on the active session",
})
