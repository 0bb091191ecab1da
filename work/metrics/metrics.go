package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Requests counts local HTTP requests per route and response status.
// The route label is the route template, never the raw path, so the label set stays bounded.
var Requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamrelay_requests_total",
	Help: "Number of local playlist and segment requests",
}, []string{"route", "status"})

// OriginRequests counts requests dispatched by the gateway per origin host.
// The "outcome" label is "ok", "http_error" or "network_error".
var OriginRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamrelay_origin_requests_total",
	Help: "Number of requests sent to origin hosts",
}, []string{"host", "outcome"})

// OriginBytes tracks the total number of response bytes received per origin host.
var OriginBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamrelay_origin_bytes_total",
	Help: "Total bytes received from origin hosts",
}, []string{"host"})

// SegmentCache counts segment lookups by result ("hit" or "miss").
var SegmentCache = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamrelay_segment_cache_total",
	Help: "Segment cache lookups",
}, []string{"result"})

// ManifestCompiles counts playlist compilations per node kind and outcome.
var ManifestCompiles = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamrelay_manifest_compiles_total",
	Help: "Manifest node compilations",
}, []string{"kind", "outcome"})

// ActiveSession is 1 while a session is registered.
var ActiveSession = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "streamrelay_active_session",
	Help: "Whether a session is currently registered",
})
