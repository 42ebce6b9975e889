package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheBytes tracks the current number of payload bytes held by the segment
// cache. This metric is a gauge bounded by the configured byte budget.
var CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "eplustv_cache_bytes",
	Help: "Payload bytes currently held by the segment cache",
})

// CacheEvictions counts FIFO evictions from the segment cache.
var CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "eplustv_cache_evictions_total",
	Help: "Segment cache entries evicted to stay under the byte budget",
})

// UpstreamFetches counts upstream HTTP fetches by outcome. The "coalesced"
// outcome means a caller was served by another caller's in-flight fetch.
var UpstreamFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "eplustv_upstream_fetches_total",
	Help: "Upstream fetches by outcome",
}, []string{"outcome"})

// ActiveChannels tracks channels with a live media pipeline process.
var ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "eplustv_active_channels",
	Help: "Channels currently running a media pipeline",
})

// ChannelTransitions counts event transitions fired per channel.
var ChannelTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "eplustv_channel_transitions_total",
	Help: "Armed event transitions that fired",
}, []string{"channel"})

// ScheduledEntries counts scheduler outcomes; "assigned" entries received a
// channel number, "deferred" ones hit the capacity backstop.
var ScheduledEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "eplustv_scheduled_entries_total",
	Help: "Scheduler outcomes per run",
}, []string{"outcome"})
