// Package stats backs the read-only statistics surface (active_requests,
// blocks_allocated, tokens_generated_total, ...) with prometheus
// Gauge/Counter series. Nothing here is served over HTTP; the Collector
// maintains the series for an embedder to scrape and mirrors the latest
// reading into a plain Snapshot struct so callers never touch the
// prometheus types directly.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is one point-in-time reading of every counter, gathered into a
// single comparable value.
type Snapshot struct {
	ActiveRequests       int64
	WaitingRequests      int64
	DecodingRequests     int64
	BlocksAllocated      int64
	BlocksFree           int64
	BlocksTotal          int64
	TokensGeneratedTotal uint64
	PrefillTokensTotal   uint64
	PreemptionsTotal     uint64
}

// Collector owns one prometheus series per counter plus an atomic mirror
// Snapshot reads from, since reading a prometheus Gauge/Counter back out
// requires either a registry scrape or the testutil package — neither of
// which belongs in a hot Stats() call path.
type Collector struct {
	registry *prometheus.Registry

	activeRequests   prometheus.Gauge
	waitingRequests  prometheus.Gauge
	decodingRequests prometheus.Gauge
	blocksAllocated  prometheus.Gauge
	blocksFree       prometheus.Gauge
	blocksTotal      prometheus.Gauge
	tokensGenerated  prometheus.Counter
	prefillTokens    prometheus.Counter
	preemptions      prometheus.Counter

	mirror atomic.Pointer[Snapshot]
}

// NewCollector builds a Collector with its own private registry, never the
// package-global default, so two engines in one process cannot collide on
// series names.
func NewCollector() *Collector {
	c := &Collector{
		registry:         prometheus.NewRegistry(),
		activeRequests:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "pagedkv_active_requests", Help: "Requests not yet in a terminal state."}),
		waitingRequests:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "pagedkv_waiting_requests", Help: "Requests awaiting admission."}),
		decodingRequests: prometheus.NewGauge(prometheus.GaugeOpts{Name: "pagedkv_decoding_requests", Help: "Requests generating one token per tick."}),
		blocksAllocated:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "pagedkv_blocks_allocated", Help: "Arena blocks currently referenced by a sequence."}),
		blocksFree:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "pagedkv_blocks_free", Help: "Arena blocks on the free list."}),
		blocksTotal:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "pagedkv_blocks_total", Help: "Arena capacity in blocks."}),
		tokensGenerated:  prometheus.NewCounter(prometheus.CounterOpts{Name: "pagedkv_tokens_generated_total", Help: "Decode tokens sampled across all requests."}),
		prefillTokens:    prometheus.NewCounter(prometheus.CounterOpts{Name: "pagedkv_prefill_tokens_total", Help: "Prompt tokens admitted for prefill."}),
		preemptions:      prometheus.NewCounter(prometheus.CounterOpts{Name: "pagedkv_preemptions_total", Help: "Sequences evicted to admit another request."}),
	}
	c.registry.MustRegister(
		c.activeRequests, c.waitingRequests, c.decodingRequests,
		c.blocksAllocated, c.blocksFree, c.blocksTotal,
		c.tokensGenerated, c.prefillTokens, c.preemptions,
	)
	c.mirror.Store(&Snapshot{})
	return c
}

// Update absorbs one point-in-time reading. Gauges are set directly;
// prometheus Counters reject a decrease, so Update adds only a strictly
// forward delta against the previously mirrored totals (a reading that went
// backwards leaves the counter untouched rather than wrapping the unsigned
// subtraction into a huge positive add).
func (c *Collector) Update(blocksAllocated, blocksFree, blocksTotal int, activeRequests, waitingRequests, decodingRequests int64, tokensGeneratedTotal, prefillTokensTotal, preemptionsTotal uint64) Snapshot {
	prev := c.mirror.Load()

	c.activeRequests.Set(float64(activeRequests))
	c.waitingRequests.Set(float64(waitingRequests))
	c.decodingRequests.Set(float64(decodingRequests))
	c.blocksAllocated.Set(float64(blocksAllocated))
	c.blocksFree.Set(float64(blocksFree))
	c.blocksTotal.Set(float64(blocksTotal))
	if tokensGeneratedTotal > prev.TokensGeneratedTotal {
		c.tokensGenerated.Add(float64(tokensGeneratedTotal - prev.TokensGeneratedTotal))
	}
	if prefillTokensTotal > prev.PrefillTokensTotal {
		c.prefillTokens.Add(float64(prefillTokensTotal - prev.PrefillTokensTotal))
	}
	if preemptionsTotal > prev.PreemptionsTotal {
		c.preemptions.Add(float64(preemptionsTotal - prev.PreemptionsTotal))
	}

	snap := &Snapshot{
		ActiveRequests:       activeRequests,
		WaitingRequests:      waitingRequests,
		DecodingRequests:     decodingRequests,
		BlocksAllocated:      int64(blocksAllocated),
		BlocksFree:           int64(blocksFree),
		BlocksTotal:          int64(blocksTotal),
		TokensGeneratedTotal: tokensGeneratedTotal,
		PrefillTokensTotal:   prefillTokensTotal,
		PreemptionsTotal:     preemptionsTotal,
	}
	c.mirror.Store(snap)
	return *snap
}

// Snapshot returns the most recently recorded reading without touching
// prometheus at all, safe for any goroutine.
func (c *Collector) Snapshot() Snapshot {
	return *c.mirror.Load()
}

// Registry exposes the private prometheus registry for an embedder that
// wants to serve the series itself.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
