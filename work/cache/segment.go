package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"time"

	"eplustv/work/client"
	"eplustv/work/config"
	"eplustv/work/logger"
	"eplustv/work/metrics"
	"eplustv/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/blake2b"
)

// ErrNotFound is returned when an opaque id has no URL mapping.
var ErrNotFound = errors.New("cache: unknown id")

// mapping ties an opaque id back to its upstream URL and owning network.
// The network picks the rate limiter and header policy for the fetch.
type mapping struct {
	URL     string
	Network string
}

// payload is a fetched object held under the byte budget.
type payload struct {
	data        []byte
	contentType string
}

// SegmentCache is the bounded-memory binary object store behind every
// proxied chunklist, segment, key and init-segment URL. Ids are keyed
// BLAKE2b digests of the upstream URL: stable for the process lifetime so
// IdFor is idempotent, but not derivable by clients, so upstream URLs and
// their tokens never leak. Payloads are evicted FIFO once the running byte
// total passes the configured budget.
type SegmentCache struct {
	cfg      *config.Config
	client   *client.HeaderSettingClient
	inflight *CoalescedFetch

	idToSource *xsync.MapOf[string, mapping]
	urlToID    *xsync.MapOf[string, string]

	mu       sync.Mutex // guards fifo, payloads, total
	fifo     []string
	payloads map[string]payload
	total    int64
	budget   int64

	digestKey []byte
}

// NewSegmentCache builds a segment cache bound to the configured byte
// budget. The id digest key is random per process.
func NewSegmentCache(cfg *config.Config, httpClient *client.HeaderSettingClient) *SegmentCache {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		// crypto/rand failing means the process has bigger problems
		panic(err)
	}

	return &SegmentCache{
		cfg:        cfg,
		client:     httpClient,
		inflight:   NewCoalescedFetch(),
		idToSource: xsync.NewMapOf[string, mapping](),
		urlToID:    xsync.NewMapOf[string, string](),
		payloads:   make(map[string]payload),
		budget:     cfg.CacheBudgetBytes(),
		digestKey:  key,
	}
}

// IdFor returns the opaque id standing in for rawURL within the given
// network namespace, creating the bidirectional mapping on first call.
// Calling it again with the same arguments returns the same id.
func (c *SegmentCache) IdFor(rawURL, network string) string {
	mapKey := network + "|" + rawURL
	if id, ok := c.urlToID.Load(mapKey); ok {
		return id
	}

	h, err := blake2b.New(16, c.digestKey)
	if err != nil {
		panic(err)
	}
	io.WriteString(h, mapKey)
	id := hex.EncodeToString(h.Sum(nil))

	c.urlToID.Store(mapKey, id)
	c.idToSource.Store(id, mapping{URL: rawURL, Network: network})
	return id
}

// Resolve returns the upstream URL and network behind an opaque id.
func (c *SegmentCache) Resolve(id string) (url, network string, ok bool) {
	m, ok := c.idToSource.Load(id)
	return m.URL, m.Network, ok
}

// Fetch resolves the opaque id and returns the object bytes, fetching from
// upstream at most once per concurrent cohort. Caller headers are merged
// over the client defaults. Eviction back under the byte budget is deferred
// until this call's result has been handed back, so a read is never
// invalidated by its own insertion.
func (c *SegmentCache) Fetch(ctx context.Context, id string, headers map[string]string) ([]byte, string, error) {
	m, ok := c.idToSource.Load(id)
	if !ok {
		return nil, "", ErrNotFound
	}

	defer c.evictOverBudget()

	c.mu.Lock()
	if p, ok := c.payloads[id]; ok {
		c.mu.Unlock()
		metrics.UpstreamFetches.WithLabelValues("cached").Inc()
		return p.data, p.contentType, nil
	}
	c.mu.Unlock()

	return c.inflight.Do(id, func() ([]byte, string, time.Duration, error) {
		data, contentType, _, err := c.client.Fetch(ctx, m.Network, m.URL, headers)
		if err != nil {
			logger.Warn("{cache/segment - Fetch} upstream fetch failed for %s: %v",
				utils.LogURL(c.cfg, m.URL), err)
			return nil, "", 0, err
		}
		c.store(id, data, contentType)
		return data, contentType, 0, nil
	})
}

// store admits a fetched payload into the FIFO order. Size accounting uses
// the actual byte length of the payload.
func (c *SegmentCache) store(id string, data []byte, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.payloads[id]; exists {
		return
	}
	c.payloads[id] = payload{data: data, contentType: contentType}
	c.fifo = append(c.fifo, id)
	c.total += int64(len(data))
	metrics.CacheBytes.Set(float64(c.total))
}

// evictOverBudget pops the oldest entries until the running total is back
// under the budget, removing payload and both mapping directions together.
func (c *SegmentCache) evictOverBudget() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.total > c.budget && len(c.fifo) > 0 {
		id := c.fifo[0]
		c.fifo = c.fifo[1:]

		p, ok := c.payloads[id]
		if !ok {
			continue
		}
		delete(c.payloads, id)
		c.total -= int64(len(p.data))

		if m, ok := c.idToSource.Load(id); ok {
			c.urlToID.Delete(m.Network + "|" + m.URL)
			c.idToSource.Delete(id)
		}
		c.inflight.Forget(id)
		metrics.CacheEvictions.Inc()
	}
	metrics.CacheBytes.Set(float64(c.total))
}

// Bytes reports the live payload total, for tests and admin introspection.
func (c *SegmentCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
