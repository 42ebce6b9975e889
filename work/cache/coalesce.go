package cache

import (
	"time"

	"eplustv/work/metrics"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

// coalescedResult is a completed fetch retained until expiresAt.
type coalescedResult struct {
	data        []byte
	contentType string
	expiresAt   time.Time
}

// FetchFunc performs the actual upstream fetch for a key. It returns the
// payload, its content type, and how long the result stays servable; a ttl
// of zero means the result is only shared with the in-flight cohort and
// never served to a later caller.
type FetchFunc func() (data []byte, contentType string, ttl time.Duration, err error)

// CoalescedFetch guarantees at most one upstream fetch per key at any
// instant. Concurrent callers for the same key share the single in-flight
// result; successful results are retained for their TTL, failed fetches are
// dropped immediately so the next caller retries upstream.
type CoalescedFetch struct {
	group   singleflight.Group
	results *xsync.MapOf[string, *coalescedResult]
}

// NewCoalescedFetch returns an empty coalescing layer.
func NewCoalescedFetch() *CoalescedFetch {
	return &CoalescedFetch{
		results: xsync.NewMapOf[string, *coalescedResult](),
	}
}

// Do returns the cached result for key when one is still valid, otherwise
// runs fetch at most once across all concurrent callers.
func (cf *CoalescedFetch) Do(key string, fetch FetchFunc) ([]byte, string, error) {
	if res, ok := cf.results.Load(key); ok && time.Now().Before(res.expiresAt) {
		metrics.UpstreamFetches.WithLabelValues("cached").Inc()
		return res.data, res.contentType, nil
	}

	v, err, shared := cf.group.Do(key, func() (interface{}, error) {
		// A cohort member that lost the race may find the winner's result
		// already stored.
		if res, ok := cf.results.Load(key); ok && time.Now().Before(res.expiresAt) {
			return res, nil
		}

		data, contentType, ttl, err := fetch()
		if err != nil {
			cf.results.Delete(key)
			return nil, err
		}

		res := &coalescedResult{data: data, contentType: contentType}
		if ttl > 0 {
			res.expiresAt = time.Now().Add(ttl)
			cf.results.Store(key, res)
		}
		return res, nil
	})
	if err != nil {
		metrics.UpstreamFetches.WithLabelValues("error").Inc()
		return nil, "", err
	}
	if shared {
		metrics.UpstreamFetches.WithLabelValues("coalesced").Inc()
	} else {
		metrics.UpstreamFetches.WithLabelValues("upstream").Inc()
	}

	res := v.(*coalescedResult)
	return res.data, res.contentType, nil
}

// Forget drops any retained result for key.
func (cf *CoalescedFetch) Forget(key string) {
	cf.results.Delete(key)
	cf.group.Forget(key)
}

// Sweep removes expired results. Expired entries are also skipped on read,
// so the sweep only bounds memory between reads of hot keys.
func (cf *CoalescedFetch) Sweep() {
	now := time.Now()
	cf.results.Range(func(key string, res *coalescedResult) bool {
		if now.After(res.expiresAt) {
			cf.results.Delete(key)
		}
		return true
	})
}
