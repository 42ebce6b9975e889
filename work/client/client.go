package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"eplustv/work/config"

	"go.uber.org/ratelimit"
)

// HeaderSettingClient wraps http.Client to automatically set default headers
// and to throttle upstream requests per network. Every fetch carries a finite
// timeout so an unresponsive source cannot pin server resources.
type HeaderSettingClient struct {
	Client   *http.Client
	config   *config.Config
	limiters map[string]ratelimit.Limiter
	mu       sync.Mutex
}

// NewHeaderSettingClient builds the upstream HTTP client. Rate limiters for
// every network in the policy table are created upfront so imports never
// contend on lazy creation.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: cfg.StreamTimeout,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.StreamTimeout,
		},
	}

	hsc := &HeaderSettingClient{
		Client:   client,
		config:   cfg,
		limiters: make(map[string]ratelimit.Limiter),
	}
	for name, policy := range cfg.Networks {
		rps := policy.RequestsPerSecond
		if rps <= 0 {
			rps = 5
		}
		hsc.limiters[name] = ratelimit.New(rps)
	}
	return hsc
}

// Do applies default headers and executes the request.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

// Fetch performs a rate-limited GET against the named network's upstream,
// merging the caller's headers over the defaults, and returns the body,
// the response content type and any Set-Cookie values.
func (hsc *HeaderSettingClient) Fetch(ctx context.Context, network, rawURL string, headers map[string]string) ([]byte, string, []string, error) {
	hsc.limiterFor(network).Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if policy, ok := hsc.config.Networks[network]; ok {
		if policy.UserAgent != "" && req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", policy.UserAgent)
		}
		if policy.Origin != "" {
			req.Header.Set("Origin", policy.Origin)
		}
		if policy.Referrer != "" {
			req.Header.Set("Referer", policy.Referrer)
		}
	}

	resp, err := hsc.Do(req)
	if err != nil {
		return nil, "", nil, fmt.Errorf("fetching %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", nil, fmt.Errorf("upstream status %d from %s", resp.StatusCode, req.URL.Host)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", nil, fmt.Errorf("reading body from %s: %w", req.URL.Host, err)
	}

	return body, resp.Header.Get("Content-Type"), resp.Header.Values("Set-Cookie"), nil
}

// setHeaders fills in defaults without clobbering caller-supplied values.
func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.config.UserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	req.Header.Set("Connection", "keep-alive")
}

// limiterFor returns the network's limiter, creating a default one for
// networks missing from the policy table.
func (hsc *HeaderSettingClient) limiterFor(network string) ratelimit.Limiter {
	hsc.mu.Lock()
	defer hsc.mu.Unlock()
	if l, ok := hsc.limiters[network]; ok {
		return l
	}
	l := ratelimit.New(5)
	hsc.limiters[network] = l
	return l
}
