package parser

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"eplustv/work/cache"
	"eplustv/work/client"
	"eplustv/work/config"
	"eplustv/work/logger"
	"eplustv/work/utils"

	"github.com/grafov/m3u8"
)

// defaultChunklistTTL caps how stale a rewritten chunklist may be served
// when the upstream omits EXT-X-TARGETDURATION.
const defaultChunklistTTL = 4 * time.Second

// ChunklistRewriter fetches the upstream media playlist behind a cache id
// and rewrites segment, key and init-segment URIs. Results are held through
// the coalescing layer with TTL equal to the playlist's own target duration:
// a live playlist cannot change faster than that, but must be refetched
// promptly enough to follow the live edge.
type ChunklistRewriter struct {
	cfg      *config.Config
	client   *client.HeaderSettingClient
	cache    *cache.SegmentCache
	sessions *cache.SessionStore
	inflight *cache.CoalescedFetch
}

// NewChunklistRewriter wires the rewriter to the shared cache and session
// stores.
func NewChunklistRewriter(cfg *config.Config, httpClient *client.HeaderSettingClient, segCache *cache.SegmentCache, sessions *cache.SessionStore) *ChunklistRewriter {
	return &ChunklistRewriter{
		cfg:      cfg,
		client:   httpClient,
		cache:    segCache,
		sessions: sessions,
		inflight: cache.NewCoalescedFetch(),
	}
}

// Rewrite returns the rewritten media playlist for the given cache id,
// serving concurrent and near-live repeat requests from one upstream fetch.
func (cr *ChunklistRewriter) Rewrite(ctx context.Context, channel int, id string) (string, error) {
	data, _, err := cr.inflight.Do(id, func() ([]byte, string, time.Duration, error) {
		text, ttl, err := cr.rewriteUpstream(ctx, channel, id)
		if err != nil {
			return nil, "", 0, err
		}
		return []byte(text), "application/vnd.apple.mpegurl", ttl, nil
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// rewriteUpstream performs the actual fetch and rewrite for one chunklist.
func (cr *ChunklistRewriter) rewriteUpstream(ctx context.Context, channel int, id string) (string, time.Duration, error) {
	upstreamURL, network, ok := cr.cache.Resolve(id)
	if !ok {
		return "", 0, cache.ErrNotFound
	}
	policy := cr.cfg.Network(network)

	headers := map[string]string{}
	if cookies := cr.sessions.Get(channel); len(cookies) > 0 {
		headers["Cookie"] = cookieHeader(cookies)
	}

	body, _, setCookies, err := cr.client.Fetch(ctx, network, upstreamURL, headers)
	if err != nil {
		return "", 0, fmt.Errorf("fetching chunklist: %w", err)
	}
	cr.sessions.Set(channel, setCookies)

	base, err := deriveBase(upstreamURL, policy.StripChunklistQuery)
	if err != nil {
		return "", 0, fmt.Errorf("parsing chunklist URL: %w", err)
	}

	targetDuration, encrypted := mediaPlaylistInfo(body)
	channelBase := fmt.Sprintf("%s/channels/%d", cr.cfg.BaseURL, channel)

	text, err := cr.rewriteLines(string(body), base, network, policy, encrypted, channelBase)
	if err != nil {
		return "", 0, fmt.Errorf("rewriting chunklist: %w", err)
	}

	ttl := time.Duration(targetDuration * float64(time.Second))
	if ttl <= 0 {
		ttl = defaultChunklistTTL
	}
	logger.Debug("{parser/chunklist - rewriteUpstream} channel %d rewrote %s (ttl %s)",
		channel, utils.LogURL(cr.cfg, upstreamURL), ttl)

	return text, ttl, nil
}

// mediaPlaylistInfo extracts the target duration and encryption state from
// the decoded playlist. A decode failure degrades to defaults; the line
// rewriter works off the raw text either way.
func mediaPlaylistInfo(body []byte) (targetDuration float64, encrypted bool) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil || listType != m3u8.MEDIA {
		return 0, bytes.Contains(body, []byte("#EXT-X-KEY"))
	}

	media := playlist.(*m3u8.MediaPlaylist)
	targetDuration = media.TargetDuration
	if media.Key != nil && media.Key.URI != "" {
		encrypted = true
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		if seg.Key != nil && seg.Key.URI != "" {
			encrypted = true
			break
		}
	}
	return targetDuration, encrypted
}

// rewriteLines walks the playlist text. Each distinct key URI gets exactly
// one proxied .key URL substituted at every occurrence; segments and the
// EXT-X-MAP init segment go through the per-segment proxy decision.
func (cr *ChunklistRewriter) rewriteLines(text string, base *url.URL, network string, policy config.NetworkPolicy, encrypted bool, channelBase string) (string, error) {
	keyURLs := make(map[string]string)
	var out []string
	versionSeen := false

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), maxPlaylistLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			out = append(out, versionLine(line))
			versionSeen = true

		case strings.HasPrefix(line, "#EXT-X-KEY") && strings.Contains(line, "URI="):
			uri := extractURIAttr(line)
			resolved := resolveStreamURL(base, uri)
			proxied, ok := keyURLs[resolved]
			if !ok {
				keyID := cr.cache.IdFor(resolved, network)
				proxied = fmt.Sprintf("%s/%s.key", channelBase, keyID)
				keyURLs[resolved] = proxied
			}
			out = append(out, uriAttrRe.ReplaceAllString(line, `URI="`+proxied+`"`))

		case strings.HasPrefix(line, "#EXT-X-MAP") && strings.Contains(line, "URI="):
			uri := extractURIAttr(line)
			resolved := resolveStreamURL(base, uri)
			out = append(out, uriAttrRe.ReplaceAllString(line, `URI="`+cr.segmentTarget(resolved, network, policy, encrypted, channelBase)+`"`))

		case line == "" || strings.HasPrefix(line, "#"):
			out = append(out, line)

		default:
			// media segment URI
			resolved := resolveStreamURL(base, line)
			out = append(out, cr.segmentTarget(resolved, network, policy, encrypted, channelBase))
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scanning chunklist: %w", err)
	}

	if !versionSeen {
		out = insertAfterHeader(out, fmt.Sprintf("#EXT-X-VERSION:%d", minHLSVersion))
	}

	return strings.Join(out, "\n") + "\n", nil
}

// segmentTarget returns either a proxied cache URL or the absolute upstream
// URL for one segment, per the proxy decision.
func (cr *ChunklistRewriter) segmentTarget(resolved, network string, policy config.NetworkPolicy, encrypted bool, channelBase string) string {
	if !cr.shouldProxy(resolved, policy, encrypted) {
		return resolved
	}
	id := cr.cache.IdFor(resolved, network)
	return fmt.Sprintf("%s/%s.ts", channelBase, id)
}

// shouldProxy decides whether a segment flows through the cache or passes
// straight through. Encrypted playlists are always proxied: the key has to
// be, and splitting key and segments across origins breaks some players.
// The proxy cannot rewrite fMP4 parts, so .mp4 segments always pass
// through.
func (cr *ChunklistRewriter) shouldProxy(resolved string, policy config.NetworkPolicy, encrypted bool) bool {
	if u, err := url.Parse(resolved); err == nil && strings.HasSuffix(u.Path, ".mp4") {
		return false
	}
	if cr.cfg.ProxySegments || policy.ProxySegments {
		return true
	}
	for _, host := range policy.ProxyHosts {
		if host != "" && strings.Contains(resolved, host) {
			return true
		}
	}
	return encrypted
}

// cookieHeader flattens Set-Cookie values into a Cookie header, keeping
// only the name=value pair of each.
func cookieHeader(setCookies []string) string {
	pairs := make([]string, 0, len(setCookies))
	for _, c := range setCookies {
		if idx := strings.Index(c, ";"); idx >= 0 {
			c = c[:idx]
		}
		c = strings.TrimSpace(c)
		if c != "" {
			pairs = append(pairs, c)
		}
	}
	return strings.Join(pairs, "; ")
}
