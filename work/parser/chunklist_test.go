package parser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"eplustv/work/cache"
	"eplustv/work/client"
	"eplustv/work/config"
)

type chunklistFixture struct {
	rewriter *ChunklistRewriter
	cache    *cache.SegmentCache
	hits     *atomic.Int32
	id       string
	url      string
}

func newChunklistFixture(t *testing.T, cfg *config.Config, body string) *chunklistFixture {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	cfg.BaseURL = "http://gw.local"
	cfg.CacheBudgetMB = 64
	cfg.StreamTimeout = 5 * time.Second
	cfg.UserAgent = "test-agent"
	if cfg.Networks == nil {
		cfg.Networks = map[string]config.NetworkPolicy{}
	}

	httpClient := client.NewHeaderSettingClient(cfg)
	segCache := cache.NewSegmentCache(cfg, httpClient)
	sessions := cache.NewSessionStore(time.Hour)
	cr := NewChunklistRewriter(cfg, httpClient, segCache, sessions)

	url := srv.URL + "/live/chunklist.m3u8"
	return &chunklistFixture{
		rewriter: cr,
		cache:    segCache,
		hits:     &hits,
		id:       segCache.IdFor(url, "espn"),
		url:      url,
	}
}

func TestRewriteUnknownID(t *testing.T) {
	f := newChunklistFixture(t, &config.Config{}, "#EXTM3U\n")
	if _, err := f.rewriter.Rewrite(context.Background(), 1, "no-such-id"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRewriteEncryptedSharesOneKeyURL(t *testing.T) {
	body := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
#EXT-X-KEY:METHOD=AES-128,URI="key.php?id=7",IV=0x01
#EXTINF:6.0,
seg_100.ts
#EXTINF:6.0,
seg_101.ts
#EXT-X-KEY:METHOD=AES-128,URI="key.php?id=7",IV=0x02
#EXTINF:6.0,
seg_102.ts
#EXTINF:6.0,
seg_103.ts
#EXTINF:6.0,
seg_104.ts
`
	f := newChunklistFixture(t, &config.Config{}, body)

	out, err := f.rewriter.Rewrite(context.Background(), 1, f.id)
	if err != nil {
		t.Fatal(err)
	}

	// the same upstream key URI must map to exactly one proxied URL, the
	// same on every key line
	keyLines := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "#EXT-X-KEY") {
			uri := extractURIAttr(line)
			if !strings.HasPrefix(uri, "http://gw.local/channels/1/") || !strings.HasSuffix(uri, ".key") {
				t.Errorf("key URI %q not proxied", uri)
			}
			keyLines[uri] = true
		}
	}
	if len(keyLines) != 1 {
		t.Errorf("distinct proxied key URLs: %d, want 1", len(keyLines))
	}

	// encrypted playlists always proxy their segments
	if strings.Contains(out, "seg_10") {
		t.Error("an upstream segment URI survived in an encrypted playlist")
	}
	if got := strings.Count(out, ".ts"); got != 5 {
		t.Errorf("%d proxied segments, want 5", got)
	}
}

func TestRewritePassthroughAbsolutizes(t *testing.T) {
	body := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
rel/seg_1.ts
#EXTINF:6.0,
/root/seg_2.ts
#EXTINF:6.0,
https://other.cdn.example.com/seg_3.ts
`
	f := newChunklistFixture(t, &config.Config{}, body)

	out, err := f.rewriter.Rewrite(context.Background(), 1, f.id)
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(out, "gw.local/channels/1/") && strings.Contains(out, ".ts") {
		for _, line := range strings.Split(out, "\n") {
			if strings.HasSuffix(line, ".ts") && strings.Contains(line, "gw.local") {
				t.Errorf("segment proxied in passthrough mode: %s", line)
			}
		}
	}
	if !strings.Contains(out, "/live/rel/seg_1.ts") {
		t.Error("path-relative segment not resolved against the chunklist URL")
	}
	if !strings.Contains(out, "/root/seg_2.ts\n") || strings.Contains(out, "/live/root/seg_2.ts") {
		t.Error("host-root-relative segment resolved against the path instead of the host")
	}
	if !strings.Contains(out, "https://other.cdn.example.com/seg_3.ts") {
		t.Error("absolute segment URL was altered")
	}
}

func TestRewriteProxySegmentsFlag(t *testing.T) {
	body := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
seg_1.ts
`
	f := newChunklistFixture(t, &config.Config{ProxySegments: true}, body)

	out, err := f.rewriter.Rewrite(context.Background(), 1, f.id)
	if err != nil {
		t.Fatal(err)
	}

	var proxied string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "http://gw.local/channels/1/") && strings.HasSuffix(line, ".ts") {
			proxied = line
		}
	}
	if proxied == "" {
		t.Fatalf("no proxied segment in output:\n%s", out)
	}

	segID := strings.TrimSuffix(strings.TrimPrefix(proxied, "http://gw.local/channels/1/"), ".ts")
	url, network, ok := f.cache.Resolve(segID)
	if !ok || network != "espn" || !strings.HasSuffix(url, "/live/seg_1.ts") {
		t.Errorf("proxied id resolves to %q (%s), want the upstream segment", url, network)
	}
}

func TestRewriteNeverProxiesMP4(t *testing.T) {
	body := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MAP:URI="init.mp4"
#EXTINF:6.0,
seg_1.mp4
`
	f := newChunklistFixture(t, &config.Config{ProxySegments: true}, body)

	out, err := f.rewriter.Rewrite(context.Background(), 1, f.id)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "gw.local/channels/1/") {
		t.Errorf("fMP4 part was proxied:\n%s", out)
	}
	if !strings.Contains(out, "/live/init.mp4") || !strings.Contains(out, "/live/seg_1.mp4") {
		t.Error("fMP4 parts not absolutized for passthrough")
	}
}

func TestRewriteProxyHostsPolicy(t *testing.T) {
	body := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
seg_1.ts
`
	cfg := &config.Config{
		Networks: map[string]config.NetworkPolicy{
			"espn": {ProxyHosts: []string{"127.0.0.1"}},
		},
	}
	f := newChunklistFixture(t, cfg, body)

	out, err := f.rewriter.Rewrite(context.Background(), 1, f.id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "http://gw.local/channels/1/") {
		t.Errorf("segment on a listed proxy host not proxied:\n%s", out)
	}
}

func TestRewriteKeepsOversizedSegmentURL(t *testing.T) {
	longToken := strings.Repeat("a", 100*1024)
	body := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg_1.ts?token=" + longToken + "\n"
	f := newChunklistFixture(t, &config.Config{}, body)

	out, err := f.rewriter.Rewrite(context.Background(), 1, f.id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "token="+longToken) {
		t.Error("signed segment URL over 64 KiB was truncated")
	}
}

func TestRewriteLinesSurfacesOversizedLine(t *testing.T) {
	f := newChunklistFixture(t, &config.Config{}, "#EXTM3U\n")
	base, err := deriveBase(f.url, false)
	if err != nil {
		t.Fatal(err)
	}

	text := "#EXTM3U\nseg.ts?x=" + strings.Repeat("a", maxPlaylistLine+1) + "\n"
	_, err = f.rewriter.rewriteLines(text, base, "espn", config.NetworkPolicy{}, false, "http://gw.local/channels/1")
	if err == nil {
		t.Error("line over the scanner cap did not surface an error")
	}
}

func TestRewriteCachedForTargetDuration(t *testing.T) {
	body := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
seg_1.ts
`
	f := newChunklistFixture(t, &config.Config{}, body)

	first, err := f.rewriter.Rewrite(context.Background(), 1, f.id)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.rewriter.Rewrite(context.Background(), 1, f.id)
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Error("repeat rewrite within the target duration differs")
	}
	if got := f.hits.Load(); got != 1 {
		t.Errorf("upstream fetched %d times within the target duration, want 1", got)
	}
}
