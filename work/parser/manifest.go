package parser

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"eplustv/work/cache"
	"eplustv/work/client"
	"eplustv/work/config"
	"eplustv/work/logger"
	"eplustv/work/utils"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
)

// minHLSVersion is the EXT-X-VERSION floor written into every rewritten
// playlist. Some players refuse rewritten output below 5; a higher upstream
// version is never lowered.
const minHLSVersion = 5

// maxPlaylistLine bounds a single playlist line. Signed CDN URLs and
// data: key URIs routinely blow past bufio's 64 KiB default; anything
// beyond a megabyte is a broken upstream, not a playlist.
const maxPlaylistLine = 1 << 20

var uriAttrRe = regexp.MustCompile(`URI="[^"]*"`)

// StreamVariant is one rendition candidate from an upstream master
// playlist, with its URI already resolved to absolute form.
type StreamVariant struct {
	URI       string
	Bandwidth int
	Height    int
}

// ManifestRewriter fetches an upstream HLS master playlist, picks a single
// rendition per the configured quality policy, and rewrites the playlist so
// the kept rendition points back at this server. Every other rendition URI
// is deleted; a channel serves exactly one quality, as broadcast TV does.
type ManifestRewriter struct {
	cfg      *config.Config
	client   *client.HeaderSettingClient
	cache    *cache.SegmentCache
	sessions *cache.SessionStore
}

// NewManifestRewriter wires the rewriter to the shared cache and session
// stores.
func NewManifestRewriter(cfg *config.Config, httpClient *client.HeaderSettingClient, segCache *cache.SegmentCache, sessions *cache.SessionStore) *ManifestRewriter {
	return &ManifestRewriter{
		cfg:      cfg,
		client:   httpClient,
		cache:    segCache,
		sessions: sessions,
	}
}

// Rewrite fetches masterURL with the given headers and returns the playlist
// text a client of this channel should see. Cookies set by the upstream are
// retained for the channel so chunklist fetches share the session.
func (mr *ManifestRewriter) Rewrite(ctx context.Context, channel int, network, masterURL string, headers map[string]string, channelBase string) (string, error) {
	body, _, setCookies, err := mr.client.Fetch(ctx, network, masterURL, headers)
	if err != nil {
		return "", fmt.Errorf("fetching master playlist: %w", err)
	}
	mr.sessions.Set(channel, setCookies)

	variants, err := parseMasterVariants(body, masterURL)
	if err != nil {
		return "", err
	}

	selected, err := mr.selectVariant(variants)
	if err != nil {
		return "", err
	}
	logger.Debug("{parser/manifest - Rewrite} channel %d selected %dp @ %d bps: %s",
		channel, selected.Height, selected.Bandwidth, utils.LogURL(mr.cfg, selected.URI))

	id := mr.cache.IdFor(selected.URI, network)
	proxyURI := fmt.Sprintf("%s/%s.m3u8", channelBase, id)

	text, err := rewriteMaster(string(body), masterURL, selected.URI, proxyURI, mr.cfg.Network(network))
	if err != nil {
		return "", fmt.Errorf("rewriting master playlist: %w", err)
	}
	return text, nil
}

// parseMasterVariants decodes the master playlist and returns the video
// rendition candidates with absolute URIs and parsed heights.
func parseMasterVariants(body []byte, masterURL string) ([]StreamVariant, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, fmt.Errorf("parsing master playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, fmt.Errorf("expected a master playlist")
	}

	base, err := deriveBase(masterURL, false)
	if err != nil {
		return nil, fmt.Errorf("parsing master URL: %w", err)
	}

	master := playlist.(*m3u8.MasterPlaylist)
	var variants []StreamVariant
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		variants = append(variants, StreamVariant{
			URI:       resolveStreamURL(base, v.URI),
			Bandwidth: int(v.Bandwidth),
			Height:    resolutionHeight(v.Resolution),
		})
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("no variants found in master playlist")
	}
	return variants, nil
}

// resolutionHeight parses the vertical pixels out of a "WxH" attribute.
func resolutionHeight(resolution string) int {
	parts := strings.SplitN(strings.ToLower(resolution), "x", 2)
	if len(parts) != 2 {
		return 0
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return h
}

// selectVariant applies the quality window and ordering policy and returns
// the single top candidate. When nothing lands inside the window, the
// highest-bandwidth rendition overall is used so the channel still plays.
func (mr *ManifestRewriter) selectVariant(variants []StreamVariant) (StreamVariant, error) {
	window := mr.cfg.Window()

	var candidates []StreamVariant
	for _, v := range variants {
		if v.Height >= window.Min && v.Height <= window.Max {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		logger.Warn("{parser/manifest - selectVariant} no rendition inside %d-%dp window, falling back to best available", window.Min, window.Max)
		candidates = variants
	}

	if mr.cfg.PreferNonHD() {
		// SD policy: sub-720p renditions first, bandwidth descending
		// within each group.
		sort.SliceStable(candidates, func(i, j int) bool {
			iHD, jHD := candidates[i].Height >= 720, candidates[j].Height >= 720
			if iHD != jHD {
				return !iHD
			}
			return candidates[i].Bandwidth > candidates[j].Bandwidth
		})
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Bandwidth > candidates[j].Bandwidth
		})
	}

	return candidates[0], nil
}

// rewriteMaster walks the original playlist text and emits the single-
// rendition version. The kept STREAM-INF keeps its attribute line; every
// other rendition, iframe/image track and vendor UPLYNK tag is dropped.
// EXT-X-MEDIA entries survive only when the network policy keeps renditions
// whose decoded URI equals the selected one (sources that hide the real
// video track behind an audio-looking rendition).
func rewriteMaster(text, masterURL, selectedURI, proxyURI string, policy config.NetworkPolicy) (string, error) {
	base, baseErr := deriveBase(masterURL, false)

	var out []string
	var pendingStreamInf string
	versionSeen := false

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), maxPlaylistLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			out = append(out, versionLine(line))
			versionSeen = true

		case strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF"),
			strings.HasPrefix(line, "#EXT-X-IMAGE-STREAM-INF"),
			strings.Contains(line, "UPLYNK-MEDIA"):
			// meaningless to a single-rendition proxy

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF"):
			// held until its URI line decides whether it survives
			pendingStreamInf = line

		case strings.HasPrefix(line, "#EXT-X-MEDIA"):
			uri := extractURIAttr(line)
			if uri == "" {
				// URI-less groups (e.g. CLOSED-CAPTIONS) stay
				out = append(out, line)
				continue
			}
			resolved := uri
			if baseErr == nil {
				resolved = resolveStreamURL(base, uri)
			}
			if policy.KeepAudioTrackURIs && decodedEqual(resolved, selectedURI) {
				out = append(out, uriAttrRe.ReplaceAllString(line, `URI="`+proxyURI+`"`))
			}

		case line == "" || strings.HasPrefix(line, "#"):
			out = append(out, line)

		default:
			// URI line: kept only when it belongs to the selected rendition
			if pendingStreamInf != "" {
				resolved := line
				if baseErr == nil {
					resolved = resolveStreamURL(base, line)
				}
				if decodedEqual(resolved, selectedURI) {
					out = append(out, pendingStreamInf, proxyURI)
				}
				pendingStreamInf = ""
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scanning master playlist: %w", err)
	}

	if !versionSeen {
		out = insertAfterHeader(out, fmt.Sprintf("#EXT-X-VERSION:%d", minHLSVersion))
	}

	return strings.Join(out, "\n") + "\n", nil
}

// versionLine raises an EXT-X-VERSION line to the floor, never lowering an
// already-higher version.
func versionLine(line string) string {
	v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))
	if err != nil || v < minHLSVersion {
		v = minHLSVersion
	}
	return fmt.Sprintf("#EXT-X-VERSION:%d", v)
}

// extractURIAttr pulls the quoted URI attribute out of a tag line.
func extractURIAttr(line string) string {
	m := uriAttrRe.FindString(line)
	if m == "" {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(m, `URI="`), `"`)
}

// insertAfterHeader places a line directly after #EXTM3U, or at the front
// when the header is missing.
func insertAfterHeader(lines []string, inserted string) []string {
	for i, line := range lines {
		if strings.HasPrefix(line, "#EXTM3U") {
			result := make([]string, 0, len(lines)+1)
			result = append(result, lines[:i+1]...)
			result = append(result, inserted)
			result = append(result, lines[i+1:]...)
			return result
		}
	}
	return append([]string{inserted}, lines...)
}
