package parser

import (
	"net/url"
	"strings"
)

// resolveStreamURL turns a playlist reference into an absolute URL against
// base. Host-root-relative ("/seg.ts"), scheme-relative ("//cdn/seg.ts")
// and path-relative forms are each handled on their own: some CDNs emit all
// three in one playlist.
func resolveStreamURL(base *url.URL, ref string) string {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref
	case strings.HasPrefix(ref, "//"):
		return base.Scheme + ":" + ref
	case strings.HasPrefix(ref, "/"):
		return base.Scheme + "://" + base.Host + ref
	default:
		rel, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		return base.ResolveReference(rel).String()
	}
}

// decodedEqual compares two URIs by their percent-decoded form. Some
// sources emit the same URI encoded differently across tags; byte equality
// would miss those.
func decodedEqual(a, b string) bool {
	da, errA := url.QueryUnescape(a)
	db, errB := url.QueryUnescape(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return da == db
}

// deriveBase parses the playlist URL into a base for resolving relative
// references. stripQuery drops the query string first: some CDNs sign their
// playlist URLs with params that poison relative resolution.
func deriveBase(rawURL string, stripQuery bool) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if stripQuery {
		u.RawQuery = ""
	}
	return u, nil
}
