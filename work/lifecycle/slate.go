package lifecycle

import (
	"fmt"
	"strings"
)

const (
	slateSegmentSeconds = 6
	slateSegmentCount   = 10
)

// BuildSlate returns a standalone media playlist that loops the bundled
// holding-pattern segment. Clients see it whenever a channel has nothing
// scheduled or the upstream event has not gone live yet.
func BuildSlate(channelBase string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", slateSegmentSeconds)
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < slateSegmentCount; i++ {
		fmt.Fprintf(&b, "#EXTINF:%d.000,\n", slateSegmentSeconds)
		fmt.Fprintf(&b, "%s/slate.ts\n", channelBase)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}
