package config

// ResolutionWindow is an inclusive vertical-resolution range in pixels.
// Renditions whose height falls outside the window are never selected.
type ResolutionWindow struct {
	Min int
	Max int
}

// QualityWindows maps each quality policy to its resolution window. The
// windows mirror how the upstream networks bucket their renditions: "UHD"
// ladders top out at 2160 (4320 with HDR), while the SD policy caps at 540.
var QualityWindows = map[string]ResolutionWindow{
	QualityUHDHDR: {Min: 720, Max: 4320},
	QualityUHDSDR: {Min: 720, Max: 2160},
	Quality1080p:  {Min: 720, Max: 1080},
	Quality720p:   {Min: 540, Max: 720},
	Quality540p:   {Min: 1, Max: 540},
}

// Window returns the resolution window for the configured quality policy.
func (c *Config) Window() ResolutionWindow {
	if w, ok := QualityWindows[c.Quality]; ok {
		return w
	}
	return QualityWindows[QualityUHDSDR]
}

// PreferNonHD reports whether rendition sorting should put sub-720p
// candidates first. Only the 540p policy wants that ordering; every other
// policy sorts by bandwidth descending.
func (c *Config) PreferNonHD() bool {
	return c.Quality == Quality540p
}
