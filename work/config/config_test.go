package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"baseUrl": "http://tv.example.com:8000",
		"listenPort": 8000,
		"startChannel": 50,
		"numChannels": 20,
		"quality": "720p",
		"cacheBudgetMB": 128,
		"idleTimeout": "10m",
		"sessionTTL": "2h",
		"networks": {
			"espn": {"proxySegments": true, "requestsPerSecond": 10}
		}
	}`)
	t.Setenv("EPLUSTV_CONFIG", path)
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig()

	if cfg.BaseURL != "http://tv.example.com:8000" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.StartChannel != 50 || cfg.NumChannels != 20 {
		t.Errorf("channel range = %d+%d", cfg.StartChannel, cfg.NumChannels)
	}
	if cfg.Quality != Quality720p {
		t.Errorf("Quality = %q", cfg.Quality)
	}
	if cfg.IdleTimeout != 10*time.Minute || cfg.SessionTTL != 2*time.Hour {
		t.Errorf("durations = %s, %s", cfg.IdleTimeout, cfg.SessionTTL)
	}
	if cfg.CacheBudgetBytes() != 128*1024*1024 {
		t.Errorf("CacheBudgetBytes = %d", cfg.CacheBudgetBytes())
	}
	if !cfg.Network("espn").ProxySegments {
		t.Error("espn policy lost its proxySegments flag")
	}

	// unlisted fields picked up validated defaults
	if cfg.ActiveWindow != 30*time.Second {
		t.Errorf("ActiveWindow default = %s", cfg.ActiveWindow)
	}
	if cfg.PipelineCommand != "ffmpeg" {
		t.Errorf("PipelineCommand default = %q", cfg.PipelineCommand)
	}

	// the singleton hands back the same instance until cleared
	if again := LoadConfig(); again != cfg {
		t.Error("LoadConfig reloaded despite a warm cache")
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("EPLUSTV_CONFIG", filepath.Join(t.TempDir(), "nope.json"))
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig()
	if cfg.Quality != QualityUHDSDR {
		t.Errorf("default quality = %q", cfg.Quality)
	}
	if cfg.NumChannels <= 0 || cfg.ListenPort == 0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfigInvalidQualityFallsBack(t *testing.T) {
	path := writeConfigFile(t, `{"quality": "8K-ultra"}`)
	t.Setenv("EPLUSTV_CONFIG", path)
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig()
	if cfg.Quality != QualityUHDSDR {
		t.Errorf("invalid quality kept: %q", cfg.Quality)
	}
}

func TestQualityWindows(t *testing.T) {
	cases := []struct {
		quality  string
		height   int
		inWindow bool
	}{
		{QualityUHDSDR, 2160, true},
		{QualityUHDSDR, 4320, false},
		{QualityUHDHDR, 4320, true},
		{Quality1080p, 1080, true},
		{Quality1080p, 2160, false},
		{Quality720p, 540, true},
		{Quality720p, 1080, false},
		{Quality540p, 540, true},
		{Quality540p, 720, false},
	}
	for _, tc := range cases {
		cfg := &Config{Quality: tc.quality}
		w := cfg.Window()
		got := tc.height >= w.Min && tc.height <= w.Max
		if got != tc.inWindow {
			t.Errorf("%s: %dp in window = %v, want %v", tc.quality, tc.height, got, tc.inWindow)
		}
	}

	if !(&Config{Quality: Quality540p}).PreferNonHD() {
		t.Error("540p policy must prefer non-HD renditions")
	}
	if (&Config{Quality: Quality720p}).PreferNonHD() {
		t.Error("720p policy must not prefer non-HD renditions")
	}
}
