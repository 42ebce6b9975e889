package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Quality policy names accepted in the config file. Each policy maps to a
// fixed vertical-resolution window used when picking a single rendition out
// of an upstream master playlist.
const (
	QualityUHDHDR = "UHD/HDR"
	QualityUHDSDR = "UHD/SDR"
	Quality1080p  = "1080p"
	Quality720p   = "720p"
	Quality540p   = "540p"
)

// Config holds all application configuration values for the live-TV gateway.
// It covers the channel lineup, the HLS proxy/cache engine, the external
// media pipeline, and the per-network policy table.
type Config struct {
	BaseURL           string                   `json:"baseURL"`           // Public base URL clients use to reach this server
	ListenPort        int                      `json:"listenPort"`        // HTTP listen port
	StartChannel      int                      `json:"startChannel"`      // First channel number in the lineup
	NumChannels       int                      `json:"numChannels"`       // Size of the pooled channel lineup
	LinearChannels    bool                     `json:"linearChannels"`    // Dedicated channels for linear networks; disabling forces a schedule rebuild
	Quality           string                   `json:"quality"`           // Rendition selection policy (UHD/HDR, UHD/SDR, 1080p, 720p, 540p)
	CacheBudgetMB     int64                    `json:"cacheBudgetMB"`     // Segment cache byte budget in MB
	ProxySegments     bool                     `json:"proxySegments"`     // Proxy every media segment through the cache, not just the ones that need it
	Networks          map[string]NetworkPolicy `json:"networks"`          // Per-network proxy/rewrite policy, keyed by network name
	CategoryFilter    []string                 `json:"categoryFilter"`    // Scheduler category allow-list; empty means all categories
	TitleFilter       string                   `json:"titleFilter"`       // Scheduler title regex; non-matching events are never scheduled
	StreamTimeout     time.Duration            `json:"streamTimeout"`     // Upstream HTTP fetch timeout
	ActiveWindow      time.Duration            `json:"activeWindow"`      // Heartbeat age that still counts as "someone is watching"
	IdleTimeout       time.Duration            `json:"idleTimeout"`       // Heartbeat age after which a channel is torn down
	SessionTTL        time.Duration            `json:"sessionTTL"`        // How long upstream session cookies are retained per channel
	HarvestInterval   time.Duration            `json:"harvestInterval"`   // Interval between provider schedule harvests
	SchedulerInterval time.Duration            `json:"schedulerInterval"` // Interval between scheduler runs
	WorkerThreads     int                      `json:"workerThreads"`     // Background worker pool size
	WorkingDir        string                   `json:"workingDir"`        // Per-channel working storage for pipeline output and slates
	DatabasePath      string                   `json:"databasePath"`      // SQLite store path
	UserAgent         string                   `json:"userAgent"`         // Default User-Agent for upstream fetches
	PipelineCommand   string                   `json:"pipelineCommand"`   // External media pipeline binary (ffmpeg-compatible)
	PipelinePreInput  []string                 `json:"pipelinePreInput"`  // Pipeline arguments before -i
	PipelinePreOutput []string                 `json:"pipelinePreOutput"` // Pipeline arguments before the output target
	Debug             bool                     `json:"debug"`             // Enable debug logging
	ObfuscateUrls     bool                     `json:"obfuscateUrls"`     // Obfuscate upstream URLs in logs
}

// NetworkPolicy captures the per-network quirks the proxy has to honor. The
// original accreted these as inline string checks; here every special case is
// an explicit table entry.
type NetworkPolicy struct {
	ProxySegments       bool     `json:"proxySegments"`       // Always proxy this network's segments through the cache
	ProxyHosts          []string `json:"proxyHosts"`          // CDN host substrings whose segments must be proxied
	StripChunklistQuery bool     `json:"stripChunklistQuery"` // Drop the query string when deriving the chunklist base URL
	KeepAudioTrackURIs  bool     `json:"keepAudioTrackURIs"`  // Keep EXT-X-MEDIA entries whose URI equals the selected video rendition
	RequestsPerSecond   int      `json:"requestsPerSecond"`   // Upstream rate limit for this network
	UserAgent           string   `json:"userAgent"`           // Override User-Agent for this network
	Origin              string   `json:"origin"`              // HTTP Origin header for requests
	Referrer            string   `json:"referrer"`            // HTTP Referer header for requests
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling
// configuration. String duration fields (e.g., "30s") are parsed into
// time.Duration values.
type ConfigFile struct {
	BaseURL           string                   `json:"baseURL"`
	ListenPort        int                      `json:"listenPort"`
	StartChannel      int                      `json:"startChannel"`
	NumChannels       int                      `json:"numChannels"`
	LinearChannels    bool                     `json:"linearChannels"`
	Quality           string                   `json:"quality"`
	CacheBudgetMB     int64                    `json:"cacheBudgetMB"`
	ProxySegments     bool                     `json:"proxySegments"`
	Networks          map[string]NetworkPolicy `json:"networks"`
	CategoryFilter    []string                 `json:"categoryFilter"`
	TitleFilter       string                   `json:"titleFilter"`
	StreamTimeout     string                   `json:"streamTimeout"`     // Duration as string (e.g., "30s")
	ActiveWindow      string                   `json:"activeWindow"`      // Duration as string (e.g., "30s")
	IdleTimeout       string                   `json:"idleTimeout"`       // Duration as string (e.g., "5m")
	SessionTTL        string                   `json:"sessionTTL"`        // Duration as string (e.g., "4h")
	HarvestInterval   string                   `json:"harvestInterval"`   // Duration as string (e.g., "4h")
	SchedulerInterval string                   `json:"schedulerInterval"` // Duration as string (e.g., "1m")
	WorkerThreads     int                      `json:"workerThreads"`
	WorkingDir        string                   `json:"workingDir"`
	DatabasePath      string                   `json:"databasePath"`
	UserAgent         string                   `json:"userAgent"`
	PipelineCommand   string                   `json:"pipelineCommand"`
	PipelinePreInput  []string                 `json:"pipelinePreInput"`
	PipelinePreOutput []string                 `json:"pipelinePreOutput"`
	Debug             bool                     `json:"debug"`
	ObfuscateUrls     bool                     `json:"obfuscateUrls"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads the config path from EPLUSTV_CONFIG (a .env file is honored).
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	// A .env next to the binary may carry EPLUSTV_CONFIG and friends.
	_ = godotenv.Load()

	configPath := os.Getenv("EPLUSTV_CONFIG")
	if configPath == "" {
		configPath = "/settings/config.json"
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config from %s: %v; using defaults\n", configPath, err)
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config

	return config
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:           cf.BaseURL,
		ListenPort:        cf.ListenPort,
		StartChannel:      cf.StartChannel,
		NumChannels:       cf.NumChannels,
		LinearChannels:    cf.LinearChannels,
		Quality:           cf.Quality,
		CacheBudgetMB:     cf.CacheBudgetMB,
		ProxySegments:     cf.ProxySegments,
		Networks:          cf.Networks,
		CategoryFilter:    cf.CategoryFilter,
		TitleFilter:       cf.TitleFilter,
		WorkerThreads:     cf.WorkerThreads,
		WorkingDir:        cf.WorkingDir,
		DatabasePath:      cf.DatabasePath,
		UserAgent:         cf.UserAgent,
		PipelineCommand:   cf.PipelineCommand,
		PipelinePreInput:  cf.PipelinePreInput,
		PipelinePreOutput: cf.PipelinePreOutput,
		Debug:             cf.Debug,
		ObfuscateUrls:     cf.ObfuscateUrls,
	}

	// Parse duration fields; empty strings keep the zero value and pick up
	// defaults during validation.
	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cf.StreamTimeout, "streamTimeout", &config.StreamTimeout},
		{cf.ActiveWindow, "activeWindow", &config.ActiveWindow},
		{cf.IdleTimeout, "idleTimeout", &config.IdleTimeout},
		{cf.SessionTTL, "sessionTTL", &config.SessionTTL},
		{cf.HarvestInterval, "harvestInterval", &config.HarvestInterval},
		{cf.SchedulerInterval, "schedulerInterval", &config.SchedulerInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:           "http://localhost:8000",
		ListenPort:        8000,
		StartChannel:      1,
		NumChannels:       200,
		LinearChannels:    false,
		Quality:           QualityUHDSDR,
		CacheBudgetMB:     256,
		ProxySegments:     false,
		Networks:          map[string]NetworkPolicy{},
		StreamTimeout:     30 * time.Second,
		ActiveWindow:      30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		SessionTTL:        4 * time.Hour,
		HarvestInterval:   4 * time.Hour,
		SchedulerInterval: time.Minute,
		WorkerThreads:     8,
		WorkingDir:        "/tmp/eplustv",
		DatabasePath:      "/settings/eplustv.db",
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		PipelineCommand:   "ffmpeg",
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8000"
	}
	if config.ListenPort <= 0 {
		config.ListenPort = 8000
	}
	if config.StartChannel <= 0 {
		config.StartChannel = 1
	}
	if config.NumChannels <= 0 {
		config.NumChannels = 200
	}
	if _, ok := QualityWindows[config.Quality]; !ok {
		config.Quality = QualityUHDSDR
	}
	if config.CacheBudgetMB <= 0 {
		config.CacheBudgetMB = 256
	}
	if config.Networks == nil {
		config.Networks = map[string]NetworkPolicy{}
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = 30 * time.Second
	}
	if config.ActiveWindow <= 0 {
		config.ActiveWindow = 30 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 4 * time.Hour
	}
	if config.HarvestInterval <= 0 {
		config.HarvestInterval = 4 * time.Hour
	}
	if config.SchedulerInterval <= 0 {
		config.SchedulerInterval = time.Minute
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.WorkingDir == "" {
		config.WorkingDir = "/tmp/eplustv"
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/settings/eplustv.db"
	}
	if config.UserAgent == "" {
		config.UserAgent = getDefaultConfig().UserAgent
	}
	if config.PipelineCommand == "" {
		config.PipelineCommand = "ffmpeg"
	}
}

// Network returns the policy for the named network, falling back to the
// zero policy when the network has no table entry.
func (c *Config) Network(name string) NetworkPolicy {
	return c.Networks[name]
}

// CacheBudgetBytes returns the segment cache byte budget.
func (c *Config) CacheBudgetBytes() int64 {
	return c.CacheBudgetMB * 1024 * 1024
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:        "http://localhost:8000",
		ListenPort:     8000,
		StartChannel:   1,
		NumChannels:    200,
		LinearChannels: false,
		Quality:        QualityUHDSDR,
		CacheBudgetMB:  256,
		ProxySegments:  false,
		Networks: map[string]NetworkPolicy{
			"espn": {
				ProxyHosts:          []string{"akamaized.net"},
				StripChunklistQuery: true,
				KeepAudioTrackURIs:  true,
				RequestsPerSecond:   10,
			},
			"fox": {
				ProxySegments:     true,
				RequestsPerSecond: 5,
			},
		},
		CategoryFilter:    []string{},
		TitleFilter:       "",
		StreamTimeout:     "30s",
		ActiveWindow:      "30s",
		IdleTimeout:       "5m",
		SessionTTL:        "4h",
		HarvestInterval:   "4h",
		SchedulerInterval: "1m",
		WorkerThreads:     8,
		WorkingDir:        "/tmp/eplustv",
		DatabasePath:      "/settings/eplustv.db",
		PipelineCommand:   "ffmpeg",
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
