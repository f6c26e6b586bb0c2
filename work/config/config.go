package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"kptv-player/work/utils"
)

// Config holds all runtime settings for the player daemon: where it listens and
// stores data, how the HLS engine talks to upstream servers, and the timing and
// threshold values driving the playback and Picture-in-Picture state machines.
type Config struct {
	ListenAddr    string        `json:"listenAddr"`    // HTTP control surface address
	DatabasePath  string        `json:"databasePath"`  // SQLite file for the long-lived store and channel directory
	Debug         bool          `json:"debug"`         // Enable debug logging
	LogLevel      string        `json:"logLevel"`      // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls bool          `json:"obfuscateUrls"` // Obfuscate stream URLs in logs
	WorkerThreads int           `json:"workerThreads"` // Worker pool size for best-effort lookups
	CacheDuration time.Duration `json:"cacheDuration"` // Resolver lookup cache TTL
	ChannelExpiry time.Duration `json:"channelExpiry"` // Directory entries older than this are pruned at startup, 0 keeps them

	UserAgent   string `json:"userAgent"`   // HTTP User-Agent for manifest and segment requests
	ReqOrigin   string `json:"reqOrigin"`   // HTTP Origin header
	ReqReferrer string `json:"reqReferrer"` // HTTP Referer header

	// engine
	ManifestTimeout    time.Duration `json:"manifestTimeout"`    // Per-request timeout for playlists
	SegmentTimeout     time.Duration `json:"segmentTimeout"`     // Per-request timeout for media segments
	SegmentsPerSecond  int           `json:"segmentsPerSecond"`  // Upstream fetch rate limit per engine
	MaxNudges          int           `json:"maxNudges"`          // Non-fatal stall nudges before giving up on nudging
	NudgeOffset        float64       `json:"nudgeOffset"`        // Seconds the playhead is advanced per nudge
	MaxLoadRetries     int           `json:"maxLoadRetries"`     // Transparent manifest reloads per binding
	MaxLevelLoadErrors int           `json:"maxLevelLoadErrors"` // Consecutive playlist failures before the engine reports fatal

	// session
	InitWatchdog      time.Duration `json:"initWatchdog"`      // Attach -> playing deadline
	MaxManualRetries  int           `json:"maxManualRetries"`  // User-triggered retries per session
	HistorySize       int           `json:"historySize"`       // Watch history entries kept
	AlternativesLimit int           `json:"alternativesLimit"` // Alternatives offered on error

	// classifier
	SeekableDuration  float64       `json:"seekableDuration"`  // Finite durations above this are seekable
	SeekableWindow    float64       `json:"seekableWindow"`    // Seekable ranges wider than this are seekable
	LiveEdgeSamples   int           `json:"liveEdgeSamples"`   // Consecutive pinned samples needed for live
	LiveEdgeTolerance float64       `json:"liveEdgeTolerance"` // Seconds from the end still counted as pinned
	SampleInterval    time.Duration `json:"sampleInterval"`    // Classifier sampling period

	// pip
	PipSafetyTimeout time.Duration `json:"pipSafetyTimeout"` // Clears the initializing/switching guard
	PipRecordExpiry  time.Duration `json:"pipRecordExpiry"`  // Persisted records older than this are absent
	PipCloseDebounce time.Duration `json:"pipCloseDebounce"` // Absorbs spurious leave events
	PipRestoreDelay  time.Duration `json:"pipRestoreDelay"`  // Wait before restoring a persisted PiP record
}

// ConfigFile is the JSON on-disk shape. Durations are strings (e.g. "25s").
type ConfigFile struct {
	ListenAddr         string  `json:"listenAddr"`
	DatabasePath       string  `json:"databasePath"`
	Debug              bool    `json:"debug"`
	LogLevel           string  `json:"logLevel"`
	ObfuscateUrls      bool    `json:"obfuscateUrls"`
	WorkerThreads      int     `json:"workerThreads"`
	CacheDuration      string  `json:"cacheDuration"`
	ChannelExpiry      string  `json:"channelExpiry"`
	UserAgent          string  `json:"userAgent"`
	ReqOrigin          string  `json:"reqOrigin"`
	ReqReferrer        string  `json:"reqReferrer"`
	ManifestTimeout    string  `json:"manifestTimeout"`
	SegmentTimeout     string  `json:"segmentTimeout"`
	SegmentsPerSecond  int     `json:"segmentsPerSecond"`
	MaxNudges          int     `json:"maxNudges"`
	NudgeOffset        float64 `json:"nudgeOffset"`
	MaxLoadRetries     int     `json:"maxLoadRetries"`
	MaxLevelLoadErrors int     `json:"maxLevelLoadErrors"`
	InitWatchdog       string  `json:"initWatchdog"`
	MaxManualRetries   int     `json:"maxManualRetries"`
	HistorySize        int     `json:"historySize"`
	AlternativesLimit  int     `json:"alternativesLimit"`
	SeekableDuration   float64 `json:"seekableDuration"`
	SeekableWindow     float64 `json:"seekableWindow"`
	LiveEdgeSamples    int     `json:"liveEdgeSamples"`
	LiveEdgeTolerance  float64 `json:"liveEdgeTolerance"`
	SampleInterval     string  `json:"sampleInterval"`
	PipSafetyTimeout   string  `json:"pipSafetyTimeout"`
	PipRecordExpiry    string  `json:"pipRecordExpiry"`
	PipCloseDebounce   string  `json:"pipCloseDebounce"`
	PipRestoreDelay    string  `json:"pipRestoreDelay"`
}

// DefaultPath is used when KPTV_PLAYER_CONFIG is not set.
const DefaultPath = "/settings/config.json"

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads KPTV_PLAYER_CONFIG, falling back to /settings/config.json.
//   - Falls back to defaults if the file is missing or invalid.
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

	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("KPTV_PLAYER_CONFIG")
	if configPath == "" {
		configPath = DefaultPath
	}
	config, err := LoadFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = Default()
	}

	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Listen: %s", config.ListenAddr)
		log.Printf("  Database: %s", config.DatabasePath)
		log.Printf("  Init watchdog: %s", config.InitWatchdog)
		log.Printf("  Max manual retries: %d", config.MaxManualRetries)
		log.Printf("  PiP record expiry: %s", config.PipRecordExpiry)
		log.Printf("  Obfuscate URLs: %v", config.ObfuscateUrls)
	}

	return config
}

// LoadFile reads, parses and validates a configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}
	validateAndSetDefaults(config)
	return config, nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
// Empty duration strings are left zero and defaulted later.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:         cf.ListenAddr,
		DatabasePath:       cf.DatabasePath,
		Debug:              cf.Debug,
		LogLevel:           cf.LogLevel,
		ObfuscateUrls:      cf.ObfuscateUrls,
		WorkerThreads:      cf.WorkerThreads,
		UserAgent:          cf.UserAgent,
		ReqOrigin:          cf.ReqOrigin,
		ReqReferrer:        cf.ReqReferrer,
		SegmentsPerSecond:  cf.SegmentsPerSecond,
		MaxNudges:          cf.MaxNudges,
		NudgeOffset:        cf.NudgeOffset,
		MaxLoadRetries:     cf.MaxLoadRetries,
		MaxLevelLoadErrors: cf.MaxLevelLoadErrors,
		MaxManualRetries:   cf.MaxManualRetries,
		HistorySize:        cf.HistorySize,
		AlternativesLimit:  cf.AlternativesLimit,
		SeekableDuration:   cf.SeekableDuration,
		SeekableWindow:     cf.SeekableWindow,
		LiveEdgeSamples:    cf.LiveEdgeSamples,
		LiveEdgeTolerance:  cf.LiveEdgeTolerance,
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cacheDuration", cf.CacheDuration, &config.CacheDuration},
		{"channelExpiry", cf.ChannelExpiry, &config.ChannelExpiry},
		{"manifestTimeout", cf.ManifestTimeout, &config.ManifestTimeout},
		{"segmentTimeout", cf.SegmentTimeout, &config.SegmentTimeout},
		{"initWatchdog", cf.InitWatchdog, &config.InitWatchdog},
		{"sampleInterval", cf.SampleInterval, &config.SampleInterval},
		{"pipSafetyTimeout", cf.PipSafetyTimeout, &config.PipSafetyTimeout},
		{"pipRecordExpiry", cf.PipRecordExpiry, &config.PipRecordExpiry},
		{"pipCloseDebounce", cf.PipCloseDebounce, &config.PipCloseDebounce},
		{"pipRestoreDelay", cf.PipRestoreDelay, &config.PipRestoreDelay},
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

// Default returns a baseline configuration with every value defaulted.
func Default() *Config {
	config := &Config{}
	validateAndSetDefaults(config)
	return config
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/settings/kptv-player.db"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
		if config.Debug {
			config.LogLevel = "DEBUG"
		}
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}
	if config.ChannelExpiry < 0 {
		config.ChannelExpiry = 0
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = 5 * time.Minute
	}
	if config.UserAgent == "" {
		config.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}
	if config.ManifestTimeout <= 0 {
		config.ManifestTimeout = 15 * time.Second
	}
	if config.SegmentTimeout <= 0 {
		config.SegmentTimeout = 20 * time.Second
	}
	if config.SegmentsPerSecond <= 0 {
		config.SegmentsPerSecond = 10
	}
	if config.MaxNudges <= 0 {
		config.MaxNudges = 3
	}
	if config.NudgeOffset <= 0 {
		config.NudgeOffset = 0.1
	}
	if config.MaxLoadRetries <= 0 {
		config.MaxLoadRetries = 3
	}
	if config.MaxLevelLoadErrors <= 0 {
		config.MaxLevelLoadErrors = 3
	}
	if config.InitWatchdog <= 0 {
		config.InitWatchdog = 25 * time.Second
	}
	if config.MaxManualRetries <= 0 {
		config.MaxManualRetries = 3
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 50
	}
	if config.AlternativesLimit <= 0 {
		config.AlternativesLimit = 5
	}
	if config.SeekableDuration <= 0 {
		config.SeekableDuration = 120
	}
	if config.SeekableWindow <= 0 {
		config.SeekableWindow = 30
	}
	if config.LiveEdgeSamples <= 0 {
		config.LiveEdgeSamples = 5
	}
	if config.LiveEdgeTolerance <= 0 {
		config.LiveEdgeTolerance = 5
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = time.Second
	}
	if config.PipSafetyTimeout <= 0 {
		config.PipSafetyTimeout = 10 * time.Second
	}
	if config.PipRecordExpiry <= 0 {
		config.PipRecordExpiry = 30 * time.Minute
	}
	if config.PipCloseDebounce <= 0 {
		config.PipCloseDebounce = 300 * time.Millisecond
	}
	if config.PipRestoreDelay <= 0 {
		config.PipRestoreDelay = 500 * time.Millisecond
	}
}

// LogURL returns url as it should appear in logs under this configuration.
func (c *Config) LogURL(url string) string {
	return utils.LogURLWithFlag(c.ObfuscateUrls, url)
}

// ClearConfigCache forces a reload on the next LoadConfig call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
