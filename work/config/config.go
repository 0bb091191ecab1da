package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// MinRequestCooldown is the smallest spacing allowed between two requests to
// the same origin host.
const MinRequestCooldown = 500 * time.Millisecond

// Config holds all application configuration values for the relay.
// It covers the origin site, request pacing, the local HTTP server and the
// external tools used for playback and downloads.
type Config struct {
	ListenPort            int           `json:"listenPort"`            // Local HTTP server port
	BaseURL               string        `json:"baseURL"`               // Address players use to reach the relay
	Domain                string        `json:"domain"`                // Origin site base URL (fallback when mirror discovery fails)
	MirrorSourceURL       string        `json:"mirrorSourceURL"`       // Page listing the current mirror of the origin site
	UserAgent             string        `json:"userAgent"`             // HTTP User-Agent header for origin requests
	ReqOrigin             string        `json:"reqOrigin"`             // HTTP Origin header for origin requests
	ReqReferrer           string        `json:"reqReferrer"`           // HTTP Referer header for origin requests
	RequestCooldown       time.Duration `json:"requestCooldown"`       // Spacing between requests to one host
	HostRequestsPerSecond int           `json:"hostRequestsPerSecond"` // Optional per-host ceiling, 0 disables
	RequestTimeout        time.Duration `json:"requestTimeout"`        // Timeout for one origin request
	ReachabilityTimeout   time.Duration `json:"reachabilityTimeout"`   // Timeout for the startup check
	SegmentCacheTTL       time.Duration `json:"segmentCacheTTL"`       // Lifetime of a cached segment
	PrefetchSegments      int           `json:"prefetchSegments"`      // Segments warmed after each served segment
	WorkerThreads         int           `json:"workerThreads"`         // Size of the background worker pool
	MaxSearchResults      int           `json:"maxSearchResults"`      // Search result limit
	FFmpegPath            string        `json:"ffmpegPath"`            // ffmpeg executable
	PlayerPath            string        `json:"playerPath"`            // Media player executable
	UserDataDir           string        `json:"userDataDir"`           // Downloads, temp files and history database
	LogLevel              string        `json:"logLevel"`              // DEBUG, INFO, WARN or ERROR
	Debug                 bool          `json:"debug"`                 // Enable debug logging
	ObfuscateUrls         bool          `json:"obfuscateUrls"`         // Obfuscate URLs in logs
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "500ms") are parsed into time.Duration values.
type ConfigFile struct {
	ListenPort            int    `json:"listenPort"`
	BaseURL               string `json:"baseURL"`
	Domain                string `json:"domain"`
	MirrorSourceURL       string `json:"mirrorSourceURL"`
	UserAgent             string `json:"userAgent"`
	ReqOrigin             string `json:"reqOrigin"`
	ReqReferrer           string `json:"reqReferrer"`
	RequestCooldown       string `json:"requestCooldown"` // Duration as string (e.g., "500ms")
	HostRequestsPerSecond int    `json:"hostRequestsPerSecond"`
	RequestTimeout        string `json:"requestTimeout"`      // Duration as string (e.g., "30s")
	ReachabilityTimeout   string `json:"reachabilityTimeout"` // Duration as string (e.g., "3s")
	SegmentCacheTTL       string `json:"segmentCacheTTL"`     // Duration as string (e.g., "15m")
	PrefetchSegments      int    `json:"prefetchSegments"`
	WorkerThreads         int    `json:"workerThreads"`
	MaxSearchResults      int    `json:"maxSearchResults"`
	FFmpegPath            string `json:"ffmpegPath"`
	PlayerPath            string `json:"playerPath"`
	UserDataDir           string `json:"userDataDir"`
	LogLevel              string `json:"logLevel"`
	Debug                 bool   `json:"debug"`
	ObfuscateUrls         bool   `json:"obfuscateUrls"`
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// Path returns the location of the JSON config file.
// STREAMRELAY_CONFIG overrides the default of settings/config.json.
func Path() string {
	if p := os.Getenv("STREAMRELAY_CONFIG"); p != "" {
		return p
	}
	return "settings/config.json"
}

// LoadEnv reads a .env file into the process environment.
// A missing file is not an error; variables already set are never overwritten.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from Path().
//   - Falls back to default config if file is missing or invalid.
//   - Applies environment overrides, then validation.
//
// Returns:
//   - *Config: fully validated configuration object
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

	configPath := Path()
	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	applyEnvOverrides(config, os.Getenv)
	validateAndSetDefaults(config)

	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Listen port: %d", config.ListenPort)
		log.Printf("  Domain: %s", obfuscateURL(config.Domain))
		log.Printf("  Request cooldown: %s", config.RequestCooldown)
		log.Printf("  Segment cache TTL: %s", config.SegmentCacheTTL)
		log.Printf("  Obfuscate URLs: %v", config.ObfuscateUrls)
	}

	return config
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
// parsing duration strings into time.Duration. Empty durations stay zero
// and are filled in by validateAndSetDefaults.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenPort:            cf.ListenPort,
		BaseURL:               cf.BaseURL,
		Domain:                cf.Domain,
		MirrorSourceURL:       cf.MirrorSourceURL,
		UserAgent:             cf.UserAgent,
		ReqOrigin:             cf.ReqOrigin,
		ReqReferrer:           cf.ReqReferrer,
		HostRequestsPerSecond: cf.HostRequestsPerSecond,
		PrefetchSegments:      cf.PrefetchSegments,
		WorkerThreads:         cf.WorkerThreads,
		MaxSearchResults:      cf.MaxSearchResults,
		FFmpegPath:            cf.FFmpegPath,
		PlayerPath:            cf.PlayerPath,
		UserDataDir:           cf.UserDataDir,
		LogLevel:              cf.LogLevel,
		Debug:                 cf.Debug,
		ObfuscateUrls:         cf.ObfuscateUrls,
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"requestCooldown", cf.RequestCooldown, &config.RequestCooldown},
		{"requestTimeout", cf.RequestTimeout, &config.RequestTimeout},
		{"reachabilityTimeout", cf.ReachabilityTimeout, &config.ReachabilityTimeout},
		{"segmentCacheTTL", cf.SegmentCacheTTL, &config.SegmentCacheTTL},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// applyEnvOverrides lets the environment (and .env) win over the file.
func applyEnvOverrides(config *Config, getenv func(string) string) {
	if v := getenv("DOMAIN"); v != "" {
		config.Domain = v
	}
	if v := getenv("USER_AGENT"); v != "" {
		config.UserAgent = v
	}
	if v := getenv("HTTP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.ListenPort = port
		} else {
			log.Printf("Ignoring invalid HTTP_SERVER_PORT %q", v)
		}
	}
	if v := getenv("FFMPEG_EXE_PATH"); v != "" {
		config.FFmpegPath = v
	}
	if v := getenv("PLAYER_PATH"); v != "" {
		config.PlayerPath = v
	}
	if v := getenv("USER_DATA"); v != "" {
		config.UserDataDir = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenPort:            5070,
		MirrorSourceURL:       "https://t.me/s/lordfilm",
		UserAgent:             defaultUserAgent,
		RequestCooldown:       MinRequestCooldown,
		HostRequestsPerSecond: 0,
		RequestTimeout:        30 * time.Second,
		ReachabilityTimeout:   3 * time.Second,
		SegmentCacheTTL:       15 * time.Minute,
		PrefetchSegments:      2,
		WorkerThreads:         4,
		MaxSearchResults:      10,
		FFmpegPath:            "ffmpeg",
		UserDataDir:           "userData",
		LogLevel:              "INFO",
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.ListenPort <= 0 || config.ListenPort > 65535 {
		config.ListenPort = 5070
	}
	if config.BaseURL == "" {
		config.BaseURL = fmt.Sprintf("http://localhost:%d", config.ListenPort)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	config.Domain = strings.TrimRight(config.Domain, "/")
	if config.MirrorSourceURL == "" {
		config.MirrorSourceURL = "https://t.me/s/lordfilm"
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if config.RequestCooldown < MinRequestCooldown {
		config.RequestCooldown = MinRequestCooldown
	}
	if config.HostRequestsPerSecond < 0 {
		config.HostRequestsPerSecond = 0
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.ReachabilityTimeout <= 0 {
		config.ReachabilityTimeout = 3 * time.Second
	}
	if config.SegmentCacheTTL <= 0 {
		config.SegmentCacheTTL = 15 * time.Minute
	}
	if config.PrefetchSegments < 0 {
		config.PrefetchSegments = 0
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}
	if config.MaxSearchResults <= 0 {
		config.MaxSearchResults = 10
	}
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.UserDataDir == "" {
		config.UserDataDir = "userData"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
}

// PlaylistURL is the address a player opens to watch the active session.
func (c *Config) PlaylistURL() string {
	return c.BaseURL + "/media.m3u8"
}

// CreateExampleConfig creates an example config file on disk.
//
// Parameters:
//   - path: file path to write example config
//
// Returns:
//   - error: if write fails
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		ListenPort:            5070,
		BaseURL:               "http://localhost:5070",
		Domain:                "https://lordfilm.example",
		MirrorSourceURL:       "https://t.me/s/lordfilm",
		UserAgent:             defaultUserAgent,
		RequestCooldown:       "500ms",
		HostRequestsPerSecond: 0,
		RequestTimeout:        "30s",
		ReachabilityTimeout:   "3s",
		SegmentCacheTTL:       "15m",
		PrefetchSegments:      2,
		WorkerThreads:         4,
		MaxSearchResults:      10,
		FFmpegPath:            "ffmpeg",
		PlayerPath:            "/usr/bin/mpv",
		UserDataDir:           "userData",
		LogLevel:              "INFO",
		ObfuscateUrls:         true,
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
