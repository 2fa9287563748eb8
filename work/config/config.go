package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the AxionTV backend.
// It covers the HTTP surface, local persistence, catalog refresh behavior and
// outbound request defaults used when talking to registered IPTV servers.
type Config struct {
	ListenAddr            string        `json:"listenAddr"`            // Address the HTTP server binds to (e.g. ":8080")
	BaseURL               string        `json:"baseURL"`               // Base URL used when generating playlist links
	DatabasePath          string        `json:"databasePath"`          // Path to the SQLite file backing the key-value store
	UserAgent             string        `json:"userAgent"`             // HTTP User-Agent header for upstream requests
	ReqOrigin             string        `json:"reqOrigin"`             // HTTP Origin header for upstream requests
	ReqReferrer           string        `json:"reqReferrer"`           // HTTP Referer header for upstream requests
	CacheEnabled          bool          `json:"cacheEnabled"`          // Whether generated playlists and EPG data are cached
	CacheDuration         time.Duration `json:"cacheDuration"`         // Duration before cache entries expire
	ImportRefreshInterval time.Duration `json:"importRefreshInterval"` // Interval for refreshing the catalog from the active server
	WorkerThreads         int           `json:"workerThreads"`         // Number of worker threads for catalog imports
	StreamTimeout         time.Duration `json:"streamTimeout"`         // Bound on any single upstream request (auth, listing, EPG)
	Debug                 bool          `json:"debug"`                 // Enable debug logging
	ObfuscateUrls         bool          `json:"obfuscateUrls"`         // Obfuscate server URLs in logs
	SortField             string        `json:"sortField"`             // Catalog sort field ("name" or "category")
	SortDirection         string        `json:"sortDirection"`         // Sort direction: "asc" or "desc"
	LogLevel              string        `json:"logLevel"`              // Log threshold: DEBUG, INFO, WARN, ERROR
	EPGURL                string        `json:"epgUrl"`                // Optional XMLTV URL for M3U servers without their own guide
	IncludeRegex          string        `json:"includeRegex,omitempty"` // Only import entries whose name matches
	ExcludeRegex          string        `json:"excludeRegex,omitempty"` // Never import entries whose name matches
}

// ConfigFile mirrors Config for JSON files on disk. Duration fields are kept
// as strings (e.g. "30m") and parsed during load.
type ConfigFile struct {
	ListenAddr            string `json:"listenAddr"`
	BaseURL               string `json:"baseURL"`
	DatabasePath          string `json:"databasePath"`
	UserAgent             string `json:"userAgent"`
	ReqOrigin             string `json:"reqOrigin"`
	ReqReferrer           string `json:"reqReferrer"`
	CacheEnabled          bool   `json:"cacheEnabled"`
	CacheDuration         string `json:"cacheDuration"`         // Duration as string (e.g. "30m")
	ImportRefreshInterval string `json:"importRefreshInterval"` // Duration as string (e.g. "12h")
	WorkerThreads         int    `json:"workerThreads"`
	StreamTimeout         string `json:"streamTimeout"` // Duration as string (e.g. "10s")
	Debug                 bool   `json:"debug"`
	ObfuscateUrls         bool   `json:"obfuscateUrls"`
	SortField             string `json:"sortField"`
	SortDirection         string `json:"sortDirection"`
	LogLevel              string `json:"logLevel"`
	EPGURL                string `json:"epgUrl"`
	IncludeRegex          string `json:"includeRegex,omitempty"`
	ExcludeRegex          string `json:"excludeRegex,omitempty"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from the given file or returns the
// cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Falls back to default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig(path string) *Config {
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

	cfg, err := loadFromFile(path)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", path, err)
		log.Printf("Falling back to default configuration...")
		cfg = GetDefaultConfig()
	}

	validate(cfg)

	configCache = cfg
	return configCache
}

// ClearConfigCache drops the cached configuration so the next LoadConfig
// re-reads the file. Used by the graceful-restart path.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses a JSON configuration file
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		ListenAddr:    file.ListenAddr,
		BaseURL:       file.BaseURL,
		DatabasePath:  file.DatabasePath,
		UserAgent:     file.UserAgent,
		ReqOrigin:     file.ReqOrigin,
		ReqReferrer:   file.ReqReferrer,
		CacheEnabled:  file.CacheEnabled,
		WorkerThreads: file.WorkerThreads,
		Debug:         file.Debug,
		ObfuscateUrls: file.ObfuscateUrls,
		SortField:     file.SortField,
		SortDirection: file.SortDirection,
		LogLevel:      file.LogLevel,
		EPGURL:        file.EPGURL,
		IncludeRegex:  file.IncludeRegex,
		ExcludeRegex:  file.ExcludeRegex,
	}

	// Parse duration strings; invalid values fall through to validate()
	if file.CacheDuration != "" {
		cfg.CacheDuration, err = time.ParseDuration(file.CacheDuration)
		if err != nil {
			return nil, fmt.Errorf("parse cacheDuration: %w", err)
		}
	}
	if file.ImportRefreshInterval != "" {
		cfg.ImportRefreshInterval, err = time.ParseDuration(file.ImportRefreshInterval)
		if err != nil {
			return nil, fmt.Errorf("parse importRefreshInterval: %w", err)
		}
	}
	if file.StreamTimeout != "" {
		cfg.StreamTimeout, err = time.ParseDuration(file.StreamTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse streamTimeout: %w", err)
		}
	}

	return cfg, nil
}

// GetDefaultConfig returns a configuration populated with safe defaults.
func GetDefaultConfig() *Config {
	return &Config{
		ListenAddr:            ":8080",
		BaseURL:               "http://localhost:8080",
		DatabasePath:          "/data/axiontv.db",
		UserAgent:             "AxionTV/1.0",
		CacheEnabled:          true,
		CacheDuration:         30 * time.Minute,
		ImportRefreshInterval: 12 * time.Hour,
		WorkerThreads:         8,
		StreamTimeout:         10 * time.Second,
		Debug:                 false,
		ObfuscateUrls:         true,
		SortField:             "name",
		SortDirection:         "asc",
		LogLevel:              "INFO",
	}
}

// validate fills in safe defaults for any missing or out-of-range values
func validate(cfg *Config) {
	def := GetDefaultConfig()

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = def.CacheDuration
	}
	if cfg.ImportRefreshInterval <= 0 {
		cfg.ImportRefreshInterval = def.ImportRefreshInterval
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = def.WorkerThreads
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = def.StreamTimeout
	}
	if cfg.SortField != "name" && cfg.SortField != "category" {
		cfg.SortField = def.SortField
	}
	if cfg.SortDirection != "asc" && cfg.SortDirection != "desc" {
		cfg.SortDirection = def.SortDirection
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
}
