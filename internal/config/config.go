// Package config loads engine configuration from environment variables.
// Platform definitions live in their own YAML catalog (see the platform
// package); everything here is deployment-level.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Host          string
	Port          int
	DBPath        string
	PlatformsFile string
	// PublicURL is the externally reachable base URL, used to build the
	// OAuth redirect the platforms call back to.
	PublicURL string
	CacheTTL  time.Duration
	LinkTTL   time.Duration
	// EdgeRatePerSec / EdgeBurst bound requests per client on the HTTP
	// surface.
	EdgeRatePerSec float64
	EdgeBurst      int
}

// Load loads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Host:           getEnv("HOST", "127.0.0.1"),
		Port:           getEnvInt("PORT", 8086),
		DBPath:         getEnv("VITALSYNC_DB", "vitalsync.db"),
		PlatformsFile:  getEnv("VITALSYNC_PLATFORMS", "platforms.yaml"),
		PublicURL:      strings.TrimRight(getEnv("VITALSYNC_PUBLIC_URL", ""), "/"),
		CacheTTL:       getEnvDuration("VITALSYNC_CACHE_TTL", 5*time.Minute),
		LinkTTL:        getEnvDuration("VITALSYNC_LINK_TTL", 24*time.Hour),
		EdgeRatePerSec: getEnvFloat("VITALSYNC_EDGE_RATE", 10),
		EdgeBurst:      getEnvInt("VITALSYNC_EDGE_BURST", 20),
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://" + cfg.Host + ":" + strconv.Itoa(cfg.Port)
		log.Println("WARNING: VITALSYNC_PUBLIC_URL not set. OAuth callbacks will use the listen address,")
		log.Println("WARNING: which only works when the patient's browser can reach this host directly.")
	}

	return cfg
}

// RedirectURL is the callback endpoint registered with each platform.
func (c *Config) RedirectURL() string {
	return c.PublicURL + "/connect/callback"
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
