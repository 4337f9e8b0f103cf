// Package platform is the registry of wearable/health platforms the engine
// can talk to. Platforms are declared in a YAML file with environment
// overrides for credentials; Fitbit ships as a built-in default.
package platform

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// ErrUnsupported is returned for platform identifiers nobody registered.
var ErrUnsupported = errors.New("platform: unsupported platform")

const (
	defaultTimeout    = 30 * time.Second
	defaultRateWindow = time.Hour
	defaultRateLimit  = 150
)

var platformIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type fileConfig struct {
	Platforms []PlatformConfig `yaml:"platforms"`
}

// PlatformConfig is the YAML shape of one platform entry.
type PlatformConfig struct {
	ID         string   `yaml:"id"`
	Enabled    *bool    `yaml:"enabled"`
	AuthURL    string   `yaml:"auth_url"`
	TokenURL   string   `yaml:"token_url"`
	APIBaseURL string   `yaml:"api_base_url"`
	Scopes     []string `yaml:"scopes"`
	RateLimit  int      `yaml:"rate_limit"`
	RateWindow string   `yaml:"rate_window"`
	Timeout    string   `yaml:"timeout"`
}

// Info is the resolved runtime view of a platform.
type Info struct {
	ID           string        `json:"id"`
	Enabled      bool          `json:"enabled"`
	AuthURL      string        `json:"auth_url"`
	TokenURL     string        `json:"token_url"`
	APIBaseURL   string        `json:"api_base_url"`
	Scopes       []string      `json:"scopes"`
	RateLimit    int           `json:"rate_limit"`
	RateWindow   time.Duration `json:"-"`
	Timeout      time.Duration `json:"-"`
	ClientID     string        `json:"-"`
	ClientSecret string        `json:"-"`
}

var (
	stateMu      sync.RWMutex
	initialized  bool
	platformByID map[string]Info
	platformList []string
)

// builtinFitbit is the default platform when no config file overrides it.
func builtinFitbit() PlatformConfig {
	return PlatformConfig{
		ID:         "fitbit",
		AuthURL:    "https://www.fitbit.com/oauth2/authorize",
		TokenURL:   "https://api.fitbit.com/oauth2/token",
		APIBaseURL: "https://api.fitbit.com",
		Scopes:     []string{"activity", "heartrate", "sleep"},
		RateLimit:  defaultRateLimit,
		RateWindow: "1h",
	}
}

// Init loads the platform catalog from an optional YAML file and applies
// environment overrides. Missing file is not an error: built-ins apply.
func Init(configPath string) error {
	configs := []PlatformConfig{builtinFitbit()}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err == nil {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return fmt.Errorf("platform: parse %s: %w", configPath, err)
			}
			configs = mergeConfigs(configs, fc.Platforms)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("platform: read %s: %w", configPath, err)
		}
	}

	byID := make(map[string]Info)
	var list []string
	for _, pc := range configs {
		info, err := resolve(pc)
		if err != nil {
			return err
		}
		byID[info.ID] = info
		list = append(list, info.ID)
	}

	stateMu.Lock()
	defer stateMu.Unlock()
	platformByID = byID
	platformList = list
	initialized = true
	return nil
}

func mergeConfigs(base, overrides []PlatformConfig) []PlatformConfig {
	merged := make([]PlatformConfig, len(base))
	copy(merged, base)
	for _, o := range overrides {
		replaced := false
		for i, b := range merged {
			if b.ID == o.ID {
				merged[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, o)
		}
	}
	return merged
}

func resolve(pc PlatformConfig) (Info, error) {
	if !platformIDRegexp.MatchString(pc.ID) {
		return Info{}, fmt.Errorf("platform: invalid platform id %q", pc.ID)
	}

	info := Info{
		ID:         pc.ID,
		Enabled:    pc.Enabled == nil || *pc.Enabled,
		AuthURL:    pc.AuthURL,
		TokenURL:   pc.TokenURL,
		APIBaseURL: strings.TrimSuffix(pc.APIBaseURL, "/"),
		Scopes:     pc.Scopes,
		RateLimit:  pc.RateLimit,
		RateWindow: defaultRateWindow,
		Timeout:    defaultTimeout,
	}
	if info.RateLimit <= 0 {
		info.RateLimit = defaultRateLimit
	}
	if pc.RateWindow != "" {
		d, err := time.ParseDuration(pc.RateWindow)
		if err != nil {
			return Info{}, fmt.Errorf("platform: %s: invalid rate_window: %w", pc.ID, err)
		}
		info.RateWindow = d
	}
	if pc.Timeout != "" {
		d, err := time.ParseDuration(pc.Timeout)
		if err != nil {
			return Info{}, fmt.Errorf("platform: %s: invalid timeout: %w", pc.ID, err)
		}
		info.Timeout = d
	}

	// Credentials come from the environment, never the YAML file.
	envPrefix := strings.ToUpper(strings.ReplaceAll(pc.ID, "-", "_"))
	info.ClientID = os.Getenv(envPrefix + "_CLIENT_ID")
	info.ClientSecret = os.Getenv(envPrefix + "_CLIENT_SECRET")

	return info, nil
}

func ensureInitialized() {
	stateMu.RLock()
	ok := initialized
	stateMu.RUnlock()
	if ok {
		return
	}
	_ = Init("")
}

// ResetForTest resets in-memory state so tests can force reload.
func ResetForTest() {
	stateMu.Lock()
	defer stateMu.Unlock()
	initialized = false
	platformByID = nil
	platformList = nil
}

// Get returns the resolved platform info for an identifier.
func Get(id string) (Info, error) {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()
	info, ok := platformByID[id]
	if !ok || !info.Enabled {
		return Info{}, fmt.Errorf("%w: %q", ErrUnsupported, id)
	}
	return info, nil
}

// All returns every enabled platform in declaration order.
func All() []Info {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()
	result := make([]Info, 0, len(platformList))
	for _, id := range platformList {
		if info, ok := platformByID[id]; ok && info.Enabled {
			result = append(result, info)
		}
	}
	return result
}

// OAuthConfig builds the oauth2 client config for a platform.
func OAuthConfig(id, redirectURL string) (*oauth2.Config, error) {
	info, err := Get(id)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     info.ClientID,
		ClientSecret: info.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       info.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  info.AuthURL,
			TokenURL: info.TokenURL,
		},
	}, nil
}
