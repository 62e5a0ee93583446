package shell

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCachePrefix = "pwashell-cache"
	DefaultAppRoot     = "/app"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
		// PublicURL is where browsers reach this shell. Relative window
		// URLs are resolved against it.
		PublicURL string `yaml:"publicURL"`
	} `yaml:"server"`

	Storage struct {
		Dir string `yaml:"dir"`
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Cache struct {
		Prefix   string   `yaml:"prefix"`
		Version  string   `yaml:"version"`
		Seed     []string `yaml:"seed"`
		Fallback string   `yaml:"fallback"`
		Sitemaps []string `yaml:"sitemaps"`
	} `yaml:"cache"`

	Push struct {
		VAPID struct {
			PublicKey  string `yaml:"publicKey"`
			PrivateKey string `yaml:"privateKey"`
		} `yaml:"vapid"`
		Subject      string `yaml:"subject"`
		DefaultTitle string `yaml:"defaultTitle"`
		Icon         string `yaml:"icon"`
		TTL          int    `yaml:"ttl"`
		RegisterRate int    `yaml:"registerRate"`
	} `yaml:"push"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Auth struct {
		UserHeader string `yaml:"userHeader"`
		// ShellToken guards the internal /shell endpoints. Empty disables the check.
		ShellToken string `yaml:"shellToken"`
	} `yaml:"auth"`

	Clients struct {
		OpenCommand    []string `yaml:"openCommand"`
		OriginPatterns []string `yaml:"originPatterns"`
		TrayTTL        string   `yaml:"trayTTL"`
	} `yaml:"clients"`

	Manifest Manifest `yaml:"manifest"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"statsEvery"`
		logStatsEvery time.Duration
	} `yaml:"logging"`

	// compiled
	ramMax  int64
	trayTTL time.Duration
}

type ManifestIcon struct {
	Src   string `yaml:"src" json:"src"`
	Sizes string `yaml:"sizes" json:"sizes"`
	Type  string `yaml:"type" json:"type,omitempty"`
}

type Manifest struct {
	Name            string         `yaml:"name" json:"name"`
	ShortName       string         `yaml:"shortName" json:"short_name"`
	StartURL        string         `yaml:"startURL" json:"start_url"`
	Scope           string         `yaml:"scope" json:"scope"`
	Display         string         `yaml:"display" json:"display"`
	ThemeColor      string         `yaml:"themeColor" json:"theme_color"`
	BackgroundColor string         `yaml:"backgroundColor" json:"background_color"`
	Icons           []ManifestIcon `yaml:"icons" json:"icons,omitempty"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig applies defaults and environment overrides to a YAML document
// and validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")

	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64m"
	}
	ramMax, err := parseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return Config{}, fmt.Errorf("storage.ram.max: %w", err)
	}
	cfg.ramMax = ramMax

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = DefaultCachePrefix
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if strings.ContainsAny(cfg.Cache.Version, " /") {
		return Config{}, fmt.Errorf("cache.version: invalid %q", cfg.Cache.Version)
	}
	if len(cfg.Cache.Seed) == 0 {
		cfg.Cache.Seed = []string{DefaultAppRoot}
	}
	for i, s := range cfg.Cache.Seed {
		if !strings.HasPrefix(s, "/") {
			return Config{}, fmt.Errorf("cache.seed[%d]: %q is not an absolute path", i, s)
		}
	}
	if cfg.Cache.Fallback == "" {
		cfg.Cache.Fallback = DefaultAppRoot
	}

	if v := os.Getenv("PWASHELL_VAPID_PUBLIC_KEY"); v != "" {
		cfg.Push.VAPID.PublicKey = v
	}
	if v := os.Getenv("PWASHELL_VAPID_PRIVATE_KEY"); v != "" {
		cfg.Push.VAPID.PrivateKey = v
	}
	if (cfg.Push.VAPID.PublicKey == "") != (cfg.Push.VAPID.PrivateKey == "") {
		return Config{}, fmt.Errorf("push.vapid: publicKey and privateKey must be set together")
	}
	if cfg.Push.TTL < 0 {
		return Config{}, fmt.Errorf("push.ttl: negative")
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Auth.UserHeader == "" {
		cfg.Auth.UserHeader = "X-Remote-User"
	}

	if cfg.Clients.TrayTTL != "" {
		d, err := time.ParseDuration(cfg.Clients.TrayTTL)
		if err != nil {
			return Config{}, fmt.Errorf("clients.trayTTL: %w", err)
		}
		cfg.trayTTL = d
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return Config{}, fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.logStatsEvery = d
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	m := &cfg.Manifest
	if m.Name == "" {
		m.Name = "pwashell"
	}
	if m.ShortName == "" {
		m.ShortName = m.Name
	}
	if m.StartURL == "" {
		m.StartURL = DefaultAppRoot
	}
	if m.Scope == "" {
		m.Scope = "/"
	}
	if m.Display == "" {
		m.Display = "standalone"
	}
	if m.ThemeColor == "" {
		m.ThemeColor = "#f97316"
	}
	if m.BackgroundColor == "" {
		m.BackgroundColor = "#ffffff"
	}

	return cfg, nil
}

// CacheName is the version-tagged store name of this deployment.
func (c Config) CacheName() string {
	return c.Cache.Prefix + "-" + c.Cache.Version
}

func (c Config) RAMMax() int64 { return c.ramMax }

func (c Config) StatsEvery() time.Duration { return c.Logging.logStatsEvery }
