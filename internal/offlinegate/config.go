package offlinegate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port" toml:"port"`
		Origin        string `yaml:"origin" toml:"origin"`
		ControlPrefix string `yaml:"controlPrefix" toml:"controlPrefix"`
		MaxBody       string `yaml:"maxBody" toml:"maxBody"`
	} `yaml:"server" toml:"server"`

	Cache struct {
		Prefix         string   `yaml:"prefix" toml:"prefix"`
		Version        string   `yaml:"version" toml:"version"`
		Manifest       []string `yaml:"manifest" toml:"manifest"`
		OfflineRoutes  []string `yaml:"offlineRoutes" toml:"offlineRoutes"`
		CacheFirstAPIs []string `yaml:"cacheFirstAPIs" toml:"cacheFirstAPIs"`
		SafeRoute      string   `yaml:"safeRoute" toml:"safeRoute"`
	} `yaml:"cache" toml:"cache"`

	Storage struct {
		Path string `yaml:"path" toml:"path"`
		RAM  struct {
			Max string `yaml:"max" toml:"max"`
		} `yaml:"ram" toml:"ram"`
	} `yaml:"storage" toml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout" toml:"timeout"`
	} `yaml:"network" toml:"network"`

	Sync struct {
		Every      string `yaml:"every" toml:"every"`
		ProbeEvery string `yaml:"probeEvery" toml:"probeEvery"`
		ProbePath  string `yaml:"probePath" toml:"probePath"`
	} `yaml:"sync" toml:"sync"`

	Refresh struct {
		Every     string   `yaml:"every" toml:"every"`
		Endpoints []string `yaml:"endpoints" toml:"endpoints"`
	} `yaml:"refresh" toml:"refresh"`

	Notifications struct {
		Icon        string   `yaml:"icon" toml:"icon"`
		Badge       string   `yaml:"badge" toml:"badge"`
		DefaultTag  string   `yaml:"defaultTag" toml:"defaultTag"`
		DefaultURL  string   `yaml:"defaultURL" toml:"defaultURL"`
		AppOrigin   string   `yaml:"appOrigin" toml:"appOrigin"`
		OpenCommand []string `yaml:"openCommand" toml:"openCommand"`
		ShowCommand []string `yaml:"showCommand" toml:"showCommand"`
	} `yaml:"notifications" toml:"notifications"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery" toml:"logStatsEvery"`
	} `yaml:"logging" toml:"logging"`

	// compiled
	maxBodyBytes    int64
	ramMax          int64
	timeoutDur      time.Duration
	syncEveryDur    time.Duration
	probeEveryDur   time.Duration
	refreshEveryDur time.Duration
	statsEveryDur   time.Duration
}

// CacheNames holds the three namespace names of one cache version.
type CacheNames struct {
	Static  string
	Dynamic string
	Offline string
}

// AllowList returns the names activation keeps.
func (n CacheNames) AllowList() []string {
	return []string{n.Static, n.Dynamic, n.Offline}
}

func (cfg *Config) CacheNames() CacheNames {
	p, v := cfg.Cache.Prefix, cfg.Cache.Version
	return CacheNames{
		Static:  p + "-static-" + v,
		Dynamic: p + "-dynamic-" + v,
		Offline: p + "-offline-" + v,
	}
}

// DefaultConfig returns a config with every default applied and the origin
// set. Tests and embedders use it instead of a file.
func DefaultConfig(origin string) (Config, error) {
	var cfg Config
	cfg.Server.Origin = origin
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return Config{}, err
		}
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) finish() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__offlinegate"
	}
	cfg.Server.ControlPrefix = "/" + strings.Trim(cfg.Server.ControlPrefix, "/")
	if cfg.Server.MaxBody == "" {
		cfg.Server.MaxBody = "10mb"
	}
	maxBody, err := parseBytes(cfg.Server.MaxBody)
	if err != nil {
		return fmt.Errorf("server.maxBody: %w", err)
	}
	if maxBody <= 0 {
		return fmt.Errorf("server.maxBody: must be positive")
	}
	cfg.maxBodyBytes = maxBody

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "am"
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v14"
	}
	if strings.ContainsAny(cfg.Cache.Version, "\x00") || strings.ContainsAny(cfg.Cache.Prefix, "\x00") {
		return fmt.Errorf("cache.version: invalid character")
	}
	if cfg.Cache.Manifest == nil {
		cfg.Cache.Manifest = []string{
			"/manifest.json",
			"/favicon.ico",
			"/icons/icon-192x192.png",
			"/icons/icon-512x512.png",
		}
	}
	if cfg.Cache.OfflineRoutes == nil {
		cfg.Cache.OfflineRoutes = []string{"/dashboard", "/journal", "/quests", "/profile", "/offline"}
	}
	if cfg.Cache.CacheFirstAPIs == nil {
		cfg.Cache.CacheFirstAPIs = []string{"/api/user/profile", "/api/quests", "/api/achievements"}
	}
	if cfg.Cache.SafeRoute == "" {
		cfg.Cache.SafeRoute = "/dashboard"
	}
	for i, p := range cfg.Cache.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.manifest[%d]: path %q must start with /", i, p)
		}
	}
	for i, p := range cfg.Cache.CacheFirstAPIs {
		if !strings.HasPrefix(p, "/api/") {
			return fmt.Errorf("cache.cacheFirstAPIs[%d]: %q is not under /api/", i, p)
		}
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	ramMax, err := parseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	cfg.ramMax = ramMax

	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/"
	}
	if cfg.Refresh.Endpoints == nil {
		cfg.Refresh.Endpoints = []string{"/api/user/profile", "/api/journal/entries", "/api/quests"}
	}

	n := &cfg.Notifications
	if n.Icon == "" {
		n.Icon = "/icons/icon-192x192.png"
	}
	if n.Badge == "" {
		n.Badge = "/icons/badge-72x72.png"
	}
	if n.DefaultTag == "" {
		n.DefaultTag = "default"
	}
	if n.DefaultURL == "" {
		n.DefaultURL = "/dashboard"
	}
	n.AppOrigin = strings.TrimRight(n.AppOrigin, "/")
	if n.ShowCommand == nil {
		n.ShowCommand = []string{"notify-send"}
	}

	durs := []struct {
		field string
		val   string
		def   time.Duration
		out   *time.Duration
	}{
		{"network.timeout", cfg.Network.Timeout, 30 * time.Second, &cfg.timeoutDur},
		{"sync.every", cfg.Sync.Every, 5 * time.Minute, &cfg.syncEveryDur},
		{"sync.probeEvery", cfg.Sync.ProbeEvery, 15 * time.Second, &cfg.probeEveryDur},
		{"refresh.every", cfg.Refresh.Every, 15 * time.Minute, &cfg.refreshEveryDur},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, 0, &cfg.statsEveryDur},
	}
	for _, d := range durs {
		if d.val == "" {
			*d.out = d.def
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("%s: %w", d.field, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.field)
		}
		*d.out = v
	}
	return nil
}

// parseBytes accepts "512", "64k", "64kb", "1.5g" and similar.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "b")
	mult := int64(1)
	if s != "" {
		switch s[len(s)-1] {
		case 'k':
			mult = 1 << 10
		case 'm':
			mult = 1 << 20
		case 'g':
			mult = 1 << 30
		}
		if mult > 1 {
			s = strings.TrimSpace(s[:len(s)-1])
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %w", err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}
