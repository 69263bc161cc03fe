package offline0

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"offline0/internal/notify"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port" env:"OFFLINE0_PORT"`
		Origin        string `yaml:"origin" env:"OFFLINE0_ORIGIN"`
		PublicOrigin  string `yaml:"publicOrigin" env:"OFFLINE0_PUBLIC_ORIGIN"`
		ControlPrefix string `yaml:"controlPrefix"`
		MaxBody       string `yaml:"maxBody"`

		// compiled
		maxBodyBytes int64
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path" env:"OFFLINE0_STORAGE_PATH"`
	} `yaml:"storage"`

	Cache struct {
		Version       string   `yaml:"version" env:"OFFLINE0_CACHE_VERSION"`
		StaticPrefix  string   `yaml:"staticPrefix"`
		DynamicPrefix string   `yaml:"dynamicPrefix"`
		Seed          []string `yaml:"seed"`
		MaxEntry      string   `yaml:"maxEntry"`

		// compiled
		maxEntryBytes int64
	} `yaml:"cache"`

	Sync struct {
		Tag         string `yaml:"tag"`
		InitMessage string `yaml:"initMessage"`
	} `yaml:"sync"`

	Push struct {
		Title         string `yaml:"title"`
		DefaultBody   string `yaml:"defaultBody"`
		Icon          string `yaml:"icon"`
		Badge         string `yaml:"badge"`
		ActionIcon    string `yaml:"actionIcon"`
		Vibrate       []int  `yaml:"vibrate"`
		DashboardPath string `yaml:"dashboardPath"`
		RootPath      string `yaml:"rootPath"`
		Keep          int    `yaml:"keep"`
	} `yaml:"push"`

	Logging struct {
		Level         string `yaml:"level" env:"OFFLINE0_LOG_LEVEL"`
		Format        string `yaml:"format" env:"OFFLINE0_LOG_FORMAT"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		// compiled
		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// DefaultSeed is the static generation of the student management app.
var DefaultSeed = []string{
	"/",
	"/static/manifest.json",
	"/static/images/sma-logo.jpg",
	"/static/images/pwa/icon-192x192.png",
	"/static/images/pwa/icon-512x512.png",
	"/accounts/login/",
	"/dashboard/",
	"/students/",
	"/fees/",
	"/contacts/",
	"/batches/",
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies environment overrides, then defaults.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	cfg.Server.PublicOrigin = strings.TrimRight(cfg.Server.PublicOrigin, "/")

	p := cfg.Server.ControlPrefix
	if p == "" {
		p = "/_offline0/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	cfg.Server.ControlPrefix = p

	setDefault(&cfg.Server.MaxBody, "1MB")
	n, err := parseBytes(cfg.Server.MaxBody)
	if err != nil {
		return fmt.Errorf("server.maxBody: %w", err)
	}
	cfg.Server.maxBodyBytes = n

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}

	if cfg.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if cfg.Cache.StaticPrefix == "" {
		cfg.Cache.StaticPrefix = "sma-static-"
	}
	if cfg.Cache.DynamicPrefix == "" {
		cfg.Cache.DynamicPrefix = "sma-dynamic-"
	}
	if cfg.Cache.StaticPrefix == cfg.Cache.DynamicPrefix {
		return fmt.Errorf("cache.staticPrefix and cache.dynamicPrefix must differ")
	}
	if cfg.Cache.Seed == nil {
		cfg.Cache.Seed = append([]string(nil), DefaultSeed...)
	}
	for i, s := range cfg.Cache.Seed {
		if !strings.HasPrefix(s, "/") {
			return fmt.Errorf("cache.seed[%d]: %q must be a same-origin path", i, s)
		}
	}
	setDefault(&cfg.Cache.MaxEntry, "16MB")
	if cfg.Cache.maxEntryBytes, err = parseBytes(cfg.Cache.MaxEntry); err != nil {
		return fmt.Errorf("cache.maxEntry: %w", err)
	}

	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = "background-sync"
	}
	if cfg.Sync.InitMessage == "" {
		cfg.Sync.InitMessage = "INIT_QUEUE"
	}

	def := notify.DefaultPresentation()
	setDefault(&cfg.Push.Title, def.Title)
	setDefault(&cfg.Push.DefaultBody, def.DefaultBody)
	setDefault(&cfg.Push.Icon, def.Icon)
	setDefault(&cfg.Push.Badge, def.Badge)
	setDefault(&cfg.Push.ActionIcon, def.ActionIcon)
	setDefault(&cfg.Push.DashboardPath, def.DashboardPath)
	setDefault(&cfg.Push.RootPath, def.RootPath)
	if cfg.Push.Vibrate == nil {
		cfg.Push.Vibrate = def.Vibrate
	}
	if cfg.Push.Keep <= 0 {
		cfg.Push.Keep = 100
	}

	setDefault(&cfg.Logging.Level, "info")
	setDefault(&cfg.Logging.Format, "json")
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

func setDefault(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func (cfg *Config) StaticName() string { return cfg.Cache.StaticPrefix + cfg.Cache.Version }

func (cfg *Config) DynamicName() string { return cfg.Cache.DynamicPrefix + cfg.Cache.Version }

func (cfg *Config) CachePath() string { return filepath.Join(cfg.Storage.Path, "cache") }

func (cfg *Config) QueuePath() string { return filepath.Join(cfg.Storage.Path, "queue") }

func (cfg *Config) Presentation() notify.Presentation {
	return notify.Presentation{
		Title:         cfg.Push.Title,
		DefaultBody:   cfg.Push.DefaultBody,
		Icon:          cfg.Push.Icon,
		Badge:         cfg.Push.Badge,
		ActionIcon:    cfg.Push.ActionIcon,
		Vibrate:       cfg.Push.Vibrate,
		DashboardPath: cfg.Push.DashboardPath,
		RootPath:      cfg.Push.RootPath,
	}
}
