package offline0

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://app:8000/\ncache:\n  version: v1.0.0\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Server.Port != 8080 || cfg.Server.Origin != "http://app:8000" || cfg.Server.ControlPrefix != "/_offline0/" || cfg.Server.maxBodyBytes != 1<<20 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.StaticName() != "sma-static-v1.0.0" || cfg.DynamicName() != "sma-dynamic-v1.0.0" {
		t.Fatalf("names = %s %s", cfg.StaticName(), cfg.DynamicName())
	}
	if cfg.Cache.maxEntryBytes != 16<<20 {
		t.Fatalf("maxEntry = %d", cfg.Cache.maxEntryBytes)
	}
	if !reflect.DeepEqual(cfg.Cache.Seed, DefaultSeed) {
		t.Fatalf("seed = %v", cfg.Cache.Seed)
	}
	if cfg.Sync.Tag != "background-sync" || cfg.Sync.InitMessage != "INIT_QUEUE" {
		t.Fatalf("sync = %+v", cfg.Sync)
	}
	p := cfg.Presentation()
	if p.Title != "SMA Student Management" || p.DashboardPath != "/dashboard/" || !reflect.DeepEqual(p.Vibrate, []int{200, 100, 200}) {
		t.Fatalf("presentation = %+v", p)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" || cfg.Logging.logStatsEveryDur != 0 {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.CachePath() != filepath.Join("data", "cache") || cfg.QueuePath() != filepath.Join("data", "queue") {
		t.Fatalf("paths = %s %s", cfg.CachePath(), cfg.QueuePath())
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing origin", "cache:\n  version: v1\n", "server.origin"},
		{"missing version", "server:\n  origin: http://app\n", "cache.version"},
		{"same prefixes", "server:\n  origin: http://app\ncache:\n  version: v1\n  staticPrefix: x-\n  dynamicPrefix: x-\n", "must differ"},
		{"cross-origin seed", "server:\n  origin: http://app\ncache:\n  version: v1\n  seed: [\"https://cdn.test/a.js\"]\n", "cache.seed[0]"},
		{"bad duration", "server:\n  origin: http://app\ncache:\n  version: v1\nlogging:\n  logStatsEvery: soon\n", "logging.logStatsEvery"},
		{"bad yaml", "server: [", "unmarshal yaml"},
		{"bad max entry", "server:\n  origin: http://app\ncache:\n  version: v1\n  maxEntry: lots\n", "cache.maxEntry"},
		{"bad max body", "server:\n  origin: http://app\n  maxBody: huge\ncache:\n  version: v1\n", "server.maxBody"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestParseConfigEnvOverridesYAML(t *testing.T) {
	t.Setenv("OFFLINE0_ORIGIN", "http://origin.internal:9000")
	t.Setenv("OFFLINE0_CACHE_VERSION", "v2")
	t.Setenv("OFFLINE0_PORT", "9090")
	t.Setenv("OFFLINE0_LOG_LEVEL", "debug")

	cfg, err := ParseConfig([]byte("server:\n  origin: http://app\n  port: 80\ncache:\n  version: v1\nlogging:\n  logStatsEvery: 30s\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Server.Origin != "http://origin.internal:9000" || cfg.Server.Port != 9090 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Cache.Version != "v2" || cfg.Logging.Level != "debug" {
		t.Fatalf("cache=%+v logging=%+v", cfg.Cache, cfg.Logging)
	}
	if cfg.Logging.logStatsEveryDur != 30*time.Second {
		t.Fatalf("logStatsEvery = %v", cfg.Logging.logStatsEveryDur)
	}
}

func TestParseConfigBadEnv(t *testing.T) {
	t.Setenv("OFFLINE0_PORT", "eighty")
	_, err := ParseConfig([]byte("server:\n  origin: http://app\ncache:\n  version: v1\n"))
	if err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline0.yaml")
	if err := os.WriteFile(path, []byte("server:\n  origin: http://app\ncache:\n  version: v1\n  seed: [\"/\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !reflect.DeepEqual(cfg.Cache.Seed, []string{"/"}) {
		t.Fatalf("seed = %v", cfg.Cache.Seed)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadConfig of a missing file succeeded")
	}
}
