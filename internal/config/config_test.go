package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"accession/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("ACCESSION_API_TOKEN", "secret")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantWork := filepath.Join(tempHome, ".local", "share", "accession", "work")
	if cfg.Paths.WorkDir != wantWork {
		t.Fatalf("unexpected work dir: got %q want %q", cfg.Paths.WorkDir, wantWork)
	}
	wantDB := filepath.Join(tempHome, ".local", "share", "accession", "status.db")
	if cfg.Store.SQLitePath != wantDB {
		t.Fatalf("unexpected sqlite path: got %q want %q", cfg.Store.SQLitePath, wantDB)
	}
	if cfg.Paths.APIToken != "secret" {
		t.Fatalf("expected api token from env, got %q", cfg.Paths.APIToken)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Bus.Backend != "memory" {
		t.Fatalf("unexpected backends: store=%q bus=%q", cfg.Store.Backend, cfg.Bus.Backend)
	}
	if cfg.Bus.RedisAddr != cfg.Store.RedisAddr || cfg.Bus.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("unexpected redis addrs: store=%q bus=%q", cfg.Store.RedisAddr, cfg.Bus.RedisAddr)
	}
	if cfg.JobTimeout() != 4*time.Hour {
		t.Fatalf("unexpected job timeout: %s", cfg.JobTimeout())
	}
	if cfg.LockPath() != filepath.Join(cfg.Paths.StateDir, "accessiond.lock") {
		t.Fatalf("unexpected lock path: %q", cfg.LockPath())
	}
}

func TestLoadCustomConfig(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	payload := struct {
		Paths     map[string]any              `toml:"paths"`
		Store     map[string]any              `toml:"store"`
		Pipeline  map[string]any              `toml:"pipeline"`
		Logging   map[string]any              `toml:"logging"`
		Locations []map[string]any            `toml:"locations"`
		Plans     map[string][]map[string]any `toml:"plans"`
	}{
		Paths:    map[string]any{"work_dir": "~/work", "state_dir": "~/state"},
		Store:    map[string]any{"backend": "Redis", "redis_addr": "redis:6379"},
		Pipeline: map[string]any{"workers": 2, "max_attempts": 5},
		Logging:  map[string]any{"format": "JSON", "level": "DEBUG"},
		Locations: []map[string]any{
			{"id": "staging", "root": "~/staging"},
			{"id": "archive", "root": "/srv/archive", "read_only": true},
		},
		Plans: map[string][]map[string]any{
			"BagIt": {{"job": "verify-staging"}, {"job": "write-manifest", "depends_on": []string{"verify-staging"}}},
		},
	}
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("unexpected resolution: %q exists=%v", resolved, exists)
	}
	if cfg.Paths.WorkDir != filepath.Join(tempHome, "work") {
		t.Fatalf("unexpected work dir: %q", cfg.Paths.WorkDir)
	}
	if cfg.Store.Backend != "redis" {
		t.Fatalf("expected lowercase backend, got %q", cfg.Store.Backend)
	}
	if cfg.Bus.RedisAddr != "redis:6379" {
		t.Fatalf("expected bus redis addr to inherit store addr, got %q", cfg.Bus.RedisAddr)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging: %+v", cfg.Logging)
	}
	if len(cfg.Locations) != 2 || cfg.Locations[0].Root != filepath.Join(tempHome, "staging") || !cfg.Locations[1].ReadOnly {
		t.Fatalf("unexpected locations: %+v", cfg.Locations)
	}
	steps, ok := cfg.Plans["bagit"]
	if !ok || len(steps) != 2 || steps[1].DependsOn[0] != "verify-staging" {
		t.Fatalf("unexpected plans: %+v", cfg.Plans)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"backend", func(c *config.Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"bus", func(c *config.Config) { c.Bus.Backend = "kafka" }, "bus.backend"},
		{"lock ttl", func(c *config.Config) { c.Pipeline.LockTTL = 0 }, "pipeline.lock_ttl"},
		{"heartbeat", func(c *config.Config) { c.Pipeline.HeartbeatInterval = c.Pipeline.LockTTL }, "heartbeat_interval"},
		{"location root", func(c *config.Config) { c.Locations = []config.Location{{ID: "x", Root: "relative"}} }, "absolute"},
		{"duplicate location", func(c *config.Config) {
			c.Locations = []config.Location{{ID: "x", Root: "/a"}, {ID: "x", Root: "/b"}}
		}, "duplicate"},
		{"empty plan", func(c *config.Config) { c.Plans = map[string][]config.PlanStep{"bagit": nil} }, "at least one step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Paths.WorkDir = "/tmp/work"
			cfg.Paths.StateDir = "/tmp/state"
			cfg.Store.SQLitePath = "/tmp/state/status.db"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCreateSampleLoads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config should load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if _, ok := cfg.Plans["bagit"]; !ok {
		t.Fatal("expected sample bagit plan")
	}
}
