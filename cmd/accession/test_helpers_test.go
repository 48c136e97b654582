package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"accession/internal/bus"
	"accession/internal/cleanup"
	"accession/internal/config"
	"accession/internal/daemon"
	"accession/internal/executor"
	"accession/internal/jobs"
	"accession/internal/logging"
	"accession/internal/staging"
	"accession/internal/status/memstore"
	"accession/internal/supervisor"
	"accession/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	store      *memstore.Store
	daemon     *daemon.Daemon
	server     *httptest.Server
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	cfg := testsupport.NewConfig(t)

	store := memstore.New()
	b := bus.NewMemory(cfg.RedeliveryDelay())
	locations := staging.NewResolverFromConfig(cfg)
	registry, err := jobs.NewDefaultRegistry(cfg, locations)
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	logger := logging.NewNop()
	d, err := daemon.New(cfg, logger, daemon.Components{
		Store:      store,
		Bus:        b,
		Registry:   registry,
		Locations:  locations,
		Supervisor: supervisor.New(cfg, store, b, registry, cleanup.New(cfg, store, locations, logger), nil, logger),
		Executor:   executor.New(cfg, store, b, registry, locations, logger),
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	srv := httptest.NewServer(d.Handler())

	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg, srv.Listener.Addr().String())

	t.Cleanup(func() {
		srv.Close()
		d.Stop()
		_ = b.Close()
	})

	return &cliTestEnv{cfg: cfg, store: store, daemon: d, server: srv, configPath: configPath}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--user", "tester"}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config, apiBind string) {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "[paths]\nwork_dir = %q\nstate_dir = %q\nlog_dir = %q\napi_bind = %q\n\n",
		cfg.Paths.WorkDir, cfg.Paths.StateDir, cfg.Paths.LogDir, apiBind)
	b.WriteString("[store]\nbackend = \"memory\"\n\n")
	for _, loc := range cfg.Locations {
		fmt.Fprintf(&b, "[[locations]]\nid = %q\nroot = %q\nread_only = %t\n\n", loc.ID, loc.Root, loc.ReadOnly)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
