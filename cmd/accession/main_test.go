package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"accession/internal/api"
	"accession/internal/status"
	"accession/internal/testsupport"
)

func TestCLIRegisterRunsDepositToFinished(t *testing.T) {
	env := setupCLITestEnv(t)
	staged := testsupport.StageFiles(t, env.cfg, testsupport.ReadOnlyLocation, "batch/a.txt", "batch/b.txt")

	args := append([]string{"deposit", "register", "--id", "dep-cli", "--depositor", "alice", "--priority", "high"}, staged...)
	out, _, err := runCLI(t, args, env.configPath)
	if err != nil {
		t.Fatalf("deposit register: %v", err)
	}
	requireContains(t, out, "Deposit dep-cli registered (2 files)")

	testsupport.WaitFor(t, 5*time.Second, "deposit finished", func() bool {
		return testsupport.PolledState(env.store, "dep-cli") == status.StateFinished
	})

	out, _, err = runCLI(t, []string{"deposit", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("deposit list: %v", err)
	}
	requireContains(t, out, "dep-cli")
	requireContains(t, out, "finished")

	out, _, err = runCLI(t, []string{"deposit", "show", "dep-cli"}, env.configPath)
	if err != nil {
		t.Fatalf("deposit show: %v", err)
	}
	requireContains(t, out, "Write Manifest")
	requireContains(t, out, "Ingested:")
	requireContains(t, out, "Submitted by:  tester")

	out, _, err = runCLI(t, []string{"--json", "deposit", "show", "dep-cli"}, env.configPath)
	if err != nil {
		t.Fatalf("deposit show --json: %v", err)
	}
	var deposit api.Deposit
	if err := json.Unmarshal([]byte(out), &deposit); err != nil {
		t.Fatalf("decode deposit: %v", err)
	}
	if deposit.IngestedObjects != 2 || deposit.Priority != "high" {
		t.Fatalf("unexpected deposit: %+v", deposit)
	}
}

func TestCLIDepositListFiltersByState(t *testing.T) {
	env := setupCLITestEnv(t)
	testsupport.NewDeposit(t, env.store, "held", nil)

	out, _, err := runCLI(t, []string{"deposit", "list", "--state", "finished"}, env.configPath)
	if err != nil {
		t.Fatalf("deposit list: %v", err)
	}
	requireContains(t, out, "No deposits")

	out, _, err = runCLI(t, []string{"deposit", "list", "--state", "unregistered"}, env.configPath)
	if err != nil {
		t.Fatalf("deposit list: %v", err)
	}
	requireContains(t, out, "held")
}

func TestCLIDepositActionUnknownDeposit(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"deposit", "pause", "missing"}, env.configPath)
	if err == nil {
		t.Fatal("expected error for unknown deposit")
	}
	requireContains(t, out, "Deposit missing not found")

	if _, _, err := runCLI(t, []string{"deposit", "show", "missing"}, env.configPath); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("show error = %v, want not found", err)
	}
}

func TestCLIPauseAndCancel(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()
	if _, _, err := runCLI(t, []string{"pipeline", "quiet"}, env.configPath); err != nil {
		t.Fatalf("pipeline quiet: %v", err)
	}
	testsupport.WaitFor(t, 5*time.Second, "pipeline quieted", func() bool {
		p, err := env.store.Pipeline(ctx)
		return err == nil && p.State() == status.PipelineQuieted
	})
	testsupport.NewDeposit(t, env.store, "dep", nil)
	if _, err := status.Transition(ctx, env.store, "dep", status.StateQueued); err != nil {
		t.Fatalf("queue deposit: %v", err)
	}

	out, _, err := runCLI(t, []string{"deposit", "pause", "dep"}, env.configPath)
	if err != nil {
		t.Fatalf("deposit pause: %v", err)
	}
	requireContains(t, out, "Deposit dep: pause requested")
	testsupport.WaitFor(t, 5*time.Second, "deposit paused", func() bool {
		return testsupport.PolledState(env.store, "dep") == status.StatePaused
	})

	if _, _, err := runCLI(t, []string{"deposit", "cancel", "dep"}, env.configPath); err != nil {
		t.Fatalf("deposit cancel: %v", err)
	}
	testsupport.WaitFor(t, 5*time.Second, "deposit cancelled", func() bool {
		return testsupport.PolledState(env.store, "dep") == status.StateCancelled
	})
}

func TestCLIPipelineQuietAndStatus(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	out, _, err := runCLI(t, []string{"pipeline", "quiet"}, env.configPath)
	if err != nil {
		t.Fatalf("pipeline quiet: %v", err)
	}
	requireContains(t, out, "Quiet requested")
	testsupport.WaitFor(t, 5*time.Second, "pipeline quieted", func() bool {
		p, err := env.store.Pipeline(ctx)
		return err == nil && p.State() == status.PipelineQuieted
	})

	out, _, err = runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "== Daemon ==")
	requireContains(t, out, "quieted (last action: quiet)")
	requireContains(t, out, "by tester")

	out, _, err = runCLI(t, []string{"--json", "status"}, env.configPath)
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var st api.DaemonStatus
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Running || st.Pipeline.State != "quieted" {
		t.Fatalf("unexpected status: %+v", st)
	}

	if _, _, err := runCLI(t, []string{"pipeline", "unquiet"}, env.configPath); err != nil {
		t.Fatalf("pipeline unquiet: %v", err)
	}
	testsupport.WaitFor(t, 5*time.Second, "pipeline active", func() bool {
		p, err := env.store.Pipeline(ctx)
		return err == nil && p.State() == status.PipelineActive
	})
}

func TestCLIStatusWithoutDaemonRunsPreflight(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"--api", "127.0.0.1:1", "status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "not reachable")
	requireContains(t, out, "== Preflight ==")
	requireContains(t, out, "Location "+testsupport.ReadOnlyLocation)
}

func TestConfigInitValidateShow(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	out, _, err = runCLI(t, []string{"config", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, env.cfg.Paths.WorkDir)

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected init to refuse overwriting an existing file")
	}
}

func TestStagedRefs(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	refs, err := stagedRefs([]string{"a.txt", " ", "file:///data/b.txt"})
	if err != nil {
		t.Fatalf("stagedRefs: %v", err)
	}
	want := []string{filepath.Join(dir, "a.txt"), "file:///data/b.txt"}
	if len(refs) != len(want) || refs[0] != want[0] || refs[1] != want[1] {
		t.Fatalf("refs = %v, want %v", refs, want)
	}
}

func TestCLILogsFiltersByDeposit(t *testing.T) {
	env := setupCLITestEnv(t)
	path := filepath.Join(env.cfg.Paths.LogDir, "accessiond.log")
	content := "INFO deposit admitted deposit_id=a1\nINFO deposit admitted deposit_id=b2\nINFO deposit finished deposit_id=a1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, []string{"logs", "--deposit", "a1"}, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "deposit finished deposit_id=a1")
	if strings.Contains(out, "b2") {
		t.Fatalf("unexpected line for another deposit: %q", out)
	}
}

func TestCLIStopWhenDaemonUnreachable(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"--api", "127.0.0.1:1", "stop"}, env.configPath)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "Daemon is not running")
}

func TestCLIStartWhenAlreadyRunning(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"start"}, env.configPath)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	requireContains(t, out, "Daemon already running")
}
