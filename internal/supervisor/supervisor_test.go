package supervisor_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"accession/internal/cleanup"
	"accession/internal/config"
	"accession/internal/jobs"
	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/staging"
	"accession/internal/status"
	"accession/internal/status/memstore"
	"accession/internal/supervisor"
	"accession/internal/testsupport"
)

type nopJob struct{}

func (nopJob) Execute(context.Context, *jobs.Context) error { return nil }
func (nopJob) HealthCheck(context.Context) jobs.Health      { return jobs.Healthy("nop") }

type harness struct {
	cfg   *config.Config
	store *memstore.Store
	bus   *testsupport.RecordingBus
	sup   *supervisor.Supervisor
}

func newHarness(t *testing.T, opts ...memstore.Option) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithPipeline(func(p *config.Pipeline) {
		p.PollIntervalMS = 3_600_000
	}))
	registry := jobs.NewRegistry()
	for _, name := range []string{"a", "b"} {
		if err := registry.Register(name, func() jobs.Job { return nopJob{} }); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	if err := registry.SetPlan(jobs.DefaultPackaging, []jobs.Step{{Name: "a"}, {Name: "b"}}); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	h := &harness{cfg: cfg, store: memstore.New(opts...), bus: testsupport.NewRecordingBus()}
	locations := staging.NewResolverFromConfig(cfg)
	cleaner := cleanup.New(cfg, h.store, locations, logging.NewNop())
	h.sup = supervisor.New(cfg, h.store, h.bus, registry, cleaner, nil, logging.NewNop())
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.sup.Stop)
}

func (h *harness) operate(t *testing.T, msg messages.Operation) {
	t.Helper()
	if err := h.sup.HandleDepositOperation(context.Background(), msg); err != nil {
		t.Fatalf("HandleDepositOperation %s: %v", msg.Action, err)
	}
}

func (h *harness) pipeline(t *testing.T, action messages.PipelineAction) {
	t.Helper()
	if err := h.sup.HandlePipelineAction(context.Background(), messages.Pipeline{Action: action, Username: "ops"}); err != nil {
		t.Fatalf("HandlePipelineAction %s: %v", action, err)
	}
}

func (h *harness) register(t *testing.T, id string, body map[string]string) {
	t.Helper()
	h.operate(t, messages.Operation{Action: messages.ActionRegister, DepositID: id, Username: "alice", Body: body})
}

// work marks the step's job working the way an executor claim would.
func (h *harness) work(t *testing.T, depositID, step string) string {
	t.Helper()
	jobID := jobs.JobID(depositID, step)
	ok, err := status.TransitionJob(context.Background(), h.store, depositID, jobID, status.JobWorking, status.JobQueued, status.JobKilled)
	if err != nil || !ok {
		t.Fatalf("claim %s/%s: ok=%v err=%v", depositID, step, ok, err)
	}
	return jobID
}

func (h *harness) outcome(t *testing.T, depositID, jobID string, action messages.OperationAction, reason string) {
	t.Helper()
	msg := messages.Operation{Action: action, DepositID: depositID, JobID: jobID}
	if reason != "" {
		msg.Body = map[string]string{messages.BodyError: reason}
	}
	h.operate(t, msg)
}

func (h *harness) pipelineState(t *testing.T) status.PipelineFields {
	t.Helper()
	p, err := h.store.Pipeline(context.Background())
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	return p
}

func jobSteps(msgs []messages.Job) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.DepositID+"/"+m.JobClassName)
	}
	return out
}

func TestRegisterQueuesAdmitsAndDispatches(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	body := map[string]string{
		string(status.FieldDepositor):    "bob",
		string(status.FieldPriority):     "high",
		messages.BodyStagedFiles:         "/tmp/one\n\n/tmp/two\n",
		string(status.FieldErrorMessage): "ignored",
	}
	h.register(t, "dep", body)
	h.register(t, "dep", body)

	if got := testsupport.DepositState(t, h.store, "dep"); got != status.StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	fields, err := h.store.Deposit(context.Background(), "dep")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if fields[status.FieldDepositor] != "bob" || fields.Priority() != status.PriorityHigh {
		t.Fatalf("unexpected registration fields: %v", fields)
	}
	if fields[status.FieldErrorMessage] != "" {
		t.Fatalf("protected field written from body: %q", fields[status.FieldErrorMessage])
	}
	if fields[status.FieldSubmitTime] == "" || fields[status.FieldStartTime] == "" {
		t.Fatalf("expected submit and start times, got %v", fields)
	}
	staged, err := h.store.Paths(context.Background(), "dep", status.PathsStaged)
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	if len(staged) != 2 {
		t.Fatalf("staged = %v, want 2 entries", staged)
	}

	sent := h.bus.Jobs(t)
	if len(sent) != 1 {
		t.Fatalf("expected one job message for a duplicate REGISTER, got %v", jobSteps(sent))
	}
	if sent[0].JobClassName != "a" || sent[0].JobID != jobs.JobID("dep", "a") || sent[0].Username != "alice" {
		t.Fatalf("unexpected job message: %+v", sent[0])
	}
}

func TestJobSuccessAdvancesPlanAndFinishes(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	staged := testsupport.StageFiles(t, h.cfg, testsupport.StagingLocation, "batch/file.txt")
	h.register(t, "dep", map[string]string{messages.BodyStagedFiles: staged[0]})

	jobA := h.work(t, "dep", "a")
	h.outcome(t, "dep", jobA, messages.ActionJobSuccess, "")
	h.outcome(t, "dep", jobA, messages.ActionJobSuccess, "")

	if got := jobSteps(h.bus.Jobs(t)); strings.Join(got, ",") != "dep/a,dep/b" {
		t.Fatalf("dispatched = %v, want [dep/a dep/b]", got)
	}

	jobB := h.work(t, "dep", "b")
	h.outcome(t, "dep", jobB, messages.ActionJobSuccess, "")

	fields, err := h.store.Deposit(context.Background(), "dep")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if fields.State() != status.StateFinished {
		t.Fatalf("state = %s, want finished", fields.State())
	}
	if fields[status.FieldEndTime] == "" {
		t.Fatal("expected end time")
	}
	if fields[status.FieldCleanup] != status.CleanupCompleted {
		t.Fatalf("cleanup marker = %q", fields[status.FieldCleanup])
	}
	if testsupport.Exists(staged[0]) {
		t.Fatal("staged file survived cleanup")
	}
	if len(h.bus.Jobs(t)) != 2 {
		t.Fatal("finish must not dispatch more jobs")
	}
}

func TestJobFailureFailsDeposit(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.register(t, "dep", nil)

	jobA := h.work(t, "dep", "a")
	h.outcome(t, "dep", jobA, messages.ActionJobFailure, "checksum mismatch")

	fields, err := h.store.Deposit(context.Background(), "dep")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if fields.State() != status.StateFailed {
		t.Fatalf("state = %s, want failed", fields.State())
	}
	if fields[status.FieldErrorMessage] != "checksum mismatch" {
		t.Fatalf("errorMessage = %q", fields[status.FieldErrorMessage])
	}
	job, err := h.store.Job(context.Background(), "dep", jobA)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Status() != status.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status())
	}
	if fields[status.FieldCleanup] != status.CleanupCompleted {
		t.Fatalf("cleanup marker = %q", fields[status.FieldCleanup])
	}
}

func TestQuietDrainsWorkingJobsThenUnquietResumes(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.register(t, "one", nil)
	h.register(t, "two", nil)
	jobOne := h.work(t, "one", "a")
	jobTwo := h.work(t, "two", "a")
	h.bus.Reset()

	h.pipeline(t, messages.PipelineQuiet)
	p := h.pipelineState(t)
	if p.State() != status.PipelineActive || p.Action() != status.ActionQuiet {
		t.Fatalf("pipeline = %v, want active/quiet while jobs work", p)
	}

	h.outcome(t, "one", jobOne, messages.ActionJobSuccess, "")
	if got := testsupport.DepositState(t, h.store, "one"); got != status.StateQuieted {
		t.Fatalf("one = %s, want quieted", got)
	}
	if got := h.pipelineState(t).State(); got != status.PipelineActive {
		t.Fatalf("pipeline quieted with a job still working: %s", got)
	}

	h.outcome(t, "two", jobTwo, messages.ActionJobSuccess, "")
	p = h.pipelineState(t)
	if p.State() != status.PipelineQuieted {
		t.Fatalf("pipeline = %s, want quieted", p.State())
	}
	if p[status.PipelineFieldUpdatedBy] != "ops" {
		t.Fatalf("updatedBy = %q", p[status.PipelineFieldUpdatedBy])
	}
	if sent := h.bus.Jobs(t); len(sent) != 0 {
		t.Fatalf("jobs dispatched while draining: %v", jobSteps(sent))
	}

	h.pipeline(t, messages.PipelineQuiet)
	if got := h.pipelineState(t).State(); got != status.PipelineQuieted {
		t.Fatalf("repeated QUIET changed state to %s", got)
	}

	h.pipeline(t, messages.PipelineUnquiet)
	if got := h.pipelineState(t).State(); got != status.PipelineActive {
		t.Fatalf("pipeline = %s, want active", got)
	}
	for _, id := range []string{"one", "two"} {
		if got := testsupport.DepositState(t, h.store, id); got != status.StateRunning {
			t.Fatalf("%s = %s, want running", id, got)
		}
	}
	if got := jobSteps(h.bus.Jobs(t)); len(got) != 2 || got[0] == got[1] || !strings.HasSuffix(got[0], "/b") || !strings.HasSuffix(got[1], "/b") {
		t.Fatalf("dispatched after unquiet = %v, want b for both deposits", got)
	}
}

func TestStopLetsLastJobFinishDeposit(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.register(t, "dep", nil)
	jobA := h.work(t, "dep", "a")
	h.outcome(t, "dep", jobA, messages.ActionJobSuccess, "")
	jobB := h.work(t, "dep", "b")
	h.bus.Reset()

	h.pipeline(t, messages.PipelineStop)
	if p := h.pipelineState(t); p.State() != status.PipelineActive || p.Action() != status.ActionStop {
		t.Fatalf("pipeline = %v, want active/stop while b works", p)
	}

	h.outcome(t, "dep", jobB, messages.ActionJobSuccess, "")
	fields, err := h.store.Deposit(context.Background(), "dep")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if fields.State() != status.StateFinished {
		t.Fatalf("state = %s, want finished", fields.State())
	}
	if fields[status.FieldCleanup] != status.CleanupCompleted {
		t.Fatalf("cleanup marker = %q", fields[status.FieldCleanup])
	}
	if got := h.pipelineState(t).State(); got != status.PipelineStopped {
		t.Fatalf("pipeline = %s, want stopped", got)
	}
	if sent := h.bus.Jobs(t); len(sent) != 0 {
		t.Fatalf("jobs dispatched after stop: %v", jobSteps(sent))
	}
}

func TestQuietStillFailsDepositOnJobFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.register(t, "dep", nil)
	jobA := h.work(t, "dep", "a")

	h.pipeline(t, messages.PipelineQuiet)
	h.outcome(t, "dep", jobA, messages.ActionJobFailure, "bad package")

	fields, err := h.store.Deposit(context.Background(), "dep")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if fields.State() != status.StateFailed {
		t.Fatalf("state = %s, want failed", fields.State())
	}
	if fields[status.FieldErrorMessage] != "bad package" {
		t.Fatalf("errorMessage = %q", fields[status.FieldErrorMessage])
	}
	if got := h.pipelineState(t).State(); got != status.PipelineQuieted {
		t.Fatalf("pipeline = %s, want quieted", got)
	}
}

func TestStopFromQuietedRecordsStopped(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.pipeline(t, messages.PipelineQuiet)
	if got := h.pipelineState(t).State(); got != status.PipelineQuieted {
		t.Fatalf("idle pipeline = %s, want quieted at once", got)
	}
	h.pipeline(t, messages.PipelineStop)
	if got := h.pipelineState(t).State(); got != status.PipelineStopped {
		t.Fatalf("pipeline = %s, want stopped", got)
	}
	h.pipeline(t, messages.PipelineUnquiet)
	if got := h.pipelineState(t).State(); got != status.PipelineStopped {
		t.Fatalf("UNQUIET left stopped pipeline in %s", got)
	}
}

func TestRegisterWhileQuietedStaysQueued(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.pipeline(t, messages.PipelineQuiet)

	h.register(t, "dep", nil)
	if got := testsupport.DepositState(t, h.store, "dep"); got != status.StateQueued {
		t.Fatalf("state = %s, want queued", got)
	}
	if sent := h.bus.Jobs(t); len(sent) != 0 {
		t.Fatalf("dispatched while quieted: %v", jobSteps(sent))
	}

	h.pipeline(t, messages.PipelineUnquiet)
	if got := testsupport.DepositState(t, h.store, "dep"); got != status.StateRunning {
		t.Fatalf("state = %s, want running after unquiet", got)
	}
}

func TestPauseHoldsPlanUntilResume(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.register(t, "dep", nil)
	jobA := h.work(t, "dep", "a")

	h.operate(t, messages.Operation{Action: messages.ActionPause, DepositID: "dep"})
	h.outcome(t, "dep", jobA, messages.ActionJobSuccess, "")
	if got := testsupport.DepositState(t, h.store, "dep"); got != status.StatePaused {
		t.Fatalf("state = %s, want paused", got)
	}
	if got := jobSteps(h.bus.Jobs(t)); len(got) != 1 {
		t.Fatalf("dispatched while paused: %v", got)
	}

	h.operate(t, messages.Operation{Action: messages.ActionResume, DepositID: "dep"})
	if got := testsupport.DepositState(t, h.store, "dep"); got != status.StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	if got := jobSteps(h.bus.Jobs(t)); strings.Join(got, ",") != "dep/a,dep/b" {
		t.Fatalf("dispatched = %v", got)
	}

	h.operate(t, messages.Operation{Action: messages.ActionResume, DepositID: "dep"})
	if got := len(h.bus.Jobs(t)); got != 2 {
		t.Fatalf("RESUME of a running deposit dispatched again: %d messages", got)
	}
}

func TestCancelDefersCleanupUntilJobStops(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	staged := testsupport.StageFiles(t, h.cfg, testsupport.StagingLocation, "c/file.txt")
	h.register(t, "dep", map[string]string{messages.BodyStagedFiles: staged[0]})
	jobA := h.work(t, "dep", "a")

	h.operate(t, messages.Operation{Action: messages.ActionCancel, DepositID: "dep"})
	if got := testsupport.DepositState(t, h.store, "dep"); got != status.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got)
	}
	if !testsupport.Exists(staged[0]) {
		t.Fatal("cleanup ran while a job was working")
	}

	h.outcome(t, "dep", jobA, messages.ActionJobInterrupted, "")
	if testsupport.Exists(staged[0]) {
		t.Fatal("cleanup did not run after the job stopped")
	}
	if got := len(h.bus.Jobs(t)); got != 1 {
		t.Fatalf("cancelled deposit dispatched more jobs: %d", got)
	}
}

func TestDestroyCleansUpRunningDepositImmediately(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	staged := testsupport.StageFiles(t, h.cfg, testsupport.StagingLocation, "d/file.txt")
	h.register(t, "dep", map[string]string{messages.BodyStagedFiles: staged[0]})
	h.work(t, "dep", "a")

	h.operate(t, messages.Operation{Action: messages.ActionDestroy, DepositID: "dep", Username: "admin"})

	fields, err := h.store.Deposit(context.Background(), "dep")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if fields.State() != status.StateCancelled {
		t.Fatalf("state = %s, want cancelled", fields.State())
	}
	if fields[status.FieldCleanup] != status.CleanupCompleted {
		t.Fatalf("cleanup marker = %q", fields[status.FieldCleanup])
	}
	if fields[status.FieldAction] != string(messages.ActionDestroy) {
		t.Fatalf("action = %q", fields[status.FieldAction])
	}
	if testsupport.Exists(staged[0]) {
		t.Fatal("staged file survived DESTROY")
	}
}

func TestOperationForUnknownDepositIsDropped(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.operate(t, messages.Operation{Action: messages.ActionPause, DepositID: "missing"})
	h.outcome(t, "missing", "job", messages.ActionJobSuccess, "")
}

func TestAdmissionOrdersByPriorityThenSubmitTime(t *testing.T) {
	h := newHarness(t)
	seed := []struct {
		id, priority, submitted string
	}{
		{"low-early", "low", "2024-01-01T00:00:00Z"},
		{"normal-late", "normal", "2024-01-03T00:00:00Z"},
		{"normal-early", "normal", "2024-01-02T00:00:00Z"},
		{"high", "high", "2024-01-04T00:00:00Z"},
	}
	for _, s := range seed {
		testsupport.NewDeposit(t, h.store, s.id, nil,
			testsupport.WithDepositField(status.FieldState, string(status.StateQueued)),
			testsupport.WithDepositField(status.FieldPriority, s.priority),
			testsupport.WithDepositField(status.FieldSubmitTime, s.submitted),
		)
	}
	h.start(t)

	want := "high/a,normal-early/a,normal-late/a,low-early/a"
	if got := strings.Join(jobSteps(h.bus.Jobs(t)), ","); got != want {
		t.Fatalf("admission order = %s, want %s", got, want)
	}
}

func TestStartRecoversOrphanedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testsupport.NewDeposit(t, h.store, "dep", nil,
		testsupport.WithDepositField(status.FieldState, string(status.StateRunning)))
	jobA := jobs.JobID("dep", "a")
	if _, err := h.store.CreateJob(ctx, "dep", jobA, status.JobFields{
		status.JobFieldName:   "a",
		status.JobFieldStatus: string(status.JobWorking),
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	testsupport.NewDeposit(t, h.store, "gone", nil,
		testsupport.WithDepositField(status.FieldState, string(status.StateFailed)),
		testsupport.WithDepositField(status.FieldCleanup, status.CleanupStarted))

	h.start(t)

	job, err := h.store.Job(ctx, "dep", jobA)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Status() != status.JobQueued {
		t.Fatalf("orphaned job status = %s, want queued for redispatch", job.Status())
	}
	if got := jobSteps(h.bus.Jobs(t)); strings.Join(got, ",") != "dep/a" {
		t.Fatalf("dispatched = %v, want [dep/a]", got)
	}
	gone, err := h.store.Deposit(ctx, "gone")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if gone[status.FieldCleanup] != status.CleanupCompleted {
		t.Fatalf("interrupted cleanup not resumed: %q", gone[status.FieldCleanup])
	}
	if got := h.pipelineState(t).State(); got != status.PipelineActive {
		t.Fatalf("pipeline = %s, want active", got)
	}
}

func TestStartKeepsLeasedJobsWorking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testsupport.NewDeposit(t, h.store, "dep", nil,
		testsupport.WithDepositField(status.FieldState, string(status.StateRunning)))
	jobA := jobs.JobID("dep", "a")
	if _, err := h.store.CreateJob(ctx, "dep", jobA, status.JobFields{
		status.JobFieldName:   "a",
		status.JobFieldStatus: string(status.JobWorking),
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if ok, err := h.store.AcquireLock(ctx, "dep", "other-host/job", h.cfg.LockTTL()); err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	h.start(t)

	job, err := h.store.Job(ctx, "dep", jobA)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Status() != status.JobWorking {
		t.Fatalf("leased job status = %s, want working", job.Status())
	}
	if sent := h.bus.Jobs(t); len(sent) != 0 {
		t.Fatalf("dispatched while a job holds the lease: %v", jobSteps(sent))
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// leasedWorkingJob seeds a running deposit whose step a is working under a
// lease held by another host.
func (h *harness) leasedWorkingJob(t *testing.T, id string) string {
	t.Helper()
	ctx := context.Background()
	testsupport.NewDeposit(t, h.store, id, nil,
		testsupport.WithDepositField(status.FieldState, string(status.StateRunning)))
	jobID := jobs.JobID(id, "a")
	if _, err := h.store.CreateJob(ctx, id, jobID, status.JobFields{
		status.JobFieldName:   "a",
		status.JobFieldStatus: string(status.JobWorking),
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if ok, err := h.store.AcquireLock(ctx, id, "other-host/job", h.cfg.LockTTL()); err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}
	return jobID
}

func TestReconcileRedispatchesJobWithExpiredLease(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	h := newHarness(t, memstore.WithClock(clock.Now))
	ctx := context.Background()
	jobA := h.leasedWorkingJob(t, "dep")
	h.start(t)

	if err := h.sup.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if sent := h.bus.Jobs(t); len(sent) != 0 {
		t.Fatalf("dispatched while the lease is live: %v", jobSteps(sent))
	}

	clock.Advance(10 * h.cfg.LockTTL())
	if err := h.sup.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	job, err := h.store.Job(ctx, "dep", jobA)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Status() != status.JobQueued {
		t.Fatalf("job status = %s, want queued for redispatch", job.Status())
	}
	if job[status.JobFieldMessage] != "lease expired" {
		t.Fatalf("job message = %q", job[status.JobFieldMessage])
	}
	if got := jobSteps(h.bus.Jobs(t)); strings.Join(got, ",") != "dep/a" {
		t.Fatalf("dispatched = %v, want [dep/a]", got)
	}
}

func TestReconcileLetsQuietCompleteAfterLeaseExpires(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	h := newHarness(t, memstore.WithClock(clock.Now))
	ctx := context.Background()
	jobA := h.leasedWorkingJob(t, "dep")
	h.start(t)

	h.pipeline(t, messages.PipelineQuiet)
	if p := h.pipelineState(t); p.State() != status.PipelineActive || p.Action() != status.ActionQuiet {
		t.Fatalf("pipeline = %v, want active/quiet while the job works", p)
	}

	clock.Advance(10 * h.cfg.LockTTL())
	if err := h.sup.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	job, err := h.store.Job(ctx, "dep", jobA)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Status() != status.JobKilled {
		t.Fatalf("job status = %s, want killed", job.Status())
	}
	if got := testsupport.DepositState(t, h.store, "dep"); got != status.StateQuieted {
		t.Fatalf("deposit = %s, want quieted", got)
	}
	if got := h.pipelineState(t).State(); got != status.PipelineQuieted {
		t.Fatalf("pipeline = %s, want quieted", got)
	}
	if sent := h.bus.Jobs(t); len(sent) != 0 {
		t.Fatalf("jobs dispatched while quiet: %v", jobSteps(sent))
	}

	h.pipeline(t, messages.PipelineUnquiet)
	if got := jobSteps(h.bus.Jobs(t)); strings.Join(got, ",") != "dep/a" {
		t.Fatalf("dispatched after unquiet = %v, want [dep/a]", got)
	}
}

func TestStartKeepsQuietedPipelineQuiet(t *testing.T) {
	h := newHarness(t)
	if err := h.store.SetPipeline(context.Background(), status.PipelineFields{
		status.PipelineFieldState:  string(status.PipelineQuieted),
		status.PipelineFieldAction: string(status.ActionQuiet),
	}); err != nil {
		t.Fatalf("SetPipeline: %v", err)
	}
	testsupport.NewDeposit(t, h.store, "dep", nil,
		testsupport.WithDepositField(status.FieldState, string(status.StateQueued)))

	h.start(t)

	if got := h.pipelineState(t).State(); got != status.PipelineQuieted {
		t.Fatalf("pipeline = %s, want quieted", got)
	}
	if got := testsupport.DepositState(t, h.store, "dep"); got != status.StateQueued {
		t.Fatalf("deposit = %s, want queued", got)
	}
}

func TestStopRecordsShutdown(t *testing.T) {
	h := newHarness(t)
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.sup.Stop()
	h.sup.Stop()
	if got := h.pipelineState(t).State(); got != status.PipelineShutdown {
		t.Fatalf("pipeline = %s, want shutdown", got)
	}
}

type unreachableStore struct {
	*memstore.Store
}

func (unreachableStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestStartFailsWhenStoreUnreachable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := unreachableStore{memstore.New()}
	registry, err := jobs.NewDefaultRegistry(cfg, staging.NewResolverFromConfig(cfg))
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	cleaner := cleanup.New(cfg, store, staging.NewResolverFromConfig(cfg), logging.NewNop())
	sup := supervisor.New(cfg, store, testsupport.NewRecordingBus(), registry, cleaner, nil, logging.NewNop())

	err = sup.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Fatalf("Start error = %v, want unreachable", err)
	}
	p, err := store.Pipeline(context.Background())
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if p.State() != "" {
		t.Fatalf("pipeline written despite failed ping: %v", p)
	}
}

func TestStatusSummarisesDeposits(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.register(t, "one", nil)
	h.register(t, "two", nil)
	h.work(t, "one", "a")
	h.operate(t, messages.Operation{Action: messages.ActionPause, DepositID: "two"})

	summary, err := h.sup.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !summary.Running || summary.State != status.PipelineActive {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Deposits[status.StateRunning] != 1 || summary.Deposits[status.StatePaused] != 1 {
		t.Fatalf("deposit counts = %v", summary.Deposits)
	}
	if summary.WorkingJobs != 1 {
		t.Fatalf("working jobs = %d, want 1", summary.WorkingJobs)
	}
}
