package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"mediscan/pkg/artifact"
	"mediscan/pkg/audit"
	"mediscan/pkg/domain"
	"mediscan/pkg/store"
)

type fixture struct {
	store    *store.MemoryStore
	registry *artifact.Registry
	machine  *Machine
	notified []domain.Job
	mu       sync.Mutex
}

func (f *fixture) NotifyJob(_ context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, job)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	ledger, err := audit.New(audit.Config{Store: s})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	f := &fixture{store: s, registry: artifact.NewRegistry(s, ledger)}
	m, err := New(Config{Store: s, Artifacts: f.registry, Ledger: ledger, Notifier: f, MaxRetries: 3})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	f.machine = m
	return f
}

func (f *fixture) newJob(t *testing.T, plan []domain.StepSpec) domain.Job {
	t.Helper()
	ctx := context.Background()
	a, err := f.registry.Register(ctx, artifact.RegisterInput{OwnerID: "u1", Checksum: t.Name(), SizeBytes: 1})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	job, err := f.machine.CreateJob(ctx, CreateInput{ArtifactID: a.ID, OwnerID: "u1", Plan: plan})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := f.registry.AttachJob(ctx, a.ID, job.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return job
}

var threeSteps = []domain.StepSpec{
	{Name: "validation", Weight: 5},
	{Name: "extraction", Weight: 30},
	{Name: "summarization", Weight: 15},
}

func TestCreateJobStartsQueuedAndPending(t *testing.T) {
	f := newFixture(t)
	job := f.newJob(t, threeSteps)
	if job.Status != domain.JobQueued || job.Progress != 0 || job.CorrelationToken == "" {
		t.Fatalf("unexpected new job: %+v", job)
	}
	for _, s := range job.Steps {
		if s.Status != domain.StepPending {
			t.Fatalf("step %s is %s, want pending", s.Name, s.Status)
		}
	}
	if _, err := f.machine.CreateJob(context.Background(), CreateInput{ArtifactID: "a", OwnerID: "u1"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty plan should fail validation, got %v", err)
	}
	dupPlan := []domain.StepSpec{{Name: "a", Weight: 1}, {Name: "a", Weight: 1}}
	if _, err := f.machine.CreateJob(context.Background(), CreateInput{ArtifactID: "a", OwnerID: "u1", Plan: dupPlan}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("duplicate step names should fail validation, got %v", err)
	}
}

func TestProgressWeightedScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, threeSteps)

	if _, err := f.machine.AdvanceStep(ctx, job.ID, "validation", domain.StepCompleted, ""); err != nil {
		t.Fatalf("advance validation: %v", err)
	}
	got, err := f.machine.AdvanceStep(ctx, job.ID, "extraction", domain.StepProcessing, "")
	if err != nil {
		t.Fatalf("advance extraction: %v", err)
	}
	// round(100 * (5 + 30/2) / 50) = 40
	if got.Progress != 40 {
		t.Fatalf("progress = %d, want 40", got.Progress)
	}
}

func TestAdvanceStepErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, threeSteps)

	if _, err := f.machine.AdvanceStep(ctx, "missing", "validation", domain.StepCompleted, ""); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := f.machine.AdvanceStep(ctx, job.ID, "nope", domain.StepCompleted, ""); !errors.Is(err, domain.ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
	if _, err := f.machine.AdvanceStep(ctx, job.ID, "validation", domain.StepStatus("weird"), ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := f.machine.AdvanceStep(ctx, job.ID, "validation", domain.StepCompleted, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := f.machine.AdvanceStep(ctx, job.ID, "validation", domain.StepPending, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("completed step must not regress, got %v", err)
	}
}

func TestRoundTripToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, FilePlan())

	if _, err := f.machine.MarkDispatched(ctx, job.ID); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	started, err := f.machine.Start(ctx, job.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.JobProcessing || started.Steps[0].Status != domain.StepProcessing {
		t.Fatalf("unexpected started job: %+v", started)
	}

	last := started.Progress
	for _, spec := range FilePlan() {
		for _, status := range []domain.StepStatus{domain.StepProcessing, domain.StepCompleted} {
			j, err := f.machine.AdvanceStep(ctx, job.ID, spec.Name, status, "")
			if err != nil {
				t.Fatalf("advance %s -> %s: %v", spec.Name, status, err)
			}
			if j.Progress < last {
				t.Fatalf("progress decreased while processing: %d -> %d", last, j.Progress)
			}
			last = j.Progress
		}
	}
	if last != 100 {
		t.Fatalf("all steps completed but progress = %d", last)
	}

	done, err := f.machine.Complete(ctx, job.ID, domain.JobResult{Summary: "ok"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.JobCompleted || done.Progress != 100 || done.Timing.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %+v", done)
	}
	for _, s := range done.Steps {
		if s.Status != domain.StepCompleted {
			t.Fatalf("step %s left %s", s.Name, s.Status)
		}
	}
	a, _ := f.registry.Get(ctx, job.ArtifactID)
	if a.Status != domain.ArtifactCompleted || a.ActiveJobID != "" {
		t.Fatalf("artifact not finalized: %+v", a)
	}
	if len(f.notified) != 1 || f.notified[0].Status != domain.JobCompleted {
		t.Fatalf("expected one terminal notification, got %d", len(f.notified))
	}
}

func TestCompletedJobIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, threeSteps)
	if _, err := f.machine.Start(ctx, job.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.machine.Complete(ctx, job.ID, domain.JobResult{Summary: "first"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.machine.Complete(ctx, job.ID, domain.JobResult{Summary: "second"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second complete should be rejected, got %v", err)
	}
	if _, err := f.machine.Fail(ctx, job.ID, FailureDetail{Code: "X"}, true); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("fail after complete should be rejected, got %v", err)
	}
	if _, err := f.machine.Cancel(ctx, job.ID, "u1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("cancel after complete should be rejected, got %v", err)
	}
	if _, err := f.machine.AdvanceStep(ctx, job.ID, "validation", domain.StepCompleted, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("advance after complete should be rejected, got %v", err)
	}
	got, _ := f.machine.Get(ctx, job.ID)
	if got.Result.Summary != "first" {
		t.Fatalf("result overwritten: %q", got.Result.Summary)
	}
}

func TestCompleteRequiresProcessingOrDispatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, threeSteps)
	if _, err := f.machine.Complete(ctx, job.ID, domain.JobResult{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("complete on undispatched queued job should fail, got %v", err)
	}
	if _, err := f.machine.MarkDispatched(ctx, job.ID); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	if _, err := f.machine.Complete(ctx, job.ID, domain.JobResult{}); err != nil {
		t.Fatalf("callback racing ahead of Start should complete: %v", err)
	}
	if _, err := f.machine.Start(ctx, job.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("late start must not reopen the job, got %v", err)
	}
}

// A retryable failure may lower progress: in-flight and failed steps are
// reset to pending so the next attempt reprocesses them.
func TestRetryableFailureRequeuesAndMayDropProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, threeSteps)
	if _, err := f.machine.Start(ctx, job.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.machine.AdvanceStep(ctx, job.ID, "validation", domain.StepCompleted, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	before, err := f.machine.AdvanceStep(ctx, job.ID, "extraction", domain.StepProcessing, "")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, err := f.machine.Fail(ctx, job.ID, FailureDetail{Code: "WORKER_BUSY", Message: "try later"}, true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.Status != domain.JobQueued || got.RetryCount != 1 {
		t.Fatalf("status=%s retry=%d, want queued/1", got.Status, got.RetryCount)
	}
	if got.Steps[0].Status != domain.StepCompleted {
		t.Fatalf("completed step must survive retry, got %s", got.Steps[0].Status)
	}
	for _, s := range got.Steps[1:] {
		if s.Status != domain.StepPending {
			t.Fatalf("step %s = %s, want pending", s.Name, s.Status)
		}
	}
	if got.Progress >= before.Progress {
		t.Fatalf("progress should drop after reset: before=%d after=%d", before.Progress, got.Progress)
	}
	if got.Progress != 10 {
		t.Fatalf("progress = %d, want 10", got.Progress)
	}
	a, _ := f.registry.Get(ctx, job.ArtifactID)
	if a.ActiveJobID != job.ID {
		t.Fatalf("re-queued job must keep its artifact link")
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, threeSteps)

	for i := 0; i < 3; i++ {
		if _, err := f.machine.Start(ctx, job.ID); err != nil {
			t.Fatalf("start attempt %d: %v", i, err)
		}
		got, err := f.machine.Fail(ctx, job.ID, FailureDetail{Code: "TRANSIENT"}, true)
		if err != nil {
			t.Fatalf("fail attempt %d: %v", i, err)
		}
		if got.Status != domain.JobQueued || got.RetryCount != i+1 {
			t.Fatalf("attempt %d: status=%s retry=%d", i, got.Status, got.RetryCount)
		}
	}
	if _, err := f.machine.Start(ctx, job.ID); err != nil {
		t.Fatalf("final start: %v", err)
	}
	got, err := f.machine.Fail(ctx, job.ID, FailureDetail{Code: "TRANSIENT"}, true)
	if err != nil {
		t.Fatalf("final fail: %v", err)
	}
	if got.Status != domain.JobFailed || got.RetryCount != 3 {
		t.Fatalf("status=%s retry=%d, want failed/3", got.Status, got.RetryCount)
	}
	if _, err := f.machine.Fail(ctx, job.ID, FailureDetail{Code: "TRANSIENT"}, true); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("terminal failed job must reject further failures, got %v", err)
	}
	if _, err := f.machine.Retry(ctx, job.ID, "u1"); !errors.Is(err, domain.ErrRetryBudgetExhausted) {
		t.Fatalf("manual retry past the cap should fail, got %v", err)
	}
	entries, _ := f.store.ListAudit(ctx, store.AuditFilter{Action: audit.ActionRetryBudgetExhausted})
	if len(entries) != 1 {
		t.Fatalf("expected one retry_budget_exhausted entry, got %d", len(entries))
	}
	a, _ := f.registry.Get(ctx, job.ArtifactID)
	if a.Status != domain.ArtifactFailed || a.ActiveJobID != "" {
		t.Fatalf("artifact not released after terminal failure: %+v", a)
	}
}

func TestFailRequiresDispatchedAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, threeSteps)
	before, _ := f.machine.Get(ctx, job.ID)

	for _, retryable := range []bool{true, false} {
		if _, err := f.machine.Fail(ctx, job.ID, FailureDetail{Code: "OCR_TIMEOUT"}, retryable); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("fail (retryable=%v) on undispatched job should be rejected, got %v", retryable, err)
		}
	}
	got, _ := f.machine.Get(ctx, job.ID)
	if got.Status != domain.JobQueued || got.RetryCount != 0 || got.Version != before.Version {
		t.Fatalf("rejected failure changed the job: %+v", got)
	}
	entries, _ := f.store.ListAudit(ctx, store.AuditFilter{Action: audit.ActionJobRetryScheduled})
	if len(entries) != 0 {
		t.Fatalf("rejected failure must not schedule a retry, got %d entries", len(entries))
	}

	if _, err := f.machine.MarkDispatched(ctx, job.ID); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	requeued, err := f.machine.Fail(ctx, job.ID, FailureDetail{Code: "OCR_TIMEOUT"}, true)
	if err != nil || requeued.Status != domain.JobQueued || requeued.RetryCount != 1 {
		t.Fatalf("dispatched attempt should fail and re-queue: %+v err=%v", requeued, err)
	}
	if _, err := f.machine.Fail(ctx, job.ID, FailureDetail{Code: "OCR_TIMEOUT"}, true); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("repeated failure before the next dispatch should be rejected, got %v", err)
	}
	again, _ := f.machine.Get(ctx, job.ID)
	if again.RetryCount != 1 || again.Version != requeued.Version {
		t.Fatalf("repeated failure changed the job: retry=%d version=%d", again.RetryCount, again.Version)
	}
}

func TestNonRetryableFailureThenManualRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, threeSteps)
	got, err := f.machine.FailDispatch(ctx, job.ID, FailureDetail{Code: domain.CodeDispatchFailed})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.Status != domain.JobFailed || got.RetryCount != 0 {
		t.Fatalf("non-retryable failure should be terminal: %+v", got)
	}
	if _, err := f.machine.Retry(ctx, job.ID, "someone-else"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("foreign retry should look like not found, got %v", err)
	}
	again, err := f.machine.Retry(ctx, job.ID, "u1")
	if err != nil {
		t.Fatalf("manual retry: %v", err)
	}
	if again.Status != domain.JobQueued || again.RetryCount != 1 {
		t.Fatalf("unexpected job after manual retry: %+v", again)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, threeSteps)
	if _, err := f.machine.Start(ctx, job.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.machine.Cancel(ctx, job.ID, "u2"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("foreign cancel should look like not found, got %v", err)
	}
	got, err := f.machine.Cancel(ctx, job.ID, "u1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.JobCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	for _, s := range got.Steps {
		if s.Status != domain.StepSkipped {
			t.Fatalf("step %s = %s, want skipped", s.Name, s.Status)
		}
	}
	if _, err := f.machine.Complete(ctx, job.ID, domain.JobResult{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("callback after cancel must be rejected, got %v", err)
	}
	if _, err := f.machine.Cancel(ctx, job.ID, "u1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("double cancel should be rejected, got %v", err)
	}
}

func TestConcurrentCompleteAndCancelHaveOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		job := f.newJob(t, threeSteps)
		if _, err := f.machine.Start(ctx, job.ID); err != nil {
			t.Fatalf("start: %v", err)
		}
		var wg sync.WaitGroup
		var completeErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, completeErr = f.machine.Complete(ctx, job.ID, domain.JobResult{Summary: "ok"})
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = f.machine.Cancel(ctx, job.ID, "u1")
		}()
		wg.Wait()
		if (completeErr == nil) == (cancelErr == nil) {
			t.Fatalf("exactly one transition must win: complete=%v cancel=%v", completeErr, cancelErr)
		}
		got, _ := f.machine.Get(ctx, job.ID)
		if completeErr == nil && got.Status != domain.JobCompleted {
			t.Fatalf("complete won but status is %s", got.Status)
		}
		if cancelErr == nil && got.Status != domain.JobCancelled {
			t.Fatalf("cancel won but status is %s", got.Status)
		}
	}
}

func TestTextPlanWeights(t *testing.T) {
	if PlanFor(domain.ModeText)[1].Name != StepTextProcessing {
		t.Fatalf("text plan should skip ocr")
	}
	if PlanFor(domain.ModeFile)[1].Name != StepOCR {
		t.Fatalf("file plan should include ocr")
	}
	if err := validatePlan(TextPlan()); err != nil {
		t.Fatalf("text plan invalid: %v", err)
	}
}

func TestMarkDispatchedOncePerAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, threeSteps)

	if _, err := f.machine.MarkDispatched(ctx, job.ID); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	if _, err := f.machine.MarkDispatched(ctx, job.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second claim of the same attempt should fail, got %v", err)
	}
	if _, err := f.machine.Start(ctx, job.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	requeued, err := f.machine.Fail(ctx, job.ID, FailureDetail{Code: "WORKER_BUSY"}, true)
	if err != nil || requeued.Status != domain.JobQueued {
		t.Fatalf("retryable fail: status=%s err=%v", requeued.Status, err)
	}
	if _, err := f.machine.MarkDispatched(ctx, job.ID); err != nil {
		t.Fatalf("retry attempt should be claimable: %v", err)
	}
}
