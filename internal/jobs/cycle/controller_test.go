package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/khenlevy/stocksync-backend/internal/jobs/catalogue"
	"github.com/khenlevy/stocksync-backend/internal/jobs/executor"
	"github.com/khenlevy/stocksync-backend/internal/jobs/jobtest"
	"github.com/khenlevy/stocksync-backend/internal/jobs/workflow"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/marketdata"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

type controllerFixture struct {
	repo       *jobtest.FakeJobRepo
	statusRepo *jobtest.FakeStatusRepo
	cat        *catalogue.Catalogue
	ctrl       *Controller
}

func newControllerFixture(t *testing.T, cfg Config, def workflow.Definition) *controllerFixture {
	t.Helper()
	repo := jobtest.NewFakeJobRepo()
	statusRepo := jobtest.NewFakeStatusRepo()
	cat := catalogue.New()
	exec := executor.New(repo, logger.Nop(), jobtest.NopNotifier{})
	if cfg.ExecOptions.MinBackoff == 0 {
		cfg.ExecOptions = executor.Options{
			MaxRetries: 1,
			MinBackoff: time.Millisecond,
			MaxBackoff: time.Millisecond,
		}
	}
	ctrl := NewController(cfg, def, repo, statusRepo, cat, exec, logger.Nop(), jobtest.NopNotifier{})
	return &controllerFixture{repo: repo, statusRepo: statusRepo, cat: cat, ctrl: ctrl}
}

func (f *controllerFixture) register(t *testing.T, name string, fn catalogue.JobFunc) {
	t.Helper()
	if fn == nil {
		fn = func(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
			return nil, nil
		}
	}
	if err := f.cat.Register(catalogue.Entry{Name: name, Func: fn}); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func waitForStatus(t *testing.T, ctrl *Controller, want types.OverallStatus) *types.CycledListStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st := ctrl.Status(); st != nil && st.OverallStatus == want {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	st := ctrl.Status()
	t.Fatalf("status never reached %s, last: %+v", want, st)
	return nil
}

func intPtr(n int) *int { return &n }

func TestHappyCycleCompletes(t *testing.T) {
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "A", FunctionName: "a"},
		{Name: "B", FunctionName: "b"},
		{Name: "C", FunctionName: "c"},
	}}
	f := newControllerFixture(t, Config{Name: "sync", MaxCycles: intPtr(1)}, def)
	f.register(t, "a", nil)
	f.register(t, "b", nil)
	f.register(t, "c", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.ctrl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := waitForStatus(t, f.ctrl, types.OverallCompleted)
	if st.CurrentCycle != 1 || st.TotalCycles != 1 {
		t.Fatalf("cycles = %d/%d, want 1/1", st.CurrentCycle, st.TotalCycles)
	}
	if st.CompletedAsyncFns != 3 || st.FailedAsyncFns != 0 {
		t.Fatalf("completed/failed = %d/%d", st.CompletedAsyncFns, st.FailedAsyncFns)
	}
	if st.Progress != 100 {
		t.Fatalf("progress = %v, want 100", st.Progress)
	}
	if st.IsRunning || st.IsPaused {
		t.Fatalf("completed list must not be running or paused")
	}
}

func TestMaxCyclesZeroCompletesImmediately(t *testing.T) {
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "A", FunctionName: "a"},
	}}
	f := newControllerFixture(t, Config{Name: "sync", MaxCycles: intPtr(0)}, def)
	f.register(t, "a", func(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
		t.Errorf("no cycle may run with maxCycles=0")
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.ctrl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := waitForStatus(t, f.ctrl, types.OverallCompleted)
	if st.CurrentCycle != 0 {
		t.Fatalf("currentCycle = %d, want 0", st.CurrentCycle)
	}
	if recs := f.repo.Snapshot(); len(recs) != 0 {
		t.Fatalf("records = %d, want none", len(recs))
	}
}

func TestSkippedStepsCountedSeparately(t *testing.T) {
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "A", FunctionName: "a"},
		{Name: "B", FunctionName: "b", Skipped: true},
		{Name: "C", FunctionName: "c"},
	}}
	f := newControllerFixture(t, Config{Name: "sync", MaxCycles: intPtr(1)}, def)
	f.register(t, "a", nil)
	f.register(t, "c", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.ctrl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := waitForStatus(t, f.ctrl, types.OverallCompleted)
	if st.TotalAsyncFns != 2 {
		t.Fatalf("totalAsyncFns = %d, want 2", st.TotalAsyncFns)
	}
	if st.CompletedAsyncFns != 2 {
		t.Fatalf("completedAsyncFns = %d, want 2", st.CompletedAsyncFns)
	}

	recs, _ := f.repo.FindByCycle(context.Background(), nil, "sync", 1)
	skipped := 0
	for _, rec := range recs {
		if rec.Status == types.JobSkipped {
			skipped++
		}
	}
	if skipped != 1 {
		t.Fatalf("skipped records = %d, want 1", skipped)
	}
}

func TestInitializeRejectsInvalidWorkflow(t *testing.T) {
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "X", FunctionName: "unregistered"},
	}}
	f := newControllerFixture(t, Config{Name: "sync"}, def)

	err := f.ctrl.Initialize(context.Background())
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error %v is not a ValidationError", err)
	}
}

func TestManualPauseTakesEffectAtGroupBoundary(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	cRan := make(chan struct{}, 1)

	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "A", FunctionName: "a"},
		{Name: "B", FunctionName: "b"},
		{Name: "C", FunctionName: "c"},
	}}
	f := newControllerFixture(t, Config{Name: "sync", MaxCycles: intPtr(1)}, def)
	f.register(t, "a", nil)
	f.register(t, "b", func(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
		close(started)
		<-proceed
		return nil, nil
	})
	f.register(t, "c", func(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
		cRan <- struct{}{}
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.ctrl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-started
	if err := f.ctrl.PauseManually("maintenance"); err != nil {
		t.Fatalf("PauseManually: %v", err)
	}
	// The running step is allowed to finish.
	close(proceed)

	st := waitForStatus(t, f.ctrl, types.OverallPaused)
	if !st.ManualPause {
		t.Fatalf("manualPause not set")
	}
	if st.PauseReason != "maintenance" {
		t.Fatalf("pauseReason = %q", st.PauseReason)
	}
	select {
	case <-cRan:
		t.Fatalf("step after pause boundary ran")
	default:
	}

	bRecs, _ := f.repo.FindByName(context.Background(), nil, "B", 0)
	if len(bRecs) != 1 || bRecs[0].Status != types.JobCompleted {
		t.Fatalf("running step must complete before the pause lands")
	}

	if err := f.ctrl.ResumeManually(); err != nil {
		t.Fatalf("ResumeManually: %v", err)
	}
	st = waitForStatus(t, f.ctrl, types.OverallCompleted)
	if st.ManualPause {
		t.Fatalf("manualPause still set after resume")
	}
	select {
	case <-cRan:
	case <-time.After(time.Second):
		t.Fatalf("remaining step did not run after resume")
	}
}

func TestQuotaPauseAndAutoResume(t *testing.T) {
	quota := true
	bRuns := 0
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "A", FunctionName: "a"},
		{Name: "B", FunctionName: "b"},
		{Name: "C", FunctionName: "c"},
	}}
	f := newControllerFixture(t, Config{Name: "sync", MaxCycles: intPtr(1)}, def)
	f.register(t, "a", nil)
	f.register(t, "b", func(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
		bRuns++
		if quota {
			quota = false
			// The market-data client reports the condition through its sink
			// before surfacing the error.
			f.ctrl.QuotaExceeded(marketdata.TagDailyLimit)
			return nil, &marketdata.QuotaError{Tag: marketdata.TagDailyLimit, Endpoint: "eod", Err: errors.New("status 402")}
		}
		return nil, nil
	})
	f.register(t, "c", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.ctrl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := waitForStatus(t, f.ctrl, types.OverallPaused)
	if st.ManualPause {
		t.Fatalf("quota pause must not set manualPause")
	}
	found := false
	for _, tag := range st.PauseConditionList() {
		if tag == marketdata.TagDailyLimit {
			found = true
		}
	}
	if !found {
		t.Fatalf("pauseConditions = %v, missing quota tag", st.PauseConditionList())
	}

	f.ctrl.QuotaCleared(marketdata.TagDailyLimit)

	st = waitForStatus(t, f.ctrl, types.OverallCompleted)
	if bRuns != 2 {
		t.Fatalf("paused step ran %d times, want resume once", bRuns)
	}
	found = false
	for _, tag := range st.ContinueConditionList() {
		if tag == marketdata.TagDailyLimit {
			found = true
		}
	}
	if !found {
		t.Fatalf("continueConditions = %v, missing quota tag", st.ContinueConditionList())
	}
}

func TestQuotaClearedDoesNotOverrideManualPause(t *testing.T) {
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "A", FunctionName: "a"},
	}}
	f := newControllerFixture(t, Config{Name: "sync", MaxCycles: intPtr(1)}, def)
	f.register(t, "a", nil)

	if err := f.ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.ctrl.PauseManually("maintenance"); err != nil {
		t.Fatalf("PauseManually: %v", err)
	}
	f.ctrl.QuotaExceeded(marketdata.TagDailyLimit)
	f.ctrl.QuotaCleared(marketdata.TagDailyLimit)

	if closed, _ := f.ctrl.gate.Closed(); !closed {
		t.Fatalf("cleared quota must not reopen a manually paused gate")
	}
	st := f.ctrl.Status()
	if !st.ManualPause {
		t.Fatalf("manualPause lost")
	}
}

func TestStopRecordsReason(t *testing.T) {
	blocked := make(chan struct{})
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "A", FunctionName: "a"},
	}}
	f := newControllerFixture(t, Config{Name: "sync"}, def)
	f.register(t, "a", func(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
		close(blocked)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.ctrl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-blocked

	f.ctrl.Stop("maintenance window")
	st := f.ctrl.Status()
	if st.OverallStatus != types.OverallStopped {
		t.Fatalf("status = %s", st.OverallStatus)
	}
	if st.StopReason != "maintenance window" {
		t.Fatalf("stopReason = %q", st.StopReason)
	}
}

func TestRunAdHocRejectsDuplicate(t *testing.T) {
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "X", FunctionName: "x"},
	}}
	f := newControllerFixture(t, Config{Name: "sync"}, def)
	f.register(t, "x", nil)

	if err := f.ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// A record of the same name is already in flight somewhere.
	running := &types.JobRecord{ID: uuid.New(), Name: "x", Status: types.JobRunning}
	if _, err := f.repo.Create(context.Background(), nil, running); err != nil {
		t.Fatalf("seed running record: %v", err)
	}

	_, err := f.ctrl.RunAdHoc(context.Background(), "x")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}

	recs, _ := f.repo.FindByName(context.Background(), nil, "x", 0)
	if len(recs) != 1 {
		t.Fatalf("conflict must not create a record, have %d", len(recs))
	}
}

func TestRunAdHocSchedulesAndRuns(t *testing.T) {
	ran := make(chan struct{}, 1)
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "X", FunctionName: "x"},
	}}
	f := newControllerFixture(t, Config{Name: "sync"}, def)
	f.register(t, "x", func(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
		ran <- struct{}{}
		return nil, nil
	})

	if err := f.ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	rec, err := f.ctrl.RunAdHoc(context.Background(), "x")
	if err != nil {
		t.Fatalf("RunAdHoc: %v", err)
	}
	if rec == nil || rec.ID == uuid.Nil {
		t.Fatalf("ad-hoc run must return the created record")
	}
	meta := rec.MetadataMap()
	if meta[types.MetaAdHoc] != true {
		t.Fatalf("ad-hoc stamp missing: %v", meta)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("ad-hoc job did not run")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.repo.GetByID(context.Background(), nil, rec.ID)
		if got != nil && got.Status == types.JobCompleted {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("ad-hoc record never completed")
}

func TestRunAdHocUnknownJob(t *testing.T) {
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "X", FunctionName: "x"},
	}}
	f := newControllerFixture(t, Config{Name: "sync"}, def)
	f.register(t, "x", nil)
	if err := f.ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := f.ctrl.RunAdHoc(context.Background(), "nope"); err == nil {
		t.Fatalf("expected unknown job error")
	}
}

func TestFreshRunAfterCompletionReRunsJobs(t *testing.T) {
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "A", FunctionName: "a"},
		{Name: "B", FunctionName: "b"},
	}}
	repo := jobtest.NewFakeJobRepo()
	statusRepo := jobtest.NewFakeStatusRepo()
	cat := catalogue.New()
	calls := 0
	count := func(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
		calls++
		return nil, nil
	}
	for _, name := range []string{"a", "b"} {
		if err := cat.Register(catalogue.Entry{Name: name, Func: count}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	cfg := Config{Name: "sync", MaxCycles: intPtr(1), ExecOptions: executor.Options{
		MaxRetries: 1,
		MinBackoff: time.Millisecond,
		MaxBackoff: time.Millisecond,
	}}
	newCtrl := func() *Controller {
		exec := executor.New(repo, logger.Nop(), jobtest.NopNotifier{})
		return NewController(cfg, def, repo, statusRepo, cat, exec, logger.Nop(), jobtest.NopNotifier{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newCtrl()
	if err := first.Initialize(ctx); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	waitForStatus(t, first, types.OverallCompleted)
	if calls != 2 {
		t.Fatalf("first run calls = %d, want 2", calls)
	}

	// A later process starts the list over. The completed records of the
	// previous run share the cycle number but belong to that run; every step
	// must execute again.
	second := newCtrl()
	if err := second.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	// The doc still reads completed from the first run until the loop flips
	// it, so wait on the record store before waiting on the status.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		recs, _ := repo.FindByCycle(context.Background(), nil, "sync", 1)
		if len(recs) == 4 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	recs, _ := repo.FindByCycle(context.Background(), nil, "sync", 1)
	if len(recs) != 4 {
		t.Fatalf("records = %d, want one per step per run", len(recs))
	}
	st := waitForStatus(t, second, types.OverallCompleted)
	if calls != 4 {
		t.Fatalf("calls = %d after two runs, want 4", calls)
	}
	if st.TotalCycles != 1 {
		t.Fatalf("second run totalCycles = %d, want 1", st.TotalCycles)
	}
}

func TestResumeWithoutStartDoesNotMarkRunning(t *testing.T) {
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "A", FunctionName: "a"},
	}}
	f := newControllerFixture(t, Config{Name: "sync"}, def)
	f.register(t, "a", nil)

	if err := f.ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.ctrl.PauseManually("maintenance"); err != nil {
		t.Fatalf("PauseManually: %v", err)
	}
	if err := f.ctrl.ResumeManually(); err != nil {
		t.Fatalf("ResumeManually: %v", err)
	}

	st := f.ctrl.Status()
	if st.ManualPause || st.PauseReason != "" {
		t.Fatalf("pause flags not cleared: %+v", st)
	}
	if st.IsRunning || st.OverallStatus == types.OverallRunning {
		t.Fatalf("resume before Start must not mark the list running: %+v", st)
	}
}

func TestInitializeBackfillsLegacyCycleStamps(t *testing.T) {
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "A", FunctionName: "a"},
	}}
	f := newControllerFixture(t, Config{Name: "sync", MaxCycles: intPtr(1)}, def)
	aRuns := 0
	f.register(t, "a", func(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
		aRuns++
		return nil, nil
	})

	// A previous process died mid-cycle before cycle and run stamping
	// existed; its record carries only the list name.
	meta, _ := json.Marshal(map[string]any{
		types.MetaCycledListName: "sync",
		"functionName":           "a",
	})
	legacy := &types.JobRecord{
		ID:       uuid.New(),
		Name:     "A",
		Status:   types.JobCompleted,
		Metadata: datatypes.JSON(meta),
	}
	if _, err := f.repo.Create(context.Background(), nil, legacy); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	prior := &types.CycledListStatus{
		Name:          "sync",
		OverallStatus: types.OverallRunning,
		CurrentCycle:  1,
	}
	if err := f.statusRepo.Save(context.Background(), nil, prior); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	if err := f.ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	st := f.ctrl.Status()
	if st.RunID == "" {
		t.Fatalf("rehydrated status missing run id")
	}
	got, _ := f.repo.GetByID(context.Background(), nil, legacy.ID)
	if got.CycleNumber() != 1 {
		t.Fatalf("cycleNumber = %d, want backfilled 1", got.CycleNumber())
	}
	if got.RunID() != st.RunID {
		t.Fatalf("runId = %q, want %q", got.RunID(), st.RunID)
	}

	// With the stamps repaired the resumed cycle adopts the record as done.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, f.ctrl, types.OverallCompleted)
	if aRuns != 0 {
		t.Fatalf("completed legacy step ran %d times, want 0", aRuns)
	}
}

func TestInitializeRehydratesPausedState(t *testing.T) {
	def := workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "A", FunctionName: "a"},
	}}
	f := newControllerFixture(t, Config{Name: "sync", MaxCycles: intPtr(2)}, def)
	f.register(t, "a", nil)

	// A previous process left the list paused mid-cycle.
	prior := &types.CycledListStatus{
		Name:          "sync",
		OverallStatus: types.OverallPaused,
		IsPaused:      true,
		PauseReason:   marketdata.TagDailyLimit,
		CurrentCycle:  1,
	}
	if err := f.statusRepo.Save(context.Background(), nil, prior); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	if err := f.ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if closed, reason := f.ctrl.gate.Closed(); !closed || reason != marketdata.TagDailyLimit {
		t.Fatalf("gate not rehydrated: closed=%v reason=%q", closed, reason)
	}
	st := f.ctrl.Status()
	if st.CurrentCycle != 1 {
		t.Fatalf("currentCycle reset on paused rehydrate")
	}
}
