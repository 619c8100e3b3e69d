package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/khenlevy/stocksync-backend/internal/jobs/jobtest"
	"github.com/khenlevy/stocksync-backend/internal/jobs/workflow"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

func projectorFixture(t *testing.T, def workflow.Definition) (*StatusProjector, *jobtest.FakeJobRepo, *jobtest.FakeStatusRepo) {
	t.Helper()
	jobRepo := jobtest.NewFakeJobRepo()
	statusRepo := jobtest.NewFakeStatusRepo()
	p := NewStatusProjector(statusRepo, jobRepo, def, "sync", logger.Nop())
	return p, jobRepo, statusRepo
}

func syncDefinition() workflow.Definition {
	return workflow.Definition{Name: "sync", Steps: []workflow.Step{
		{Name: "Exchanges", FunctionName: "sync_exchanges"},
		{Name: "Symbols", FunctionName: "sync_symbols"},
		{Name: "Old prices", FunctionName: "sync_old_prices", Skipped: true},
		{Name: "EOD prices", FunctionName: "sync_eod_prices"},
	}}
}

func seedRecord(t *testing.T, repo *jobtest.FakeJobRepo, fn string, cycle int, status types.JobStatus, progress float64) *types.JobRecord {
	t.Helper()
	meta, _ := json.Marshal(map[string]any{
		types.MetaCycledListName: "sync",
		types.MetaCycleNumber:    cycle,
		"functionName":           fn,
	})
	rec := &types.JobRecord{
		Name:     fn,
		Status:   status,
		Progress: progress,
		Metadata: datatypes.JSON(meta),
	}
	created, err := repo.Create(context.Background(), nil, rec)
	if err != nil {
		t.Fatalf("seed %s: %v", fn, err)
	}
	return created
}

func TestProjectSentinelWhenNoStatusRow(t *testing.T) {
	p, _, _ := projectorFixture(t, syncDefinition())

	doc, err := p.Project(context.Background())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if doc.OverallStatus != types.OverallNotInitialized {
		t.Fatalf("overallStatus = %s", doc.OverallStatus)
	}
	if doc.StatusText != "Not Initialized" || doc.StatusColor != "gray" {
		t.Fatalf("text/color = %q/%q", doc.StatusText, doc.StatusColor)
	}
	if doc.CycleInterval != defaultCycleIntervalMs {
		t.Fatalf("cycleInterval = %d", doc.CycleInterval)
	}
	if doc.PauseConditions == nil || doc.ContinueConditions == nil || doc.JobTimeline == nil {
		t.Fatalf("sentinel slices must be empty, not null")
	}
	if doc.TimeUntilNextCycle != nil {
		t.Fatalf("timeUntilNextCycle on sentinel")
	}
}

func TestProjectDerivesProgressFromRecords(t *testing.T) {
	p, jobRepo, statusRepo := projectorFixture(t, syncDefinition())

	st := &types.CycledListStatus{
		Name:          "sync",
		OverallStatus: types.OverallRunning,
		IsRunning:     true,
		CurrentCycle:  1,
	}
	if err := statusRepo.Save(context.Background(), nil, st); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	seedRecord(t, jobRepo, "sync_exchanges", 1, types.JobCompleted, 1)
	seedRecord(t, jobRepo, "sync_symbols", 1, types.JobRunning, 0.5)

	doc, err := p.Project(context.Background())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if doc.TotalAsyncFns != 3 {
		t.Fatalf("totalAsyncFns = %d, want active steps only", doc.TotalAsyncFns)
	}
	if doc.CompletedAsyncFns != 1 {
		t.Fatalf("completedAsyncFns = %d", doc.CompletedAsyncFns)
	}
	// (1 + 0.5) / 3 active steps
	if doc.Progress != 50 {
		t.Fatalf("progress = %v, want 50", doc.Progress)
	}
	if doc.ProgressPercentage != 50 {
		t.Fatalf("progressPercentage = %d", doc.ProgressPercentage)
	}
	if doc.StatusText != "Running" || doc.StatusColor != "green" {
		t.Fatalf("text/color = %q/%q", doc.StatusText, doc.StatusColor)
	}
}

func TestProjectPreviousCurrentNextPointers(t *testing.T) {
	p, jobRepo, statusRepo := projectorFixture(t, syncDefinition())

	st := &types.CycledListStatus{Name: "sync", OverallStatus: types.OverallRunning, IsRunning: true, CurrentCycle: 1}
	if err := statusRepo.Save(context.Background(), nil, st); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	seedRecord(t, jobRepo, "sync_exchanges", 1, types.JobCompleted, 1)
	seedRecord(t, jobRepo, "sync_symbols", 1, types.JobRunning, 0.25)

	doc, err := p.Project(context.Background())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if doc.PreviousAsyncFn == nil || doc.PreviousAsyncFn.FunctionName != "sync_exchanges" {
		t.Fatalf("previous = %+v", doc.PreviousAsyncFn)
	}
	if doc.CurrentAsyncFn == nil || doc.CurrentAsyncFn.FunctionName != "sync_symbols" {
		t.Fatalf("current = %+v", doc.CurrentAsyncFn)
	}
	if doc.CurrentAsyncFn.ProgressPercentage != 25 {
		t.Fatalf("current progressPercentage = %d", doc.CurrentAsyncFn.ProgressPercentage)
	}
	if doc.CurrentAsyncFnIndex != 1 {
		t.Fatalf("currentAsyncFnIndex = %d", doc.CurrentAsyncFnIndex)
	}
	// The skipped step is passed over; the next active step follows it.
	if doc.NextAsyncFn == nil || doc.NextAsyncFn.FunctionName != "sync_eod_prices" {
		t.Fatalf("next = %+v", doc.NextAsyncFn)
	}
}

func TestProjectTimelineExcludesSkippedSteps(t *testing.T) {
	p, _, statusRepo := projectorFixture(t, syncDefinition())

	st := &types.CycledListStatus{Name: "sync", OverallStatus: types.OverallRunning, IsRunning: true, CurrentCycle: 1}
	if err := statusRepo.Save(context.Background(), nil, st); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	doc, err := p.Project(context.Background())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if len(doc.JobTimeline) != 3 {
		t.Fatalf("timeline entries = %d, want 3", len(doc.JobTimeline))
	}
	for _, v := range doc.JobTimeline {
		if v.FunctionName == "sync_old_prices" {
			t.Fatalf("skipped step present in timeline")
		}
		if v.Status != string(types.JobScheduled) {
			t.Fatalf("step %s status = %s, want scheduled placeholder", v.FunctionName, v.Status)
		}
	}
}

func TestProjectBreakdownCountsSkippedAndPending(t *testing.T) {
	p, jobRepo, statusRepo := projectorFixture(t, syncDefinition())

	st := &types.CycledListStatus{Name: "sync", OverallStatus: types.OverallRunning, IsRunning: true, CurrentCycle: 1}
	if err := statusRepo.Save(context.Background(), nil, st); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	seedRecord(t, jobRepo, "sync_exchanges", 1, types.JobCompleted, 1)
	seedRecord(t, jobRepo, "sync_symbols", 1, types.JobFailed, 0)

	doc, err := p.Project(context.Background())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	b := doc.JobStatusBreakdown
	if b.Completed != 1 || b.Failed != 1 {
		t.Fatalf("completed/failed = %d/%d", b.Completed, b.Failed)
	}
	if b.Skipped != 1 {
		t.Fatalf("skipped = %d, flagged step without record counts as skipped", b.Skipped)
	}
	if b.Pending != 1 {
		t.Fatalf("pending = %d, unmaterialised step counts as pending", b.Pending)
	}
	if doc.FailedAsyncFns != 1 {
		t.Fatalf("failedAsyncFns = %d", doc.FailedAsyncFns)
	}
}

func TestProjectPausedStatusText(t *testing.T) {
	p, _, statusRepo := projectorFixture(t, syncDefinition())

	st := &types.CycledListStatus{
		Name:          "sync",
		OverallStatus: types.OverallPaused,
		IsPaused:      true,
		PauseReason:   "EODHD_DAILY_LIMIT",
		CurrentCycle:  1,
	}
	st.AddPauseCondition("EODHD_DAILY_LIMIT")
	if err := statusRepo.Save(context.Background(), nil, st); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	doc, err := p.Project(context.Background())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if doc.StatusText != "Paused: EODHD_DAILY_LIMIT" {
		t.Fatalf("statusText = %q", doc.StatusText)
	}
	if doc.StatusColor != "yellow" {
		t.Fatalf("statusColor = %q", doc.StatusColor)
	}
	if len(doc.PauseConditions) != 1 || doc.PauseConditions[0] != "EODHD_DAILY_LIMIT" {
		t.Fatalf("pauseConditions = %v", doc.PauseConditions)
	}
}

func TestProjectTimeUntilNextCycle(t *testing.T) {
	p, _, statusRepo := projectorFixture(t, syncDefinition())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	next := base.Add(3*time.Hour + 17*time.Minute)
	st := &types.CycledListStatus{
		Name:               "sync",
		OverallStatus:      types.OverallRunning,
		IsRunning:          true,
		CurrentCycle:       2,
		NextCycleScheduled: &next,
	}
	if err := statusRepo.Save(context.Background(), nil, st); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	doc, err := p.Project(context.Background())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if doc.TimeUntilNextCycle == nil || *doc.TimeUntilNextCycle != "3h 17m" {
		t.Fatalf("timeUntilNextCycle = %v", doc.TimeUntilNextCycle)
	}

	// The countdown only renders while running.
	st.OverallStatus = types.OverallStopped
	st.IsRunning = false
	if err := statusRepo.Save(context.Background(), nil, st); err != nil {
		t.Fatalf("update status: %v", err)
	}
	doc, err = p.Project(context.Background())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if doc.TimeUntilNextCycle != nil {
		t.Fatalf("stopped list must not render a countdown")
	}
}

func TestProjectCycleProgress(t *testing.T) {
	p, _, statusRepo := projectorFixture(t, syncDefinition())

	max := 4
	st := &types.CycledListStatus{
		Name:          "sync",
		OverallStatus: types.OverallRunning,
		IsRunning:     true,
		CurrentCycle:  3,
		TotalCycles:   2,
		MaxCycles:     &max,
	}
	if err := statusRepo.Save(context.Background(), nil, st); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	doc, err := p.Project(context.Background())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	cp := doc.CycleProgress
	if cp.Current != 3 || cp.Total != 4 || cp.Completed != 2 || cp.Remaining != 2 {
		t.Fatalf("cycleProgress = %+v", cp)
	}
	if cp.Percentage != 50 {
		t.Fatalf("percentage = %v", cp.Percentage)
	}
}

func TestFormatUntil(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		d    time.Duration
		want string
	}{
		{3*time.Hour + 17*time.Minute, "3h 17m"},
		{17 * time.Minute, "17m"},
		{42 * time.Second, "42s"},
		{0, "Now"},
		{-time.Minute, "Now"},
	}
	for _, tc := range cases {
		got := formatUntil(now, now.Add(tc.d))
		if got != tc.want {
			t.Fatalf("formatUntil(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
