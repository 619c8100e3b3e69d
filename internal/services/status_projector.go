package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/khenlevy/stocksync-backend/internal/jobs/workflow"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/repos"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

const defaultCycleIntervalMs = 24 * 3600 * 1000

// StepView is the per-step shape embedded in the status document, both for
// the previous/current/next pointers and for the timeline.
type StepView struct {
	Name               string          `json:"name"`
	DisplayName        string          `json:"displayName"`
	FunctionName       string          `json:"functionName"`
	Status             string          `json:"status"`
	ProgressPercentage int             `json:"progressPercentage"`
	StartedAt          *time.Time      `json:"startedAt"`
	EndedAt            *time.Time      `json:"endedAt"`
	ScheduledAt        *time.Time      `json:"scheduledAt"`
	MachineName        string          `json:"machineName"`
	ErrorMessage       string          `json:"errorMessage,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Index              int             `json:"index"`
}

// CycleProgress summarises where the run is in its cycle budget.
type CycleProgress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Completed  int     `json:"completed"`
	Remaining  int     `json:"remaining"`
}

// StatusBreakdown counts the current cycle's records per status. Pending
// covers scheduled records plus steps not materialised yet.
type StatusBreakdown struct {
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Paused    int `json:"paused"`
	Retrying  int `json:"retrying"`
	Pending   int `json:"pending"`
	Skipped   int `json:"skipped"`
}

// StatusDocument is the full projection the status endpoint serves.
type StatusDocument struct {
	Name                string              `json:"name"`
	OverallStatus       types.OverallStatus `json:"overallStatus"`
	IsRunning           bool                `json:"isRunning"`
	IsPaused            bool                `json:"isPaused"`
	ManualPause         bool                `json:"manualPause"`
	PauseReason         string              `json:"pauseReason,omitempty"`
	StopReason          string              `json:"stopReason,omitempty"`
	CurrentCycle        int                 `json:"currentCycle"`
	TotalCycles         int                 `json:"totalCycles"`
	MaxCycles           *int                `json:"maxCycles"`
	CycleInterval       int64               `json:"cycleInterval"`
	TotalAsyncFns       int                 `json:"totalAsyncFns"`
	CompletedAsyncFns   int                 `json:"completedAsyncFns"`
	FailedAsyncFns      int                 `json:"failedAsyncFns"`
	CurrentAsyncFnIndex int                 `json:"currentAsyncFnIndex"`
	Progress            float64             `json:"progress"`
	PreviousAsyncFn     *StepView           `json:"previousAsyncFn"`
	CurrentAsyncFn      *StepView           `json:"currentAsyncFn"`
	NextAsyncFn         *StepView           `json:"nextAsyncFn"`
	PauseConditions     []string            `json:"pauseConditions"`
	ContinueConditions  []string            `json:"continueConditions"`
	NextCycleScheduled  *time.Time          `json:"nextCycleScheduled"`
	StatusText          string              `json:"statusText"`
	StatusColor         string              `json:"statusColor"`
	ProgressPercentage  int                 `json:"progressPercentage"`
	TimeUntilNextCycle  *string             `json:"timeUntilNextCycle"`
	CycleProgress       CycleProgress       `json:"cycleProgress"`
	JobTimeline         []StepView          `json:"jobTimeline"`
	JobStatusBreakdown  StatusBreakdown     `json:"jobStatusBreakdown"`
}

// StatusProjector builds the status document read by the dashboard. It
// derives progress and the breakdown from live job records; the stored
// progress on the status row is only a cache.
type StatusProjector struct {
	statusRepo repos.CycleStatusRepo
	jobRepo    repos.JobRecordRepo
	def        workflow.Definition
	listName   string
	log        *logger.Logger
	now        func() time.Time
}

func NewStatusProjector(statusRepo repos.CycleStatusRepo, jobRepo repos.JobRecordRepo, def workflow.Definition, listName string, baseLog *logger.Logger) *StatusProjector {
	return &StatusProjector{
		statusRepo: statusRepo,
		jobRepo:    jobRepo,
		def:        def,
		listName:   listName,
		log:        baseLog.With("service", "StatusProjector"),
		now:        time.Now,
	}
}

// Project reads the status row and the current cycle's records and assembles
// the document. A missing row yields the not_initialized sentinel.
func (p *StatusProjector) Project(ctx context.Context) (*StatusDocument, error) {
	st, err := p.statusRepo.GetByName(ctx, nil, p.listName)
	if err != nil {
		return nil, fmt.Errorf("load status: %w", err)
	}
	if st == nil {
		return p.sentinel(), nil
	}

	var recs []*types.JobRecord
	if st.CurrentCycle > 0 {
		recs, err = p.jobRepo.FindByCycle(ctx, nil, p.listName, st.CurrentCycle)
		if err != nil {
			p.log.Warn("FindByCycle failed, projecting without records", "cycle", st.CurrentCycle, "error", err)
			recs = nil
		}
	}
	latest := map[string]*types.JobRecord{}
	for _, rec := range recs {
		// Stamped run ids scope records to the current run; records from an
		// earlier run of the same list share cycle numbers but not state.
		if st.RunID != "" && rec.RunID() != st.RunID {
			continue
		}
		fn, _ := rec.MetadataMap()["functionName"].(string)
		if fn == "" {
			fn = rec.Name
		}
		latest[fn] = rec
	}

	doc := &StatusDocument{
		Name:                st.Name,
		OverallStatus:       st.OverallStatus,
		IsRunning:           st.IsRunning,
		IsPaused:            st.IsPaused,
		ManualPause:         st.ManualPause,
		PauseReason:         st.PauseReason,
		StopReason:          st.StopReason,
		CurrentCycle:        st.CurrentCycle,
		TotalCycles:         st.TotalCycles,
		MaxCycles:           st.MaxCycles,
		CycleInterval:       st.CycleIntervalMs,
		CurrentAsyncFnIndex: st.CurrentAsyncFnIndex,
		PauseConditions:     st.PauseConditionList(),
		ContinueConditions:  st.ContinueConditionList(),
		NextCycleScheduled:  st.NextCycleScheduled,
	}
	if doc.CycleInterval == 0 {
		doc.CycleInterval = defaultCycleIntervalMs
	}

	p.fillSteps(doc, latest)
	p.fillBreakdown(doc, latest)
	p.fillDerived(doc, st)
	return doc, nil
}

func (p *StatusProjector) sentinel() *StatusDocument {
	return &StatusDocument{
		Name:               p.listName,
		OverallStatus:      types.OverallNotInitialized,
		StatusText:         "Not Initialized",
		StatusColor:        "gray",
		CycleInterval:      defaultCycleIntervalMs,
		PauseConditions:    []string{},
		ContinueConditions: []string{},
		JobTimeline:        []StepView{},
		TimeUntilNextCycle: nil,
	}
}

// fillSteps derives the timeline, the previous/current/next pointers, the
// async-fn counters and the weighted progress from records. totalAsyncFns
// comes from the definition, never from the stored row.
func (p *StatusProjector) fillSteps(doc *StatusDocument, latest map[string]*types.JobRecord) {
	total := p.def.ActiveCount()
	doc.TotalAsyncFns = total
	doc.JobTimeline = []StepView{}

	completed, failed := 0, 0
	var weight float64
	currentIdx, lastTerminalIdx := -1, -1
	views := map[int]StepView{}

	for i, step := range p.def.Steps {
		rec := latest[step.FunctionName]
		view := p.stepView(step, i, rec)
		views[i] = view
		if !step.Skipped {
			doc.JobTimeline = append(doc.JobTimeline, view)
		}
		if rec == nil {
			continue
		}
		switch rec.Status {
		case types.JobCompleted:
			completed++
			weight++
			lastTerminalIdx = i
		case types.JobFailed:
			failed++
			lastTerminalIdx = i
		case types.JobCancelled, types.JobSkipped:
			lastTerminalIdx = i
		case types.JobRunning, types.JobRetrying, types.JobPaused:
			weight += rec.Progress
			if currentIdx == -1 {
				currentIdx = i
			}
		}
	}

	doc.CompletedAsyncFns = completed
	doc.FailedAsyncFns = failed
	if total > 0 {
		doc.Progress = weight / float64(total) * 100
	}
	doc.ProgressPercentage = int(math.Round(doc.Progress))

	if currentIdx >= 0 {
		v := views[currentIdx]
		doc.CurrentAsyncFn = &v
		doc.CurrentAsyncFnIndex = currentIdx
	}
	if lastTerminalIdx >= 0 && (currentIdx == -1 || lastTerminalIdx < currentIdx) {
		v := views[lastTerminalIdx]
		doc.PreviousAsyncFn = &v
	}
	after := currentIdx
	if after == -1 {
		after = lastTerminalIdx
	}
	for i := after + 1; i < len(p.def.Steps); i++ {
		step := p.def.Steps[i]
		if step.Skipped {
			continue
		}
		if rec := latest[step.FunctionName]; rec != nil && rec.Status.Terminal() {
			continue
		}
		v := views[i]
		doc.NextAsyncFn = &v
		break
	}
}

func (p *StatusProjector) stepView(step workflow.Step, index int, rec *types.JobRecord) StepView {
	display := step.DisplayName
	if display == "" {
		display = step.Name
	}
	view := StepView{
		Name:         step.Name,
		DisplayName:  display,
		FunctionName: step.FunctionName,
		Status:       string(types.JobScheduled),
		Index:        index,
	}
	if step.Skipped {
		view.Status = string(types.JobSkipped)
	}
	if rec == nil {
		return view
	}
	view.Status = string(rec.Status)
	view.ProgressPercentage = int(math.Round(rec.Progress * 100))
	view.StartedAt = rec.StartedAt
	view.EndedAt = rec.EndedAt
	view.ScheduledAt = rec.ScheduledAt
	view.MachineName = rec.MachineName
	view.ErrorMessage = rec.Error
	if len(rec.Result) > 0 {
		view.Result = json.RawMessage(rec.Result)
	}
	return view
}

func (p *StatusProjector) fillBreakdown(doc *StatusDocument, latest map[string]*types.JobRecord) {
	var b StatusBreakdown
	for _, step := range p.def.Steps {
		rec := latest[step.FunctionName]
		if rec == nil {
			if step.Skipped {
				b.Skipped++
			} else {
				b.Pending++
			}
			continue
		}
		switch rec.Status {
		case types.JobRunning:
			b.Running++
		case types.JobCompleted:
			b.Completed++
		case types.JobFailed:
			b.Failed++
		case types.JobCancelled:
			b.Cancelled++
		case types.JobPaused:
			b.Paused++
		case types.JobRetrying:
			b.Retrying++
		case types.JobSkipped:
			b.Skipped++
		default:
			b.Pending++
		}
	}
	doc.JobStatusBreakdown = b
}

func (p *StatusProjector) fillDerived(doc *StatusDocument, st *types.CycledListStatus) {
	switch st.OverallStatus {
	case types.OverallRunning:
		doc.StatusText = "Running"
		doc.StatusColor = "green"
	case types.OverallPaused:
		doc.StatusText = "Paused"
		if st.PauseReason != "" {
			doc.StatusText = "Paused: " + st.PauseReason
		}
		doc.StatusColor = "yellow"
	case types.OverallCompleted:
		doc.StatusText = "Completed"
		doc.StatusColor = "blue"
	case types.OverallStopped:
		doc.StatusText = "Stopped"
		doc.StatusColor = "red"
	default:
		doc.StatusText = "Not Initialized"
		doc.StatusColor = "gray"
	}

	if st.NextCycleScheduled != nil && st.OverallStatus == types.OverallRunning {
		s := formatUntil(p.now(), *st.NextCycleScheduled)
		doc.TimeUntilNextCycle = &s
	}

	cp := CycleProgress{
		Current:   st.CurrentCycle,
		Completed: st.TotalCycles,
	}
	if st.MaxCycles != nil {
		cp.Total = *st.MaxCycles
		if cp.Total > 0 {
			cp.Percentage = math.Min(float64(cp.Completed)/float64(cp.Total)*100, 100)
			cp.Remaining = cp.Total - cp.Completed
			if cp.Remaining < 0 {
				cp.Remaining = 0
			}
		}
	}
	doc.CycleProgress = cp
}

// formatUntil renders the delay to the next cycle as "3h 17m", "17m" or
// "Now" when the moment already passed.
func formatUntil(now, at time.Time) string {
	d := at.Sub(now)
	if d <= 0 {
		return "Now"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
