package cycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khenlevy/stocksync-backend/internal/jobs/catalogue"
	"github.com/khenlevy/stocksync-backend/internal/jobs/executor"
	"github.com/khenlevy/stocksync-backend/internal/jobs/workflow"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/repos"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

var (
	// ErrAlreadyRunning rejects an ad-hoc run while a record with the same
	// name is still in flight.
	ErrAlreadyRunning = errors.New("job already running")
	// ErrNotInitialized rejects control operations before Initialize.
	ErrNotInitialized = errors.New("cycled list not initialized")
)

// StatusNotifier receives the status document after every write.
type StatusNotifier interface {
	CycleStatusChanged(st *types.CycledListStatus)
}

// Config is the cycled-list runtime configuration.
type Config struct {
	Name          string
	MaxCycles     *int          // nil = unlimited
	CycleInterval time.Duration // 0 = no inter-cycle sleep
	Autostart     bool
	NodeID        string
	ExecOptions   executor.Options
}

// Controller owns the outer lifecycle of one cycled list: the repeating
// cycle loop, the pause gate, manual and quota-driven pause/resume, ad-hoc
// runs, and every write to the status document. One process hosts one active
// controller per list name.
type Controller struct {
	cfg        Config
	def        workflow.Definition
	repo       repos.JobRecordRepo
	statusRepo repos.CycleStatusRepo
	cat        *catalogue.Catalogue
	exec       *executor.Executor
	engine     *workflow.Engine
	log        *logger.Logger
	notify     StatusNotifier

	gate *Gate

	mu          sync.Mutex
	st          *types.CycledListStatus
	initialized bool
	started     bool
	resuming    bool
	runCtx      context.Context
	cancel      context.CancelFunc
	doneCh      chan struct{}
}

func NewController(
	cfg Config,
	def workflow.Definition,
	repo repos.JobRecordRepo,
	statusRepo repos.CycleStatusRepo,
	cat *catalogue.Catalogue,
	exec *executor.Executor,
	baseLog *logger.Logger,
	notify StatusNotifier,
) *Controller {
	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = host
	}
	c := &Controller{
		cfg:        cfg,
		def:        def,
		repo:       repo,
		statusRepo: statusRepo,
		cat:        cat,
		exec:       exec,
		log:        baseLog.With("component", "CycleController", "list", cfg.Name),
		notify:     notify,
		gate:       NewGate(),
	}
	c.engine = workflow.NewEngine(repo, exec, cat, baseLog, cfg.Name, cfg.NodeID, cfg.ExecOptions)
	c.engine.OnStepDone = func(cycleNumber int) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.st != nil {
			c.recomputeLocked(context.Background(), cycleNumber)
			c.saveLocked(context.Background())
		}
	}
	return c
}

// Initialize validates the workflow against the catalogue and creates or
// rehydrates the status document. An invalid definition aborts initialisation.
func (c *Controller) Initialize(ctx context.Context) error {
	if c.cfg.Name == "" {
		return fmt.Errorf("cycled list name required")
	}
	if err := c.def.Validate(c.cat); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.statusRepo.GetByName(ctx, nil, c.cfg.Name)
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	if st == nil {
		st = &types.CycledListStatus{
			Name:          c.cfg.Name,
			OverallStatus: types.OverallNotInitialized,
		}
	}

	switch st.OverallStatus {
	case types.OverallPaused:
		// Cold-start after a pause: keep currentCycle and re-enter the cycle
		// at the paused step once resumed.
		c.gate.Close(st.PauseReason)
		c.resuming = true
	case types.OverallStopped, types.OverallCompleted, types.OverallNotInitialized:
		st.CurrentCycle = 0
		st.TotalCycles = 0
		st.CompletedAsyncFns = 0
		st.FailedAsyncFns = 0
		st.CurrentAsyncFnIndex = 0
		st.Progress = 0
		st.PauseReason = ""
		st.StopReason = ""
		st.ManualPause = false
		st.SetCurrentFn(nil)
		st.SetNextFn(nil)
		// A fresh run gets its own generation id; records from a previous
		// finished run of the same list never count as this run's work.
		st.RunID = uuid.NewString()
	case types.OverallRunning:
		// A running doc with no live controller means the previous process
		// died mid-cycle; re-drive the current cycle, done steps stay done.
		if st.CurrentCycle > 0 {
			c.resuming = true
		}
	}
	if st.RunID == "" {
		st.RunID = uuid.NewString()
	}

	st.TotalAsyncFns = c.def.ActiveCount()
	st.MaxCycles = c.cfg.MaxCycles
	st.CycleIntervalMs = c.cfg.CycleInterval.Milliseconds()
	st.IsRunning = false
	if st.OverallStatus != types.OverallPaused {
		st.IsPaused = false
	}

	c.st = st
	if c.resuming {
		c.backfillStampsLocked(ctx)
	}
	if err := c.saveLocked(ctx); err != nil {
		return err
	}
	c.initialized = true
	c.log.Info("Cycled list initialized",
		"steps", len(c.def.Steps),
		"active_steps", c.def.ActiveCount(),
		"resuming", c.resuming,
	)
	return nil
}

// Start launches the outer loop. ctx bounds the controller's lifetime.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	if c.started {
		return nil
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.doneCh = make(chan struct{})
	c.started = true
	go c.runLoop(c.runCtx)
	return nil
}

// Stop cancels the loop and records the stop reason. In-flight jobs observe
// the cancellation and finalise as cancelled.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	done := c.doneCh
	if c.st != nil {
		c.st.OverallStatus = types.OverallStopped
		c.st.IsRunning = false
		c.st.IsPaused = false
		c.st.StopReason = reason
		c.saveLocked(context.Background())
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// PauseManually closes the gate on user request. The pause takes effect at
// the next group boundary; the running group finishes first.
func (c *Controller) PauseManually(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	if reason == "" {
		reason = "manual pause"
	}
	c.gate.Close(reason)
	c.st.ManualPause = true
	c.st.PauseReason = reason
	return c.saveLocked(context.Background())
}

// ResumeManually reopens the gate regardless of how it was closed.
func (c *Controller) ResumeManually() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	c.st.ManualPause = false
	c.st.PauseReason = ""
	if c.started {
		c.setRunningLocked()
	}
	err := c.saveLocked(context.Background())
	c.gate.Open()
	return err
}

// QuotaExceeded implements marketdata.QuotaSink: the provider reported its
// quota exhausted, close the gate without marking a manual pause.
func (c *Controller) QuotaExceeded(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return
	}
	c.gate.Close(tag)
	c.st.AddPauseCondition(tag)
	c.st.PauseReason = tag
	c.saveLocked(context.Background())
	c.log.Warn("Cycle pausing on quota condition", "tag", tag)
}

// QuotaCleared implements marketdata.QuotaSink: auto-resume, but never
// override a pause the operator asked for.
func (c *Controller) QuotaCleared(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return
	}
	c.st.AddContinueCondition(tag)
	if c.st.ManualPause {
		c.saveLocked(context.Background())
		return
	}
	c.st.PauseReason = ""
	if c.started {
		c.setRunningLocked()
	}
	c.saveLocked(context.Background())
	c.gate.Open()
	c.log.Info("Cycle resuming on cleared quota condition", "tag", tag)
}

// RunAdHoc executes a single catalogued job outside the cycle. At most one
// record per name may be running anywhere; conflicts are rejected.
func (c *Controller) RunAdHoc(ctx context.Context, name string) (*types.JobRecord, error) {
	entry, ok := c.cat.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown job %q", name)
	}
	running, err := c.repo.FindRunning(ctx, nil, name)
	if err != nil {
		return nil, fmt.Errorf("check running: %w", err)
	}
	if len(running) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}

	ref := executor.JobRef{
		Name: name,
		Fn:   entry.Func,
		Metadata: map[string]any{
			types.MetaAdHoc:  true,
			types.MetaNodeID: c.cfg.NodeID,
		},
	}
	rec, err := c.exec.Schedule(ctx, ref)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	bg := c.runCtx
	c.mu.Unlock()
	if bg == nil {
		bg = context.Background()
	}
	go c.exec.RunRecord(bg, rec, ref, c.cfg.ExecOptions)
	return rec, nil
}

// Status returns a copy of the current status document.
func (c *Controller) Status() *types.CycledListStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return nil
	}
	cp := *c.st
	return &cp
}

func (c *Controller) Name() string { return c.cfg.Name }

func (c *Controller) Definition() workflow.Definition { return c.def }

// -------------------- outer loop --------------------

func (c *Controller) runLoop(ctx context.Context) {
	defer close(c.doneCh)
	c.log.Info("Cycle loop starting")

	for {
		if ctx.Err() != nil {
			c.markStopped("context cancelled")
			return
		}
		if closed, reason := c.gate.Closed(); closed {
			c.markPaused(reason)
			if err := c.gate.Wait(ctx); err != nil {
				c.markStopped("context cancelled")
				return
			}
			continue
		}

		c.mu.Lock()
		cur := c.st.CurrentCycle
		runID := c.st.RunID
		max := c.st.MaxCycles
		resuming := c.resuming
		if !resuming && max != nil && cur >= *max {
			c.st.OverallStatus = types.OverallCompleted
			c.st.IsRunning = false
			c.st.IsPaused = false
			c.st.SetCurrentFn(nil)
			c.st.SetNextFn(nil)
			c.saveLocked(context.Background())
			c.mu.Unlock()
			c.log.Info("Max cycles reached, cycled list completed", "cycles", cur)
			return
		}
		if !resuming {
			c.st.CurrentCycle++
			cur = c.st.CurrentCycle
		}
		c.setRunningLocked()
		c.saveLocked(context.Background())
		c.mu.Unlock()

		c.log.Info("Running cycle", "cycle", cur, "resuming", resuming)
		out := c.engine.RunCycle(ctx, c.def, cur, runID, c.gate)

		switch out.Kind {
		case workflow.CycleFinished:
			c.mu.Lock()
			c.resuming = false
			c.st.TotalCycles++
			c.recomputeLocked(context.Background(), cur)
			if c.cfg.CycleInterval > 0 {
				next := time.Now().Add(c.cfg.CycleInterval)
				c.st.NextCycleScheduled = &next
			} else {
				c.st.NextCycleScheduled = nil
			}
			c.saveLocked(context.Background())
			c.mu.Unlock()
			c.log.Info("Cycle finished", "cycle", cur)
			if !c.sleepInterval(ctx) {
				c.markStopped("context cancelled")
				return
			}
		case workflow.CyclePaused:
			c.mu.Lock()
			c.resuming = true
			c.st.CurrentAsyncFnIndex = out.StepIndex
			c.mu.Unlock()
			c.markPaused(out.Reason)
			c.log.Info("Cycle paused", "cycle", cur, "step_index", out.StepIndex, "reason", out.Reason)
		case workflow.CycleCancelled:
			reason := out.Reason
			if reason == "" {
				reason = "cancelled"
			}
			c.markStopped(reason)
			c.log.Info("Cycle cancelled", "cycle", cur, "reason", reason)
			return
		}
	}
}

// sleepInterval waits out the inter-cycle delay; a cancellation or a gate
// close wakes it early. Returns false when ctx ended.
func (c *Controller) sleepInterval(ctx context.Context) bool {
	if c.cfg.CycleInterval <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(c.cfg.CycleInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.gate.CloseSignal():
		return true
	case <-t.C:
		return true
	}
}

// -------------------- status writes (single writer) --------------------

func (c *Controller) setRunningLocked() {
	c.st.OverallStatus = types.OverallRunning
	c.st.IsRunning = true
	c.st.IsPaused = false
}

func (c *Controller) markPaused(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return
	}
	c.st.OverallStatus = types.OverallPaused
	c.st.IsPaused = true
	c.st.IsRunning = false
	if reason != "" {
		c.st.PauseReason = reason
	}
	c.saveLocked(context.Background())
}

func (c *Controller) markStopped(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return
	}
	if c.st.OverallStatus == types.OverallStopped || c.st.OverallStatus == types.OverallCompleted {
		return
	}
	c.st.OverallStatus = types.OverallStopped
	c.st.IsRunning = false
	c.st.IsPaused = false
	c.st.StopReason = reason
	c.saveLocked(context.Background())
}

// recomputeLocked derives the cycle-level aggregate from live records; the
// stored progress is a cache, never the source of truth.
func (c *Controller) recomputeLocked(ctx context.Context, cycleNumber int) {
	recs, err := c.repo.FindByCycle(ctx, nil, c.cfg.Name, cycleNumber)
	if err != nil {
		c.log.Warn("Status recompute failed", "cycle", cycleNumber, "error", err)
		return
	}
	latest := map[string]*types.JobRecord{}
	for _, rec := range recs {
		if rec.RunID() != c.st.RunID {
			continue
		}
		fn, _ := rec.MetadataMap()["functionName"].(string)
		if fn == "" {
			fn = rec.Name
		}
		latest[fn] = rec
	}

	total := c.def.ActiveCount()
	completed, failed := 0, 0
	var weight float64
	currentIdx := -1
	var current, next *types.StepRef

	for i, step := range c.def.Steps {
		rec := latest[step.FunctionName]
		if rec == nil {
			if current != nil && next == nil && !step.Skipped {
				next = &types.StepRef{Name: step.Name, FunctionName: step.FunctionName, ParallelGroup: step.ParallelGroup, Index: i}
			}
			continue
		}
		switch rec.Status {
		case types.JobCompleted:
			completed++
			weight++
		case types.JobFailed:
			failed++
		case types.JobRunning, types.JobRetrying, types.JobPaused:
			weight += rec.Progress
			if current == nil {
				currentIdx = i
				current = &types.StepRef{Name: step.Name, FunctionName: step.FunctionName, ParallelGroup: step.ParallelGroup, Index: i}
			}
		}
	}

	c.st.CompletedAsyncFns = completed
	c.st.FailedAsyncFns = failed
	if total > 0 {
		c.st.Progress = weight / float64(total) * 100
	} else {
		c.st.Progress = 0
	}
	if currentIdx >= 0 {
		c.st.CurrentAsyncFnIndex = currentIdx
	}
	c.st.SetCurrentFn(current)
	c.st.SetNextFn(next)
}

// backfillStampsLocked repairs records written before cycle and run stamping
// existed. Recent records of this list missing cycleNumber or runId get the
// current values so a resumed cycle can adopt them instead of re-running.
func (c *Controller) backfillStampsLocked(ctx context.Context) {
	since := time.Now().Add(-7 * 24 * time.Hour)
	recs, err := c.repo.FindRecent(ctx, nil, since)
	if err != nil {
		c.log.Warn("Metadata backfill skipped", "error", err)
		return
	}
	for _, rec := range recs {
		meta := rec.MetadataMap()
		if meta[types.MetaCycledListName] != c.cfg.Name {
			continue
		}
		patch := map[string]any{}
		if _, ok := meta[types.MetaCycleNumber]; !ok {
			patch[types.MetaCycleNumber] = c.st.CurrentCycle
		}
		if _, ok := meta[types.MetaRunID]; !ok {
			patch[types.MetaRunID] = c.st.RunID
		}
		if len(patch) == 0 {
			continue
		}
		if err := c.repo.UpdateMetadata(ctx, nil, rec.ID, patch); err != nil {
			c.log.Warn("Metadata backfill failed", "record", rec.ID, "error", err)
		}
	}
}

// saveLocked persists the document and emits the change event. Callers hold
// c.mu; the controller goroutine is the only status writer.
func (c *Controller) saveLocked(ctx context.Context) error {
	if err := c.statusRepo.Save(ctx, nil, c.st); err != nil {
		c.log.Error("Status save failed", "error", err)
		return err
	}
	if c.notify != nil {
		cp := *c.st
		c.notify.CycleStatusChanged(&cp)
	}
	return nil
}
