package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/khenlevy/stocksync-backend/internal/jobs/catalogue"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/marketdata"
	"github.com/khenlevy/stocksync-backend/internal/repos"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeCancelled
	OutcomePaused
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomePaused:
		return "paused"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of driving one job record.
type Outcome struct {
	Kind     OutcomeKind
	RecordID uuid.UUID
	Reason   string
	Err      error
}

// Options bound the retry envelope for one run.
type Options struct {
	MaxRetries int
	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64       // default 0.20
	Timeout    time.Duration // 0 = no per-job timeout
}

// FatalError marks a job error as non-retryable; it bypasses the retry budget.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the executor fails the record immediately.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func isFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// JobRef names the executable plus the metadata its record carries.
type JobRef struct {
	Name     string
	Fn       catalogue.JobFunc
	Metadata map[string]any
}

// Notifier receives lifecycle events for live status streams. All methods
// must be non-blocking.
type Notifier interface {
	JobCreated(rec *types.JobRecord)
	JobProgress(rec *types.JobRecord, fraction float64, message string)
	JobPaused(rec *types.JobRecord, reason string)
	JobFailed(rec *types.JobRecord, errMsg string)
	JobDone(rec *types.JobRecord)
}

// Executor runs exactly one named job per call, producing exactly one record
// lifecycle. Every status write is a compare-and-set; losing a race means an
// external actor moved the record and its state wins.
type Executor struct {
	repo    repos.JobRecordRepo
	log     *logger.Logger
	notify  Notifier
	machine string
}

func New(repo repos.JobRecordRepo, baseLog *logger.Logger, notify Notifier) *Executor {
	host, _ := os.Hostname()
	return &Executor{
		repo:    repo,
		log:     baseLog.With("component", "JobExecutor"),
		notify:  notify,
		machine: host,
	}
}

// Run creates a scheduled record for ref and drives it to a terminal state.
func (e *Executor) Run(ctx context.Context, ref JobRef, opts Options) Outcome {
	rec, err := e.createRecord(ctx, ref)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("create record: %w", err)}
	}
	return e.drive(ctx, rec, ref, opts, types.JobScheduled)
}

// Schedule creates the scheduled record for ref without driving it. Callers
// that need the record id synchronously (ad-hoc runs) pair it with RunRecord.
func (e *Executor) Schedule(ctx context.Context, ref JobRef) (*types.JobRecord, error) {
	return e.createRecord(ctx, ref)
}

// RunRecord drives an already-created scheduled record.
func (e *Executor) RunRecord(ctx context.Context, rec *types.JobRecord, ref JobRef, opts Options) Outcome {
	return e.drive(ctx, rec, ref, opts, types.JobScheduled)
}

// Resume re-drives a paused record: paused -> retrying -> running.
func (e *Executor) Resume(ctx context.Context, rec *types.JobRecord, ref JobRef, opts Options) Outcome {
	ok, err := e.repo.Transition(ctx, nil, rec.ID, types.JobPaused, types.JobRetrying, map[string]interface{}{
		"progress": 0.0,
	})
	if err != nil {
		return Outcome{Kind: OutcomeFailed, RecordID: rec.ID, Err: err}
	}
	if !ok {
		return e.honorObserved(ctx, rec.ID)
	}
	return e.drive(ctx, rec, ref, opts, types.JobRetrying)
}

// Skip records a step excluded from execution. The record never enters
// running.
func (e *Executor) Skip(ctx context.Context, ref JobRef, reason string) Outcome {
	rec, err := e.createRecord(ctx, ref)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("create record: %w", err)}
	}
	now := time.Now()
	ok, err := e.repo.Transition(ctx, nil, rec.ID, types.JobScheduled, types.JobSkipped, map[string]interface{}{
		"ended_at": now,
	})
	if err != nil {
		return Outcome{Kind: OutcomeFailed, RecordID: rec.ID, Err: err}
	}
	if !ok {
		return e.honorObserved(ctx, rec.ID)
	}
	_ = e.repo.AppendLog(ctx, nil, rec.ID, types.LogEntry{Level: types.LogInfo, Msg: "skipped: " + reason})
	return Outcome{Kind: OutcomeSkipped, RecordID: rec.ID, Reason: reason}
}

func (e *Executor) createRecord(ctx context.Context, ref JobRef) (*types.JobRecord, error) {
	now := time.Now()
	var meta datatypes.JSON
	if len(ref.Metadata) > 0 {
		raw, err := json.Marshal(ref.Metadata)
		if err != nil {
			return nil, err
		}
		meta = datatypes.JSON(raw)
	}
	rec := &types.JobRecord{
		ID:          uuid.New(),
		Name:        ref.Name,
		MachineName: e.machine,
		Status:      types.JobScheduled,
		ScheduledAt: &now,
		Metadata:    meta,
	}
	if _, err := e.repo.Create(ctx, nil, rec); err != nil {
		return nil, err
	}
	if e.notify != nil {
		e.notify.JobCreated(rec)
	}
	return rec, nil
}

func (e *Executor) drive(ctx context.Context, rec *types.JobRecord, ref JobRef, opts Options, from types.JobStatus) Outcome {
	attempt := 0
	for {
		attempt++
		now := time.Now()
		ok, err := e.repo.Transition(ctx, nil, rec.ID, from, types.JobRunning, map[string]interface{}{
			"started_at": now,
			"attempts":   attempt,
		})
		if err != nil {
			return Outcome{Kind: OutcomeFailed, RecordID: rec.ID, Err: err}
		}
		if !ok {
			return e.honorObserved(ctx, rec.ID)
		}

		result, runErr := e.invoke(ctx, rec, ref, opts.Timeout)
		if runErr == nil {
			return e.complete(ctx, rec, result)
		}

		if tag, quota := marketdata.IsQuota(runErr); quota {
			// Quota exhaustion pauses the cycle; it does not consume a retry.
			ok, terr := e.repo.Transition(ctx, nil, rec.ID, types.JobRunning, types.JobPaused, map[string]interface{}{
				"error": runErr.Error(),
			})
			if terr != nil {
				return Outcome{Kind: OutcomeFailed, RecordID: rec.ID, Err: terr}
			}
			if !ok {
				return e.honorObserved(ctx, rec.ID)
			}
			_ = e.repo.AppendLog(ctx, nil, rec.ID, types.LogEntry{Level: types.LogWarn, Msg: "paused on quota: " + tag})
			if e.notify != nil {
				e.notify.JobPaused(rec, tag)
			}
			return Outcome{Kind: OutcomePaused, RecordID: rec.ID, Reason: tag}
		}

		if ctx.Err() != nil || errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return e.cancel(ctx, rec, runErr)
		}

		if !isFatal(runErr) && attempt <= opts.MaxRetries {
			ok, terr := e.repo.Transition(ctx, nil, rec.ID, types.JobRunning, types.JobRetrying, map[string]interface{}{
				"error":    runErr.Error(),
				"progress": 0.0,
			})
			if terr != nil {
				return Outcome{Kind: OutcomeFailed, RecordID: rec.ID, Err: terr}
			}
			if !ok {
				return e.honorObserved(ctx, rec.ID)
			}
			_ = e.repo.AppendLog(ctx, nil, rec.ID, types.LogEntry{
				Level: types.LogWarn,
				Msg:   fmt.Sprintf("attempt %d failed, retrying: %v", attempt, runErr),
			})
			if !e.sleep(ctx, backoff(opts, attempt)) {
				return e.cancelFrom(ctx, rec, types.JobRetrying, ctx.Err())
			}
			from = types.JobRetrying
			continue
		}

		return e.fail(ctx, rec, runErr)
	}
}

// invoke calls the job function with a progress sink and panic containment.
// A non-zero timeout cancels this job's sub-context only.
func (e *Executor) invoke(ctx context.Context, rec *types.JobRecord, ref JobRef, timeout time.Duration) (result map[string]any, err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	sink := func(fraction float64, message string) {
		if serr := e.repo.SetProgress(runCtx, nil, rec.ID, fraction); serr != nil {
			if errors.Is(serr, repos.ErrProgressRegression) {
				e.log.Debug("Progress regression ignored", "job", rec.Name, "value", fraction)
			} else {
				e.log.Warn("SetProgress failed", "job", rec.Name, "error", serr)
			}
			return
		}
		if e.notify != nil {
			e.notify.JobProgress(rec, fraction, message)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Job function panic", "job", rec.Name, "panic", r)
			err = Fatal(fmt.Errorf("panic: %v", r))
		}
	}()
	return ref.Fn(runCtx, sink)
}

func (e *Executor) complete(ctx context.Context, rec *types.JobRecord, result map[string]any) Outcome {
	now := time.Now()
	patch := map[string]interface{}{
		"progress": 1.0,
		"ended_at": now,
		"error":    "",
	}
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			patch["result"] = datatypes.JSON(raw)
		}
	}
	ok, err := e.repo.Transition(ctx, nil, rec.ID, types.JobRunning, types.JobCompleted, patch)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, RecordID: rec.ID, Err: err}
	}
	if !ok {
		return e.honorObserved(ctx, rec.ID)
	}
	if e.notify != nil {
		e.notify.JobDone(rec)
	}
	return Outcome{Kind: OutcomeCompleted, RecordID: rec.ID}
}

func (e *Executor) fail(ctx context.Context, rec *types.JobRecord, runErr error) Outcome {
	now := time.Now()
	details, _ := json.Marshal(map[string]any{"message": runErr.Error(), "fatal": isFatal(runErr)})
	// A failed attempt keeps no partial progress; 1.0 is reserved for completed.
	ok, err := e.repo.Transition(ctx, nil, rec.ID, types.JobRunning, types.JobFailed, map[string]interface{}{
		"error":         runErr.Error(),
		"error_details": datatypes.JSON(details),
		"ended_at":      now,
		"progress":      0.0,
	})
	if err != nil {
		return Outcome{Kind: OutcomeFailed, RecordID: rec.ID, Err: err}
	}
	if !ok {
		return e.honorObserved(ctx, rec.ID)
	}
	if e.notify != nil {
		e.notify.JobFailed(rec, runErr.Error())
	}
	return Outcome{Kind: OutcomeFailed, RecordID: rec.ID, Err: runErr}
}

func (e *Executor) cancel(ctx context.Context, rec *types.JobRecord, cause error) Outcome {
	return e.cancelFrom(ctx, rec, types.JobRunning, cause)
}

func (e *Executor) cancelFrom(ctx context.Context, rec *types.JobRecord, from types.JobStatus, cause error) Outcome {
	reason := "cancelled"
	if cause != nil {
		reason = cause.Error()
	}
	now := time.Now()
	// The parent ctx may already be done; transitions still have to land.
	ok, err := e.repo.Transition(context.WithoutCancel(ctx), nil, rec.ID, from, types.JobCancelled, map[string]interface{}{
		"error":    reason,
		"ended_at": now,
		"progress": 0.0,
	})
	if err != nil {
		return Outcome{Kind: OutcomeFailed, RecordID: rec.ID, Err: err}
	}
	if !ok {
		return e.honorObserved(context.WithoutCancel(ctx), rec.ID)
	}
	return Outcome{Kind: OutcomeCancelled, RecordID: rec.ID, Reason: reason}
}

// honorObserved resolves a lost compare-and-set: whatever state an external
// actor moved the record to is the outcome.
func (e *Executor) honorObserved(ctx context.Context, id uuid.UUID) Outcome {
	rec, err := e.repo.GetByID(ctx, nil, id)
	if err != nil || rec == nil {
		return Outcome{Kind: OutcomeFailed, RecordID: id, Err: fmt.Errorf("transition conflict, record unreadable: %v", err)}
	}
	switch rec.Status {
	case types.JobCompleted:
		return Outcome{Kind: OutcomeCompleted, RecordID: id}
	case types.JobCancelled:
		return Outcome{Kind: OutcomeCancelled, RecordID: id, Reason: rec.Error}
	case types.JobPaused:
		return Outcome{Kind: OutcomePaused, RecordID: id, Reason: rec.Error}
	case types.JobSkipped:
		return Outcome{Kind: OutcomeSkipped, RecordID: id}
	case types.JobFailed:
		return Outcome{Kind: OutcomeFailed, RecordID: id, Err: errors.New(rec.Error)}
	default:
		return Outcome{Kind: OutcomeFailed, RecordID: id, Err: fmt.Errorf("transition conflict, record now %s", rec.Status)}
	}
}

// sleep waits d honouring cancellation; returns false when ctx ended first.
func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoff(opts Options, attempt int) time.Duration {
	minB := opts.MinBackoff
	maxB := opts.MaxBackoff
	j := opts.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempt-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}
