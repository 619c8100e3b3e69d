package workflow

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/khenlevy/stocksync-backend/internal/jobs/catalogue"
	"github.com/khenlevy/stocksync-backend/internal/jobs/executor"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/repos"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

type CycleOutcomeKind int

const (
	CycleFinished CycleOutcomeKind = iota
	CyclePaused
	CycleCancelled
)

// CycleOutcome is the result of one pass over the workflow. StepIndex is only
// meaningful for CyclePaused: the definition index the cycle pauses at.
type CycleOutcome struct {
	Kind      CycleOutcomeKind
	StepIndex int
	Reason    string
}

// StepRunner is the executor surface the engine drives one step through.
type StepRunner interface {
	Run(ctx context.Context, ref executor.JobRef, opts executor.Options) executor.Outcome
	Resume(ctx context.Context, rec *types.JobRecord, ref executor.JobRef, opts executor.Options) executor.Outcome
	Skip(ctx context.Context, ref executor.JobRef, reason string) executor.Outcome
}

// PauseGate is the closable primitive gating cycle progress. The engine checks
// it at group boundaries and closes it when a step pauses on quota.
type PauseGate interface {
	Closed() (bool, string)
	Close(reason string)
}

// Engine executes one cycle over the ordered definition. It tolerates step
// failures, defers pauses to group boundaries, and skips steps already
// terminal for the cycle so a resumed cycle never re-runs finished work.
type Engine struct {
	repo     repos.JobRecordRepo
	runner   StepRunner
	cat      *catalogue.Catalogue
	log      *logger.Logger
	listName string
	nodeID   string
	opts     executor.Options

	// OnStepDone fires after every step reaches a terminal state, with the
	// cycle number; the controller uses it to recompute the status aggregate.
	OnStepDone func(cycleNumber int)
}

func NewEngine(repo repos.JobRecordRepo, runner StepRunner, cat *catalogue.Catalogue, baseLog *logger.Logger, listName, nodeID string, opts executor.Options) *Engine {
	return &Engine{
		repo:     repo,
		runner:   runner,
		cat:      cat,
		log:      baseLog.With("component", "WorkflowEngine", "list", listName),
		listName: listName,
		nodeID:   nodeID,
		opts:     opts,
	}
}

// RunCycle drives one pass over def for cycleNumber. On re-entry after a
// pause it consults the record store and treats completed, skipped and failed
// records of this run and cycle as done; paused records are resumed. runID
// scopes the lookup so records left by an earlier, finished run of the same
// list never count as this run's work.
func (en *Engine) RunCycle(ctx context.Context, def Definition, cycleNumber int, runID string, gate PauseGate) CycleOutcome {
	prior, err := en.repo.FindByCycle(ctx, nil, en.listName, cycleNumber)
	if err != nil {
		en.log.Warn("FindByCycle failed, running cycle from scratch", "cycle", cycleNumber, "error", err)
		prior = nil
	}
	// Latest record per function for this run and cycle.
	latest := map[string]*types.JobRecord{}
	for _, rec := range prior {
		if rec.RunID() != runID {
			continue
		}
		fn, _ := rec.MetadataMap()["functionName"].(string)
		if fn == "" {
			fn = rec.Name
		}
		latest[fn] = rec
	}

	for _, group := range def.Groups() {
		if ctx.Err() != nil {
			return CycleOutcome{Kind: CycleCancelled}
		}
		if closed, reason := gate.Closed(); closed {
			return CycleOutcome{Kind: CyclePaused, StepIndex: group.Indexes[0], Reason: reason}
		}

		outcomes := make([]executor.Outcome, len(group.Steps))
		if group.Parallel {
			var eg errgroup.Group
			for i := range group.Steps {
				i := i
				eg.Go(func() error {
					outcomes[i] = en.runStep(ctx, group.Steps[i], group.Indexes[i], cycleNumber, runID, latest)
					return nil
				})
			}
			_ = eg.Wait()
		} else {
			for i := range group.Steps {
				outcomes[i] = en.runStep(ctx, group.Steps[i], group.Indexes[i], cycleNumber, runID, latest)
			}
		}

		for i, out := range outcomes {
			if out.Kind == executor.OutcomePaused {
				gate.Close(out.Reason)
				return CycleOutcome{Kind: CyclePaused, StepIndex: group.Indexes[i], Reason: out.Reason}
			}
		}
		if ctx.Err() != nil {
			return CycleOutcome{Kind: CycleCancelled}
		}
		for _, out := range outcomes {
			if out.Kind == executor.OutcomeCancelled {
				return CycleOutcome{Kind: CycleCancelled, Reason: out.Reason}
			}
		}
		// Failed steps are recorded and counted; the cycle continues.
	}
	return CycleOutcome{Kind: CycleFinished}
}

func (en *Engine) runStep(ctx context.Context, step Step, stepIndex, cycleNumber int, runID string, latest map[string]*types.JobRecord) executor.Outcome {
	ref := executor.JobRef{
		Name: step.Name,
		Metadata: map[string]any{
			types.MetaCycledListName: en.listName,
			types.MetaCycleNumber:    cycleNumber,
			types.MetaRunID:          runID,
			types.MetaNodeID:         en.nodeID,
			types.MetaStepIndex:      stepIndex,
			"functionName":           step.FunctionName,
		},
	}
	if step.ParallelGroup != "" {
		ref.Metadata[types.MetaParallelGroup] = step.ParallelGroup
	}

	if prior := latest[step.FunctionName]; prior != nil {
		switch prior.Status {
		case types.JobCompleted:
			return executor.Outcome{Kind: executor.OutcomeCompleted, RecordID: prior.ID}
		case types.JobSkipped:
			return executor.Outcome{Kind: executor.OutcomeSkipped, RecordID: prior.ID}
		case types.JobFailed:
			return executor.Outcome{Kind: executor.OutcomeFailed, RecordID: prior.ID}
		case types.JobPaused:
			entry, ok := en.cat.Lookup(step.FunctionName)
			if !ok {
				return executor.Outcome{Kind: executor.OutcomeFailed, Err: fmt.Errorf("unknown function %q", step.FunctionName)}
			}
			ref.Fn = entry.Func
			out := en.runner.Resume(ctx, prior, ref, en.opts)
			en.stepDone(cycleNumber)
			return out
		}
	}

	if step.Skipped {
		out := en.runner.Skip(ctx, ref, "skipped by workflow definition")
		en.stepDone(cycleNumber)
		return out
	}

	entry, ok := en.cat.Lookup(step.FunctionName)
	if !ok {
		// Validation rules this out at initialise time.
		return executor.Outcome{Kind: executor.OutcomeFailed, Err: fmt.Errorf("unknown function %q", step.FunctionName)}
	}
	ref.Fn = entry.Func
	out := en.runner.Run(ctx, ref, en.opts)
	en.stepDone(cycleNumber)
	return out
}

func (en *Engine) stepDone(cycleNumber int) {
	if en.OnStepDone != nil {
		en.OnStepDone(cycleNumber)
	}
}
