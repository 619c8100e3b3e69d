package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type OverallStatus string

const (
	OverallRunning        OverallStatus = "running"
	OverallPaused         OverallStatus = "paused"
	OverallStopped        OverallStatus = "stopped"
	OverallCompleted      OverallStatus = "completed"
	OverallNotInitialized OverallStatus = "not_initialized"
)

// StepRef is the {name, parallelGroup?, functionName} shape persisted for the
// current and next workflow step.
type StepRef struct {
	Name          string `json:"name"`
	FunctionName  string `json:"functionName"`
	ParallelGroup string `json:"parallelGroup,omitempty"`
	Index         int    `json:"index"`
}

// CycledListStatus is the singleton orchestrator state document, keyed by
// name. The cycle controller is its only writer.
type CycledListStatus struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name                string         `gorm:"column:name;not null;index" json:"name"`
	RunID               string         `gorm:"column:run_id" json:"run_id,omitempty"`
	OverallStatus       OverallStatus  `gorm:"column:overall_status;not null" json:"overall_status"`
	IsRunning           bool           `gorm:"column:is_running;not null;default:false" json:"is_running"`
	IsPaused            bool           `gorm:"column:is_paused;not null;default:false" json:"is_paused"`
	ManualPause         bool           `gorm:"column:manual_pause;not null;default:false" json:"manual_pause"`
	PauseReason         string         `gorm:"column:pause_reason" json:"pause_reason,omitempty"`
	StopReason          string         `gorm:"column:stop_reason" json:"stop_reason,omitempty"`
	CurrentCycle        int            `gorm:"column:current_cycle;not null;default:0" json:"current_cycle"`
	TotalCycles         int            `gorm:"column:total_cycles;not null;default:0" json:"total_cycles"`
	MaxCycles           *int           `gorm:"column:max_cycles" json:"max_cycles,omitempty"`
	CycleIntervalMs     int64          `gorm:"column:cycle_interval_ms;not null;default:0" json:"cycle_interval_ms"`
	TotalAsyncFns       int            `gorm:"column:total_async_fns;not null;default:0" json:"total_async_fns"`
	CompletedAsyncFns   int            `gorm:"column:completed_async_fns;not null;default:0" json:"completed_async_fns"`
	FailedAsyncFns      int            `gorm:"column:failed_async_fns;not null;default:0" json:"failed_async_fns"`
	CurrentAsyncFnIndex int            `gorm:"column:current_async_fn_index;not null;default:0" json:"current_async_fn_index"`
	Progress            float64        `gorm:"column:progress;not null;default:0" json:"progress"`
	CurrentAsyncFn      datatypes.JSON `gorm:"column:current_async_fn;type:jsonb" json:"current_async_fn,omitempty"`
	NextAsyncFn         datatypes.JSON `gorm:"column:next_async_fn;type:jsonb" json:"next_async_fn,omitempty"`
	PauseConditions     datatypes.JSON `gorm:"column:pause_conditions;type:jsonb" json:"pause_conditions,omitempty"`
	ContinueConditions  datatypes.JSON `gorm:"column:continue_conditions;type:jsonb" json:"continue_conditions,omitempty"`
	NextCycleScheduled  *time.Time     `gorm:"column:next_cycle_scheduled" json:"next_cycle_scheduled,omitempty"`
	LastUpdated         time.Time      `gorm:"column:last_updated;not null;index" json:"last_updated"`
	CreatedAt           time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null" json:"updated_at"`
}

func (CycledListStatus) TableName() string { return "cycled_list_status" }

func (s *CycledListStatus) SetCurrentFn(ref *StepRef) {
	s.CurrentAsyncFn = marshalRef(ref)
}

func (s *CycledListStatus) SetNextFn(ref *StepRef) {
	s.NextAsyncFn = marshalRef(ref)
}

func (s *CycledListStatus) CurrentFn() *StepRef { return unmarshalRef(s.CurrentAsyncFn) }
func (s *CycledListStatus) NextFn() *StepRef    { return unmarshalRef(s.NextAsyncFn) }

// PauseConditionList decodes the pause condition tags. Never returns nil.
func (s *CycledListStatus) PauseConditionList() []string {
	return unmarshalTags(s.PauseConditions)
}

// ContinueConditionList decodes the continue condition tags. Never returns nil.
func (s *CycledListStatus) ContinueConditionList() []string {
	return unmarshalTags(s.ContinueConditions)
}

// AddPauseCondition appends a tag if not already present.
func (s *CycledListStatus) AddPauseCondition(tag string) {
	s.PauseConditions = appendTag(s.PauseConditions, tag)
}

// AddContinueCondition appends a tag if not already present.
func (s *CycledListStatus) AddContinueCondition(tag string) {
	s.ContinueConditions = appendTag(s.ContinueConditions, tag)
}

func marshalRef(ref *StepRef) datatypes.JSON {
	if ref == nil {
		return datatypes.JSON([]byte("null"))
	}
	b, _ := json.Marshal(ref)
	return datatypes.JSON(b)
}

func unmarshalRef(raw datatypes.JSON) *StepRef {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var ref StepRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil
	}
	return &ref
}

func unmarshalTags(raw datatypes.JSON) []string {
	out := []string{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func appendTag(raw datatypes.JSON, tag string) datatypes.JSON {
	tags := unmarshalTags(raw)
	for _, t := range tags {
		if t == tag {
			return raw
		}
	}
	tags = append(tags, tag)
	b, _ := json.Marshal(tags)
	return datatypes.JSON(b)
}
