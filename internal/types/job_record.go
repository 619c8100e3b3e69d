package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPaused    JobStatus = "paused"
	JobCancelled JobStatus = "cancelled"
	JobRetrying  JobStatus = "retrying"
	JobSkipped   JobStatus = "skipped"
)

// Terminal reports whether the status ends a record's lifecycle. endedAt is
// set iff the record is in one of these states.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobSkipped:
		return true
	default:
		return false
	}
}

type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type LogEntry struct {
	TS    time.Time `json:"ts"`
	Level LogLevel  `json:"level"`
	Msg   string    `json:"msg"`
}

// Metadata keys stamped on records created from a cycle.
const (
	MetaCycledListName = "cycledListName"
	MetaCycleNumber    = "cycleNumber"
	MetaRunID          = "runId"
	MetaNodeID         = "nodeId"
	MetaParallelGroup  = "parallelGroup"
	MetaStepIndex      = "stepIndex"
	MetaAdHoc          = "adHoc"
)

// JobRecord is one document per execution attempt of a named job.
type JobRecord struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name           string         `gorm:"column:name;not null;index" json:"name"`
	MachineName    string         `gorm:"column:machine_name" json:"machine_name,omitempty"`
	Status         JobStatus      `gorm:"column:status;not null;index" json:"status"`
	ScheduledAt    *time.Time     `gorm:"column:scheduled_at;index" json:"scheduled_at,omitempty"`
	StartedAt      *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	EndedAt        *time.Time     `gorm:"column:ended_at" json:"ended_at,omitempty"`
	Progress       float64        `gorm:"column:progress;not null;default:0" json:"progress"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Result         datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	Error          string         `gorm:"column:error" json:"error,omitempty"`
	ErrorDetails   datatypes.JSON `gorm:"column:error_details;type:jsonb" json:"error_details,omitempty"`
	Logs           datatypes.JSON `gorm:"column:logs;type:jsonb" json:"logs,omitempty"`
	Metadata       datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	HeartbeatAt    *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CronExpression string         `gorm:"column:cron_expression" json:"cron_expression,omitempty"`
	Timezone       string         `gorm:"column:timezone" json:"timezone,omitempty"`
	NextRun        *time.Time     `gorm:"column:next_run" json:"next_run,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (JobRecord) TableName() string { return "job_record" }

// MetadataMap decodes the metadata column. Never returns nil.
func (r *JobRecord) MetadataMap() map[string]any {
	out := map[string]any{}
	if r == nil || len(r.Metadata) == 0 {
		return out
	}
	_ = json.Unmarshal(r.Metadata, &out)
	return out
}

// CycleNumber reads the cycle number stamped in metadata, 0 when absent.
func (r *JobRecord) CycleNumber() int {
	v, ok := r.MetadataMap()[MetaCycleNumber]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// RunID reads the run generation stamped in metadata, "" when absent.
func (r *JobRecord) RunID() string {
	v, _ := r.MetadataMap()[MetaRunID].(string)
	return v
}

// LogEntries decodes the logs column. Never returns nil.
func (r *JobRecord) LogEntries() []LogEntry {
	out := []LogEntry{}
	if r == nil || len(r.Logs) == 0 {
		return out
	}
	_ = json.Unmarshal(r.Logs, &out)
	return out
}
