// Package jobtest holds in-memory fakes shared by the orchestrator test
// suites. The fake repos mirror the compare-and-set and monotonic-progress
// semantics of the real gorm-backed ones.
package jobtest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/khenlevy/stocksync-backend/internal/repos"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

// FakeJobRepo implements repos.JobRecordRepo in memory.
type FakeJobRepo struct {
	mu      sync.Mutex
	seq     int64
	records map[uuid.UUID]*types.JobRecord
}

var _ repos.JobRecordRepo = (*FakeJobRepo)(nil)

func NewFakeJobRepo() *FakeJobRepo {
	return &FakeJobRepo{records: map[uuid.UUID]*types.JobRecord{}}
}

func copyRecord(rec *types.JobRecord) *types.JobRecord {
	cp := *rec
	return &cp
}

func (f *FakeJobRepo) Create(ctx context.Context, tx *gorm.DB, rec *types.JobRecord) (*types.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = types.JobScheduled
	}
	f.seq++
	// Distinct creation stamps keep ordering deterministic under fast loops.
	rec.CreatedAt = time.Now().Add(time.Duration(f.seq) * time.Microsecond)
	rec.UpdatedAt = rec.CreatedAt
	f.records[rec.ID] = copyRecord(rec)
	return rec, nil
}

func (f *FakeJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (f *FakeJobRepo) Transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to types.JobStatus, patch map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	rec.UpdatedAt = time.Now()
	applyPatch(rec, patch)
	return true, nil
}

func applyPatch(rec *types.JobRecord, patch map[string]interface{}) {
	for k, v := range patch {
		switch k {
		case "started_at":
			if t, ok := v.(time.Time); ok {
				rec.StartedAt = &t
			}
		case "ended_at":
			if t, ok := v.(time.Time); ok {
				rec.EndedAt = &t
			}
		case "attempts":
			if n, ok := v.(int); ok {
				rec.Attempts = n
			}
		case "progress":
			if p, ok := v.(float64); ok {
				rec.Progress = p
			}
		case "error":
			if s, ok := v.(string); ok {
				rec.Error = s
			}
		case "result":
			if j, ok := v.(datatypes.JSON); ok {
				rec.Result = j
			}
		case "error_details":
			if j, ok := v.(datatypes.JSON); ok {
				rec.ErrorDetails = j
			}
		}
	}
}

func (f *FakeJobRepo) AppendLog(ctx context.Context, tx *gorm.DB, id uuid.UUID, entry types.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if entry.TS.IsZero() {
		entry.TS = time.Now()
	}
	entries := rec.LogEntries()
	entries = append(entries, entry)
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	rec.Logs = datatypes.JSON(raw)
	return nil
}

func (f *FakeJobRepo) SetProgress(ctx context.Context, tx *gorm.DB, id uuid.UUID, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	if rec.Progress > value {
		return repos.ErrProgressRegression
	}
	now := time.Now()
	rec.Progress = value
	rec.HeartbeatAt = &now
	rec.UpdatedAt = now
	return nil
}

func (f *FakeJobRepo) UpdateMetadata(ctx context.Context, tx *gorm.DB, id uuid.UUID, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	meta := rec.MetadataMap()
	for k, v := range patch {
		meta[k] = v
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	rec.Metadata = datatypes.JSON(raw)
	return nil
}

func (f *FakeJobRepo) all() []*types.JobRecord {
	out := make([]*types.JobRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (f *FakeJobRepo) FindByName(ctx context.Context, tx *gorm.DB, name string, limit int) ([]*types.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.JobRecord{}
	recs := f.all()
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Name != name {
			continue
		}
		out = append(out, recs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *FakeJobRepo) FindRunning(ctx context.Context, tx *gorm.DB, name string) ([]*types.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.JobRecord{}
	for _, rec := range f.all() {
		if rec.Status != types.JobRunning && rec.Status != types.JobRetrying {
			continue
		}
		if name != "" && rec.Name != name {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *FakeJobRepo) FindRecent(ctx context.Context, tx *gorm.DB, since time.Time) ([]*types.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.JobRecord{}
	recs := f.all()
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].CreatedAt.Before(since) {
			continue
		}
		out = append(out, recs[i])
	}
	return out, nil
}

func (f *FakeJobRepo) FindByCycle(ctx context.Context, tx *gorm.DB, listName string, cycleNumber int) ([]*types.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.JobRecord{}
	for _, rec := range f.all() {
		meta := rec.MetadataMap()
		if meta[types.MetaCycledListName] != listName {
			continue
		}
		if rec.CycleNumber() != cycleNumber {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *FakeJobRepo) FindLatestFinished(ctx context.Context, tx *gorm.DB, name string) (*types.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *types.JobRecord
	for _, rec := range f.all() {
		if rec.Name != name || !rec.Status.Terminal() {
			continue
		}
		latest = rec
	}
	return latest, nil
}

func (f *FakeJobRepo) DeleteByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *FakeJobRepo) DeleteAll(ctx context.Context, tx *gorm.DB) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = map[uuid.UUID]*types.JobRecord{}
	return nil
}

// Snapshot returns every stored record ordered by creation time.
func (f *FakeJobRepo) Snapshot() []*types.JobRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all()
}

// SetStatus force-moves a record, bypassing compare-and-set. Test setup only.
func (f *FakeJobRepo) SetStatus(id uuid.UUID, status types.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok {
		rec.Status = status
	}
}

// FakeStatusRepo implements repos.CycleStatusRepo in memory.
type FakeStatusRepo struct {
	mu   sync.Mutex
	rows map[string]*types.CycledListStatus
}

var _ repos.CycleStatusRepo = (*FakeStatusRepo)(nil)

func NewFakeStatusRepo() *FakeStatusRepo {
	return &FakeStatusRepo{rows: map[string]*types.CycledListStatus{}}
}

func (f *FakeStatusRepo) GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.CycledListStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.rows[name]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (f *FakeStatusRepo) Save(ctx context.Context, tx *gorm.DB, st *types.CycledListStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st == nil || st.Name == "" {
		return errors.New("invalid status")
	}
	now := time.Now()
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
		st.CreatedAt = now
	}
	st.LastUpdated = now
	st.UpdatedAt = now
	cp := *st
	f.rows[st.Name] = &cp
	return nil
}

func (f *FakeStatusRepo) DeleteByName(ctx context.Context, tx *gorm.DB, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, name)
	return nil
}

// NopNotifier satisfies the executor and controller notification interfaces
// while recording nothing.
type NopNotifier struct{}

func (NopNotifier) JobCreated(rec *types.JobRecord)                                {}
func (NopNotifier) JobProgress(rec *types.JobRecord, fraction float64, msg string) {}
func (NopNotifier) JobPaused(rec *types.JobRecord, reason string)                  {}
func (NopNotifier) JobFailed(rec *types.JobRecord, errMsg string)                  {}
func (NopNotifier) JobDone(rec *types.JobRecord)                                   {}
func (NopNotifier) CycleStatusChanged(st *types.CycledListStatus)                  {}
