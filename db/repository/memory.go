package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
)

// NewMemoryStore returns a Store backed by in-process maps. It mirrors the
// Postgres semantics closely enough for handler tests: unique-key conflicts,
// compare-and-swap outcomes, conflict-skipping inserts.
func NewMemoryStore() *Store {
	m := &memory{
		runbooks:   map[int64]*model.Runbook{},
		automation: map[string]*model.AutomationSetting{},
		batches:    map[int64]*model.Batch{},
		members:    map[int64]*model.BatchMember{},
		phases:     map[int64]*model.PhaseExecution{},
		steps:      map[int64]*model.StepExecution{},
		inits:      map[int64]*model.InitExecution{},
	}
	return &Store{
		Runbooks:   (*memoryRunbooks)(m),
		Automation: (*memoryAutomation)(m),
		Batches:    (*memoryBatches)(m),
		Members:    (*memoryMembers)(m),
		Phases:     (*memoryPhases)(m),
		Steps:      (*memorySteps)(m),
		Inits:      (*memoryInits)(m),
	}
}

type memory struct {
	mu     sync.Mutex
	nextID int64

	runbooks   map[int64]*model.Runbook
	automation map[string]*model.AutomationSetting
	batches    map[int64]*model.Batch
	members    map[int64]*model.BatchMember
	phases     map[int64]*model.PhaseExecution
	steps      map[int64]*model.StepExecution
	inits      map[int64]*model.InitExecution
}

func (m *memory) id() int64 {
	m.nextID++
	return m.nextID
}

func sortedIDs[T any](src map[int64]*T) []int64 {
	ids := make([]int64, 0, len(src))
	for id := range src {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type memoryRunbooks memory

func (m *memoryRunbooks) CreateVersion(_ context.Context, rb *model.Runbook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runbooks {
		if r.Name == rb.Name && r.Version == rb.Version {
			return ErrConflict
		}
	}
	for _, r := range m.runbooks {
		if r.Name == rb.Name && r.Version < rb.Version {
			r.IsActive = false
		}
	}
	rb.ID = (*memory)(m).id()
	cp := *rb
	m.runbooks[rb.ID] = &cp
	return nil
}

func (m *memoryRunbooks) GetByID(_ context.Context, id int64) (*model.Runbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rb, ok := m.runbooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rb
	return &cp, nil
}

func (m *memoryRunbooks) GetActiveByName(_ context.Context, name string) (*model.Runbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.Runbook
	for _, r := range m.runbooks {
		if r.Name == name && r.IsActive && (best == nil || r.Version > best.Version) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *memoryRunbooks) GetByNameVersion(_ context.Context, name string, version int) (*model.Runbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runbooks {
		if r.Name == name && r.Version == version {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryRunbooks) ListActive(_ context.Context) ([]model.Runbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Runbook
	for _, id := range sortedIDs(m.runbooks) {
		if m.runbooks[id].IsActive {
			out = append(out, *m.runbooks[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memoryRunbooks) ListVersions(_ context.Context, name string) ([]model.Runbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Runbook
	for _, id := range sortedIDs(m.runbooks) {
		if m.runbooks[id].Name == name {
			out = append(out, *m.runbooks[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *memoryRunbooks) LatestVersion(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := 0
	for _, r := range m.runbooks {
		if r.Name == name && r.Version > v {
			v = r.Version
		}
	}
	return v, nil
}

func (m *memoryRunbooks) DeactivateVersion(_ context.Context, name string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runbooks {
		if r.Name == name && r.Version == version {
			r.IsActive = false
			return nil
		}
	}
	return ErrNotFound
}

type memoryAutomation memory

func (m *memoryAutomation) Get(_ context.Context, runbookName string) (*model.AutomationSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.automation[runbookName]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memoryAutomation) Set(_ context.Context, runbookName string, enabled bool, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if s, ok := m.automation[runbookName]; ok {
		s.Enabled = enabled
		s.UpdatedBy = actor
		s.UpdatedAt = now
		return nil
	}
	m.automation[runbookName] = &model.AutomationSetting{
		RunbookName: runbookName, Enabled: enabled, UpdatedBy: actor,
		CreatedAt: now, UpdatedAt: now,
	}
	return nil
}

type memoryBatches memory

func (m *memoryBatches) Create(_ context.Context, b *model.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !b.IsManual && b.BatchStartTime != nil {
		for _, x := range m.batches {
			if !x.IsManual && x.RunbookName == b.RunbookName &&
				x.BatchStartTime != nil && x.BatchStartTime.Equal(*b.BatchStartTime) {
				return ErrConflict
			}
		}
	}
	b.ID = (*memory)(m).id()
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *memoryBatches) GetByID(_ context.Context, id int64) (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memoryBatches) FindScheduled(_ context.Context, runbookName string, start time.Time) (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		if !b.IsManual && b.RunbookName == runbookName &&
			b.BatchStartTime != nil && b.BatchStartTime.Equal(start) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryBatches) ListActiveByRunbookName(_ context.Context, runbookName string) ([]model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Batch
	for _, id := range sortedIDs(m.batches) {
		b := m.batches[id]
		if b.RunbookName == runbookName && !b.Status.IsTerminal() {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *memoryBatches) List(_ context.Context, f BatchFilter) ([]model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Batch
	ids := sortedIDs(m.batches)
	for i := len(ids) - 1; i >= 0; i-- {
		b := m.batches[ids[i]]
		if f.RunbookName != "" && b.RunbookName != f.RunbookName {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		out = append(out, *b)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memoryBatches) UpdateStatus(_ context.Context, id int64, from, to model.BatchStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	return true, nil
}

func (m *memoryBatches) SetStartTime(_ context.Context, id int64, start time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	b.BatchStartTime = &start
	return nil
}

func (m *memoryBatches) SetInitDispatched(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	b.InitDispatchedAt = &at
	return nil
}

func (m *memoryBatches) SetCurrentPhase(_ context.Context, id int64, phaseName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	b.CurrentPhase = phaseName
	return nil
}

func (m *memoryBatches) SetRunbookID(_ context.Context, id int64, runbookID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	b.RunbookID = runbookID
	return nil
}

type memoryMembers memory

func (m *memoryMembers) Insert(_ context.Context, mem *model.BatchMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.members {
		if x.BatchID == mem.BatchID && x.MemberKey == mem.MemberKey {
			return ErrConflict
		}
	}
	mem.ID = (*memory)(m).id()
	cp := *mem
	m.members[mem.ID] = &cp
	return nil
}

func (m *memoryMembers) GetByID(_ context.Context, id int64) (*model.BatchMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mem
	return &cp, nil
}

func (m *memoryMembers) list(match func(*model.BatchMember) bool) []model.BatchMember {
	var out []model.BatchMember
	for _, id := range sortedIDs(m.members) {
		if match(m.members[id]) {
			out = append(out, *m.members[id])
		}
	}
	return out
}

func (m *memoryMembers) ListByBatch(_ context.Context, batchID int64) ([]model.BatchMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(x *model.BatchMember) bool { return x.BatchID == batchID }), nil
}

func (m *memoryMembers) ListActiveByBatch(_ context.Context, batchID int64) ([]model.BatchMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(x *model.BatchMember) bool {
		return x.BatchID == batchID && x.Status == model.MemberActive
	}), nil
}

func (m *memoryMembers) UpdateStatus(_ context.Context, id int64, from, to model.MemberStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok || mem.Status != from {
		return false, nil
	}
	mem.Status = to
	return true, nil
}

func (m *memoryMembers) MarkRemoved(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok || mem.Status != model.MemberActive {
		return false, nil
	}
	mem.Status = model.MemberRemoved
	mem.RemovedAt = &at
	return true, nil
}

func (m *memoryMembers) MergeWorkerData(_ context.Context, id int64, updates map[string]string) error {
	if len(updates) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok {
		return ErrNotFound
	}
	merged := map[string]interface{}{}
	if len(mem.WorkerDataJSON) > 0 {
		if err := json.Unmarshal(mem.WorkerDataJSON, &merged); err != nil {
			return fmt.Errorf("decode worker data: %w", err)
		}
	}
	for k, v := range updates {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	mem.WorkerDataJSON = out
	return nil
}

func (m *memoryMembers) SetAddDispatched(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok {
		return ErrNotFound
	}
	mem.AddDispatchedAt = &at
	return nil
}

func (m *memoryMembers) SetRemoveDispatched(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok {
		return ErrNotFound
	}
	mem.RemoveDispatchedAt = &at
	return nil
}

func (m *memoryMembers) ListUndispatched(_ context.Context, batchID int64) ([]model.BatchMember, []model.BatchMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	adds := m.list(func(x *model.BatchMember) bool {
		return x.BatchID == batchID && x.Status == model.MemberActive && x.AddDispatchedAt == nil
	})
	removes := m.list(func(x *model.BatchMember) bool {
		return x.BatchID == batchID && x.Status == model.MemberRemoved && x.RemoveDispatchedAt == nil
	})
	return adds, removes, nil
}

func (m *memoryMembers) ActiveKeys(_ context.Context, runbookName string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := map[string]bool{}
	for _, mem := range m.members {
		if mem.Status != model.MemberActive {
			continue
		}
		b, ok := m.batches[mem.BatchID]
		if !ok || b.RunbookName != runbookName || b.Status.IsTerminal() {
			continue
		}
		keys[mem.MemberKey] = true
	}
	return keys, nil
}

type memoryPhases memory

func (m *memoryPhases) InsertMany(_ context.Context, rows []model.PhaseExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
next:
	for _, p := range rows {
		for _, x := range m.phases {
			if x.BatchID == p.BatchID && x.PhaseName == p.PhaseName && x.RunbookVersion == p.RunbookVersion {
				continue next
			}
		}
		p.ID = (*memory)(m).id()
		cp := p
		m.phases[p.ID] = &cp
	}
	return nil
}

func (m *memoryPhases) GetByID(_ context.Context, id int64) (*model.PhaseExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memoryPhases) list(match func(*model.PhaseExecution) bool) []model.PhaseExecution {
	var out []model.PhaseExecution
	for _, id := range sortedIDs(m.phases) {
		if match(m.phases[id]) {
			out = append(out, *m.phases[id])
		}
	}
	return out
}

func (m *memoryPhases) ListByBatch(_ context.Context, batchID int64) ([]model.PhaseExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(x *model.PhaseExecution) bool { return x.BatchID == batchID }), nil
}

func (m *memoryPhases) ListDue(_ context.Context, batchID int64, now time.Time) ([]model.PhaseExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.list(func(x *model.PhaseExecution) bool {
		return x.BatchID == batchID && x.Status == model.PhasePending &&
			x.DueAt != nil && !x.DueAt.After(now)
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(*out[j].DueAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueAt.Before(*out[j].DueAt)
	})
	return out, nil
}

func (m *memoryPhases) MarkDispatched(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[id]
	if !ok || p.Status != model.PhasePending {
		return false, nil
	}
	p.Status = model.PhaseDispatched
	p.DispatchedAt = &at
	return true, nil
}

func (m *memoryPhases) UpdateStatus(_ context.Context, id int64, from, to model.PhaseStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	if to.IsTerminal() {
		p.CompletedAt = &at
	}
	return true, nil
}

func (m *memoryPhases) SupersedePending(_ context.Context, batchID int64, version int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.phases {
		if p.BatchID == batchID && p.RunbookVersion == version && p.Status == model.PhasePending {
			p.Status = model.PhaseSuperseded
			n++
		}
	}
	return n, nil
}

func (m *memoryPhases) MaxVersion(_ context.Context, batchID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := 0
	for _, p := range m.phases {
		if p.BatchID == batchID && p.RunbookVersion > v {
			v = p.RunbookVersion
		}
	}
	return v, nil
}

func (m *memoryPhases) SetDueAt(_ context.Context, id int64, due time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[id]
	if !ok {
		return ErrNotFound
	}
	p.DueAt = &due
	return nil
}

type memorySteps memory

func (m *memorySteps) InsertMany(_ context.Context, rows []model.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
next:
	for _, s := range rows {
		for _, x := range m.steps {
			if x.PhaseExecutionID == s.PhaseExecutionID && x.BatchMemberID == s.BatchMemberID && x.StepIndex == s.StepIndex {
				continue next
			}
		}
		s.ID = (*memory)(m).id()
		cp := s
		m.steps[s.ID] = &cp
	}
	return nil
}

func (m *memorySteps) GetByID(_ context.Context, id int64) (*model.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memorySteps) list(match func(*model.StepExecution) bool) []model.StepExecution {
	var out []model.StepExecution
	for _, id := range sortedIDs(m.steps) {
		if match(m.steps[id]) {
			out = append(out, *m.steps[id])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchMemberID != out[j].BatchMemberID {
			return out[i].BatchMemberID < out[j].BatchMemberID
		}
		return out[i].StepIndex < out[j].StepIndex
	})
	return out
}

func (m *memorySteps) ListByPhase(_ context.Context, phaseExecutionID int64) ([]model.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(x *model.StepExecution) bool { return x.PhaseExecutionID == phaseExecutionID }), nil
}

func (m *memorySteps) ListByPhaseMember(_ context.Context, phaseExecutionID, memberID int64) ([]model.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(x *model.StepExecution) bool {
		return x.PhaseExecutionID == phaseExecutionID && x.BatchMemberID == memberID
	}), nil
}

func (m *memorySteps) MarkDispatched(_ context.Context, id int64, from model.StepStatus, jobID string, paramsJSON []byte, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = model.StepDispatched
	s.JobID = jobID
	s.ParamsJSON = paramsJSON
	s.UpdatedAt = at
	return true, nil
}

func (m *memorySteps) MarkSucceeded(_ context.Context, id int64, from model.StepStatus, resultJSON []byte, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = model.StepSucceeded
	s.ResultJSON = resultJSON
	s.UpdatedAt = at
	return true, nil
}

func (m *memorySteps) MarkFailed(_ context.Context, id int64, from model.StepStatus, errMsg string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = model.StepFailed
	s.ErrorMessage = errMsg
	s.UpdatedAt = at
	return true, nil
}

func (m *memorySteps) MarkPolling(_ context.Context, id int64, from model.StepStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = model.StepPolling
	if s.PollStartedAt == nil {
		t := at
		s.PollStartedAt = &t
	}
	t := at
	s.LastPolledAt = &t
	s.PollCount++
	s.UpdatedAt = at
	return true, nil
}

func (m *memorySteps) MarkPollTimeout(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok || s.Status != model.StepPolling {
		return false, nil
	}
	s.Status = model.StepPollTimeout
	s.UpdatedAt = at
	return true, nil
}

func (m *memorySteps) ScheduleRetry(_ context.Context, id int64, from model.StepStatus, retryAfter time.Time, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = model.StepPending
	s.RetryCount++
	s.RetryAfter = &retryAfter
	s.UpdatedAt = at
	return true, nil
}

func (m *memorySteps) CancelPendingForMember(_ context.Context, memberID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.steps {
		if s.BatchMemberID == memberID && s.Status == model.StepPending {
			s.Status = model.StepCancelled
			n++
		}
	}
	return n, nil
}

func (m *memorySteps) CancelNonTerminalForMember(_ context.Context, memberID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.steps {
		if s.BatchMemberID == memberID && !s.Status.IsTerminal() {
			s.Status = model.StepCancelled
			n++
		}
	}
	return n, nil
}

type memoryInits memory

func (m *memoryInits) InsertMany(_ context.Context, rows []model.InitExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
next:
	for _, s := range rows {
		for _, x := range m.inits {
			if x.BatchID == s.BatchID && x.RunbookVersion == s.RunbookVersion && x.StepIndex == s.StepIndex {
				continue next
			}
		}
		s.ID = (*memory)(m).id()
		cp := s
		m.inits[s.ID] = &cp
	}
	return nil
}

func (m *memoryInits) ExistsForBatch(_ context.Context, batchID int64, version int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.inits {
		if s.BatchID == batchID && s.RunbookVersion == version {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryInits) GetByID(_ context.Context, id int64) (*model.InitExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inits[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memoryInits) ListByBatch(_ context.Context, batchID int64, version int) ([]model.InitExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.InitExecution
	for _, id := range sortedIDs(m.inits) {
		s := m.inits[id]
		if s.BatchID == batchID && s.RunbookVersion == version {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (m *memoryInits) FirstPending(_ context.Context, batchID int64, version int) (*model.InitExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.InitExecution
	for _, s := range m.inits {
		if s.BatchID == batchID && s.RunbookVersion == version && s.Status == model.StepPending {
			if best == nil || s.StepIndex < best.StepIndex {
				best = s
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *memoryInits) MarkDispatched(_ context.Context, id int64, from model.StepStatus, jobID string, paramsJSON []byte, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inits[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = model.StepDispatched
	s.JobID = jobID
	s.ParamsJSON = paramsJSON
	s.UpdatedAt = at
	return true, nil
}

func (m *memoryInits) MarkSucceeded(_ context.Context, id int64, from model.StepStatus, resultJSON []byte, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inits[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = model.StepSucceeded
	s.ResultJSON = resultJSON
	s.UpdatedAt = at
	return true, nil
}

func (m *memoryInits) MarkFailed(_ context.Context, id int64, from model.StepStatus, errMsg string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inits[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = model.StepFailed
	s.ErrorMessage = errMsg
	s.UpdatedAt = at
	return true, nil
}

func (m *memoryInits) MarkPolling(_ context.Context, id int64, from model.StepStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inits[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = model.StepPolling
	if s.PollStartedAt == nil {
		t := at
		s.PollStartedAt = &t
	}
	t := at
	s.LastPolledAt = &t
	s.PollCount++
	s.UpdatedAt = at
	return true, nil
}

func (m *memoryInits) MarkPollTimeout(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inits[id]
	if !ok || s.Status != model.StepPolling {
		return false, nil
	}
	s.Status = model.StepPollTimeout
	s.UpdatedAt = at
	return true, nil
}

func (m *memoryInits) ScheduleRetry(_ context.Context, id int64, from model.StepStatus, retryAfter time.Time, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inits[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = model.StepPending
	s.RetryCount++
	s.RetryAfter = &retryAfter
	s.UpdatedAt = at
	return true, nil
}
