// Package admin is the operator-facing facade: runbook publishing and
// lifecycle, automation toggles, and manual batch control. It performs the
// same validations and publishes the same messages the scheduler does, so
// manually driven batches flow through the ordinary orchestrator path.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/common"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/db/repository"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/phase"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/queue"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
)

// ErrNotManual is returned when a batch operation requires a manual batch.
var ErrNotManual = errors.New("admin: batch is not manual")

// ErrTerminal is returned when a batch operation targets a finished batch.
var ErrTerminal = errors.New("admin: batch is terminal")

// Service exposes the admin operations.
type Service struct {
	store *repository.Store
	pub   queue.Publisher
	now   func() time.Time
}

// New returns an admin service.
func New(store *repository.Store, pub queue.Publisher) *Service {
	return &Service{store: store, pub: pub, now: time.Now}
}

// NewWithClock returns an admin service with an injected clock for tests.
func NewWithClock(store *repository.Store, pub queue.Publisher, now func() time.Time) *Service {
	return &Service{store: store, pub: pub, now: now}
}

// PublishOptions carries the publish-time knobs stored on the version row.
type PublishOptions struct {
	DataTableName   string
	OverdueBehavior model.OverdueBehavior
	RerunInit       bool
}

// PublishRunbook validates the document and stores it as the next version of
// its name, deactivating every prior version. Nothing is stored when
// validation fails; the *runbook.ValidationError is returned verbatim.
func (s *Service) PublishRunbook(ctx context.Context, doc []byte, opts PublishOptions) (*model.Runbook, error) {
	parsed, err := runbook.Parse(doc)
	if err != nil {
		return nil, err
	}
	behavior := opts.OverdueBehavior
	if behavior == "" {
		behavior = model.OverdueRerun
	}
	latest, err := s.store.Runbooks.LatestVersion(ctx, parsed.Name)
	if err != nil {
		return nil, err
	}
	rb := &model.Runbook{
		Name:            parsed.Name,
		Version:         latest + 1,
		Document:        string(doc),
		DataTableName:   opts.DataTableName,
		IsActive:        true,
		OverdueBehavior: behavior,
		RerunInit:       opts.RerunInit,
		CreatedAt:       s.now(),
	}
	if err := s.store.Runbooks.CreateVersion(ctx, rb); err != nil {
		return nil, err
	}
	common.Logger.WithFields(map[string]interface{}{
		"runbook": rb.Name, "version": rb.Version,
	}).Info("runbook published")
	return rb, nil
}

// GetActiveRunbook returns the active version of a runbook name.
func (s *Service) GetActiveRunbook(ctx context.Context, name string) (*model.Runbook, error) {
	return s.store.Runbooks.GetActiveByName(ctx, name)
}

// ListActiveRunbooks returns every active runbook version.
func (s *Service) ListActiveRunbooks(ctx context.Context) ([]model.Runbook, error) {
	return s.store.Runbooks.ListActive(ctx)
}

// ListRunbookVersions returns every stored version of a runbook name.
func (s *Service) ListRunbookVersions(ctx context.Context, name string) ([]model.Runbook, error) {
	return s.store.Runbooks.ListVersions(ctx, name)
}

// DeactivateRunbook takes a version out of scheduling. In-flight batches
// keep running on the version they already hold.
func (s *Service) DeactivateRunbook(ctx context.Context, name string, version int) error {
	return s.store.Runbooks.DeactivateVersion(ctx, name, version)
}

// AutomationEnabled reads the per-name toggle; a missing row means enabled.
func (s *Service) AutomationEnabled(ctx context.Context, name string) (bool, error) {
	setting, err := s.store.Automation.Get(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return setting.Enabled, nil
}

// SetAutomation flips the per-name toggle.
func (s *Service) SetAutomation(ctx context.Context, name string, enabled bool, actor string) error {
	if err := s.store.Automation.Set(ctx, name, enabled, actor); err != nil {
		return err
	}
	common.Logger.WithFields(map[string]interface{}{
		"runbook": name, "enabled": enabled, "actor": actor,
	}).Info("automation toggled")
	return nil
}

// MemberInput is one member row of a manual batch's tabular payload.
type MemberInput struct {
	Key  string
	Data []byte
}

// CreateManualBatch creates a batch outside the discovery cycle, with the
// given members. The start time stays unset until AdvanceBatch assigns one;
// phases carry no due times until then. The init sequence runs immediately;
// runbooks without init steps start the batch active.
func (s *Service) CreateManualBatch(ctx context.Context, runbookName, createdBy string, members []MemberInput) (*model.Batch, error) {
	rb, err := s.store.Runbooks.GetActiveByName(ctx, runbookName)
	if err != nil {
		return nil, err
	}
	doc, err := runbook.Parse([]byte(rb.Document))
	if err != nil {
		return nil, fmt.Errorf("active runbook no longer parses: %w", err)
	}
	now := s.now()
	status := model.BatchDetected
	if len(doc.Init) == 0 {
		status = model.BatchActive
	}
	batch := &model.Batch{
		RunbookID:   rb.ID,
		RunbookName: rb.Name,
		Status:      status,
		IsManual:    true,
		CreatedBy:   createdBy,
		DetectedAt:  now,
	}
	if err := s.store.Batches.Create(ctx, batch); err != nil {
		return nil, err
	}
	rows, err := phase.BuildInitial(doc, batch.ID, rb.Version, nil, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Phases.InsertMany(ctx, rows); err != nil {
		return nil, err
	}
	for _, in := range members {
		member := &model.BatchMember{
			BatchID:   batch.ID,
			MemberKey: in.Key,
			Status:    model.MemberActive,
			DataJSON:  in.Data,
			AddedAt:   now,
		}
		if err := s.store.Members.Insert(ctx, member); err != nil {
			return nil, err
		}
		// initial members need no member-added message; phases have not fired
		if err := s.store.Members.SetAddDispatched(ctx, member.ID, now); err != nil {
			return nil, err
		}
	}
	if len(doc.Init) > 0 {
		if err := s.pub.Publish(ctx, queue.TypeBatchInit, queue.BatchInit{
			RunbookName:    rb.Name,
			RunbookVersion: rb.Version,
			BatchID:        batch.ID,
			MemberCount:    len(members),
		}); err != nil {
			return nil, err
		}
	}
	common.BatchLogger(batch.ID, rb.Name).WithFields(map[string]interface{}{
		"created_by": createdBy, "members": len(members),
	}).Info("manual batch created")
	return batch, nil
}

// AdvanceBatch gives a manual batch its start time, stamping due times on
// every pending phase from the stored offsets.
func (s *Service) AdvanceBatch(ctx context.Context, batchID int64, start time.Time) error {
	batch, err := s.store.Batches.GetByID(ctx, batchID)
	if err != nil {
		return err
	}
	if !batch.IsManual {
		return ErrNotManual
	}
	if batch.Status.IsTerminal() {
		return ErrTerminal
	}
	if err := s.store.Batches.SetStartTime(ctx, batchID, start); err != nil {
		return err
	}
	phases, err := s.store.Phases.ListByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	for _, p := range phases {
		if p.Status != model.PhasePending {
			continue
		}
		due := start.Add(-time.Duration(p.OffsetMinutes) * time.Minute)
		if err := s.store.Phases.SetDueAt(ctx, p.ID, due); err != nil {
			return err
		}
	}
	common.BatchLogger(batchID, batch.RunbookName).WithField("start_time", start).Info("manual batch advanced")
	return nil
}

// CancelBatch fails a non-terminal batch and cancels the outstanding work of
// every member.
func (s *Service) CancelBatch(ctx context.Context, batchID int64) error {
	batch, err := s.store.Batches.GetByID(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status.IsTerminal() {
		return ErrTerminal
	}
	won := false
	for _, from := range []model.BatchStatus{model.BatchDetected, model.BatchInitDispatched, model.BatchActive} {
		ok, err := s.store.Batches.UpdateStatus(ctx, batchID, from, model.BatchFailed)
		if err != nil {
			return err
		}
		if ok {
			won = true
			break
		}
	}
	if !won {
		return ErrTerminal
	}
	members, err := s.store.Members.ListByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if _, err := s.store.Steps.CancelNonTerminalForMember(ctx, m.ID); err != nil {
			return err
		}
	}
	common.BatchLogger(batchID, batch.RunbookName).Warn("batch cancelled")
	return nil
}

// ListBatches lists batches with optional filters.
func (s *Service) ListBatches(ctx context.Context, f repository.BatchFilter) ([]model.Batch, error) {
	return s.store.Batches.List(ctx, f)
}

// GetBatch returns one batch.
func (s *Service) GetBatch(ctx context.Context, batchID int64) (*model.Batch, error) {
	return s.store.Batches.GetByID(ctx, batchID)
}

// ListMembers returns a batch's members.
func (s *Service) ListMembers(ctx context.Context, batchID int64) ([]model.BatchMember, error) {
	return s.store.Members.ListByBatch(ctx, batchID)
}

// AddMember adds a member to a non-terminal batch by hand and announces it
// the same way the discovery cycle would.
func (s *Service) AddMember(ctx context.Context, batchID int64, key string, dataJSON []byte) (*model.BatchMember, error) {
	batch, err := s.store.Batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status.IsTerminal() {
		return nil, ErrTerminal
	}
	now := s.now()
	member := &model.BatchMember{
		BatchID:   batchID,
		MemberKey: key,
		Status:    model.MemberActive,
		DataJSON:  dataJSON,
		AddedAt:   now,
	}
	if err := s.store.Members.Insert(ctx, member); err != nil {
		return nil, err
	}
	version, err := s.store.Phases.MaxVersion(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := s.pub.Publish(ctx, queue.TypeMemberAdded, queue.MemberChange{
		RunbookName:    batch.RunbookName,
		RunbookVersion: version,
		BatchID:        batchID,
		BatchMemberID:  member.ID,
		MemberKey:      key,
	}); err != nil {
		return nil, err
	}
	if err := s.store.Members.SetAddDispatched(ctx, member.ID, now); err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveMember removes an active member by hand.
func (s *Service) RemoveMember(ctx context.Context, memberID int64) error {
	member, err := s.store.Members.GetByID(ctx, memberID)
	if err != nil {
		return err
	}
	batch, err := s.store.Batches.GetByID(ctx, member.BatchID)
	if err != nil {
		return err
	}
	now := s.now()
	won, err := s.store.Members.MarkRemoved(ctx, memberID, now)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	version, err := s.store.Phases.MaxVersion(ctx, member.BatchID)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, queue.TypeMemberRemoved, queue.MemberChange{
		RunbookName:    batch.RunbookName,
		RunbookVersion: version,
		BatchID:        member.BatchID,
		BatchMemberID:  memberID,
		MemberKey:      member.MemberKey,
	}); err != nil {
		return err
	}
	return s.store.Members.SetRemoveDispatched(ctx, memberID, now)
}
