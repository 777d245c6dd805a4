// Package scheduler runs the periodic discovery cycle: it evaluates every
// active runbook's data source, creates batches and members, keeps members
// in sync, fires due phases and applies runbook version transitions to
// in-flight batches.
//
// A Redis lease keeps concurrent replicas from duplicating a cycle, but the
// cycle itself is safe to repeat: batch creation collides on unique keys,
// phase firing is compare-and-swap in the orchestrator, and member changes
// republish idempotent messages.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/common"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/db/repository"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/lock"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/phase"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/queue"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/source"
)

// immediateBucket is the grouping window for `batch_time: immediate`
// runbooks; rows arriving inside one window join the same batch.
const immediateBucket = 5 * time.Minute

// Scheduler holds the cycle state.
type Scheduler struct {
	store        *repository.Store
	pub          queue.Publisher
	sources      *source.Registry
	lease        *lock.Lease
	tickInterval time.Duration
	queryTimeout time.Duration
	now          func() time.Time
}

// Config wires a scheduler.
type Config struct {
	Store        *repository.Store
	Publisher    queue.Publisher
	Sources      *source.Registry
	Lease        *lock.Lease // nil disables the replica lease
	TickInterval time.Duration
	QueryTimeout time.Duration
	Now          func() time.Time // nil means time.Now
}

// New returns a scheduler.
func New(cfg Config) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:        cfg.Store,
		pub:          cfg.Publisher,
		sources:      cfg.Sources,
		lease:        cfg.Lease,
		tickInterval: cfg.TickInterval,
		queryTimeout: cfg.QueryTimeout,
		now:          now,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tickWithLease(ctx)
		}
	}
}

func (s *Scheduler) tickWithLease(ctx context.Context) {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx)
		if err != nil {
			common.Logger.WithError(err).Warn("scheduler lease unavailable, skipping cycle")
			return
		}
		if !ok {
			common.Logger.Debug("another scheduler holds the lease, skipping cycle")
			return
		}
		defer s.lease.Release(ctx)
	}
	if err := s.Tick(ctx); err != nil {
		common.Logger.WithError(err).Error("scheduler cycle failed")
	}
}

// Tick runs one full cycle over every active runbook.
func (s *Scheduler) Tick(ctx context.Context) error {
	runbooks, err := s.store.Runbooks.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range runbooks {
		rb := runbooks[i]
		enabled, err := s.automationEnabled(ctx, rb.Name)
		if err != nil {
			return err
		}
		if !enabled {
			continue
		}
		doc, err := runbook.Parse([]byte(rb.Document))
		if err != nil {
			common.Critical().WithFields(map[string]interface{}{
				"runbook": rb.Name, "version": rb.Version, "error": err.Error(),
			}).Error("active runbook no longer parses, skipping")
			continue
		}
		if err := s.processRunbook(ctx, &rb, doc); err != nil {
			common.Logger.WithField("runbook", rb.Name).WithError(err).Error("runbook cycle failed")
		}
	}
	return nil
}

// automationEnabled reads the toggle; a missing row means enabled.
func (s *Scheduler) automationEnabled(ctx context.Context, name string) (bool, error) {
	setting, err := s.store.Automation.Get(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return setting.Enabled, nil
}

func (s *Scheduler) processRunbook(ctx context.Context, rb *model.Runbook, doc *runbook.Document) error {
	members, queryErr := s.discoverMembers(ctx, doc)
	if queryErr != nil {
		// in-flight batches keep progressing when the source is down
		common.Logger.WithField("runbook", rb.Name).WithError(queryErr).Error("source query failed, skipping discovery")
	} else if doc.DataSource.Immediate() {
		if err := s.syncImmediate(ctx, rb, doc, members); err != nil {
			return err
		}
	} else {
		if err := s.syncScheduled(ctx, rb, doc, members); err != nil {
			return err
		}
	}

	batches, err := s.store.Batches.ListActiveByRunbookName(ctx, rb.Name)
	if err != nil {
		return err
	}
	for i := range batches {
		b := batches[i]
		if err := s.applyVersionTransition(ctx, rb, doc, &b); err != nil {
			return err
		}
		if err := s.recoverDispatch(ctx, rb, &b); err != nil {
			return err
		}
		if b.Status == model.BatchActive {
			if err := s.fireDuePhases(ctx, rb, &b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) discoverMembers(ctx context.Context, doc *runbook.Document) ([]source.Member, error) {
	querier, err := s.sources.For(doc.DataSource.Type)
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := querier.Query(qctx, doc.DataSource)
	if err != nil {
		return nil, err
	}
	return source.Normalize(rows, doc.DataSource)
}

// syncScheduled groups discovered members by their batch start time and
// reconciles each group against its batch. Batches are looked up by runbook
// name, never by version id, so republished versions keep feeding the same
// batches.
func (s *Scheduler) syncScheduled(ctx context.Context, rb *model.Runbook, doc *runbook.Document, members []source.Member) error {
	groups := map[time.Time][]source.Member{}
	for _, m := range members {
		if m.BatchTime == nil {
			continue
		}
		groups[*m.BatchTime] = append(groups[*m.BatchTime], m)
	}
	for start, group := range groups {
		batch, err := s.store.Batches.FindScheduled(ctx, rb.Name, start)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			t := start
			if err := s.createBatch(ctx, rb, doc, &t, group, false, ""); err != nil {
				return err
			}
			continue
		}
		if batch.Status.IsTerminal() {
			continue
		}
		if err := s.syncMembers(ctx, rb, batch, group); err != nil {
			return err
		}
	}
	return nil
}

// syncImmediate puts source rows not already active in any batch of this
// runbook into the current time bucket's batch.
func (s *Scheduler) syncImmediate(ctx context.Context, rb *model.Runbook, doc *runbook.Document, members []source.Member) error {
	activeKeys, err := s.store.Members.ActiveKeys(ctx, rb.Name)
	if err != nil {
		return err
	}
	var fresh []source.Member
	for _, m := range members {
		if !activeKeys[m.Key] {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	bucket := s.now().UTC().Truncate(immediateBucket)
	batch, err := s.store.Batches.FindScheduled(ctx, rb.Name, bucket)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return s.createBatch(ctx, rb, doc, &bucket, fresh, false, "")
	}
	if batch.Status.IsTerminal() {
		return nil
	}
	return s.addMembers(ctx, rb, batch, fresh)
}

// createBatch creates the batch, its phase rows and initial members, then
// publishes the init message. Runbooks without init steps skip the detected
// state: the batch starts active and any already-due phases fire with it. A
// unique-key conflict means a concurrent cycle created it first; the members
// are reconciled on the next tick.
func (s *Scheduler) createBatch(ctx context.Context, rb *model.Runbook, doc *runbook.Document, start *time.Time, members []source.Member, manual bool, createdBy string) error {
	now := s.now()
	status := model.BatchDetected
	if len(doc.Init) == 0 {
		status = model.BatchActive
	}
	batch := &model.Batch{
		RunbookID:      rb.ID,
		RunbookName:    rb.Name,
		BatchStartTime: start,
		Status:         status,
		IsManual:       manual,
		CreatedBy:      createdBy,
		DetectedAt:     now,
	}
	if err := s.store.Batches.Create(ctx, batch); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		return err
	}
	rows, err := phase.BuildInitial(doc, batch.ID, rb.Version, start, now)
	if err != nil {
		return err
	}
	if err := s.store.Phases.InsertMany(ctx, rows); err != nil {
		return err
	}
	for _, m := range members {
		member := &model.BatchMember{
			BatchID:   batch.ID,
			MemberKey: m.Key,
			Status:    model.MemberActive,
			DataJSON:  m.DataJSON,
			AddedAt:   now,
		}
		if err := s.store.Members.Insert(ctx, member); err != nil && !errors.Is(err, repository.ErrConflict) {
			return err
		}
		// initial members need no member-added message; phases have not fired
		if err := s.store.Members.SetAddDispatched(ctx, member.ID, now); err != nil {
			return err
		}
	}
	common.BatchLogger(batch.ID, rb.Name).WithFields(map[string]interface{}{
		"members": len(members), "runbook_version": rb.Version,
	}).Info("batch detected")
	if len(doc.Init) > 0 {
		if err := s.pub.Publish(ctx, queue.TypeBatchInit, queue.BatchInit{
			RunbookName:    rb.Name,
			RunbookVersion: rb.Version,
			BatchID:        batch.ID,
			BatchStartTime: start,
			MemberCount:    len(members),
		}); err != nil {
			return err
		}
		return nil
	}
	return s.fireDuePhases(ctx, rb, batch)
}

// syncMembers reconciles a batch's member set against the source rows of its
// group: new keys join, active keys that vanished from the source leave.
func (s *Scheduler) syncMembers(ctx context.Context, rb *model.Runbook, batch *model.Batch, group []source.Member) error {
	existing, err := s.store.Members.ListByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	known := map[string]*model.BatchMember{}
	for i := range existing {
		known[existing[i].MemberKey] = &existing[i]
	}
	sourceKeys := map[string]bool{}
	var fresh []source.Member
	for _, m := range group {
		sourceKeys[m.Key] = true
		if _, ok := known[m.Key]; !ok {
			fresh = append(fresh, m)
		}
	}
	if err := s.addMembers(ctx, rb, batch, fresh); err != nil {
		return err
	}
	now := s.now()
	for key, m := range known {
		if sourceKeys[key] || m.Status != model.MemberActive {
			continue
		}
		won, err := s.store.Members.MarkRemoved(ctx, m.ID, now)
		if err != nil {
			return err
		}
		if !won {
			continue
		}
		common.BatchLogger(batch.ID, batch.RunbookName).WithField("member_key", key).Info("member removed from source")
		if err := s.pub.Publish(ctx, queue.TypeMemberRemoved, queue.MemberChange{
			RunbookName:    rb.Name,
			RunbookVersion: rb.Version,
			BatchID:        batch.ID,
			BatchMemberID:  m.ID,
			MemberKey:      key,
		}); err != nil {
			return err
		}
		if err := s.store.Members.SetRemoveDispatched(ctx, m.ID, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) addMembers(ctx context.Context, rb *model.Runbook, batch *model.Batch, fresh []source.Member) error {
	now := s.now()
	for _, m := range fresh {
		member := &model.BatchMember{
			BatchID:   batch.ID,
			MemberKey: m.Key,
			Status:    model.MemberActive,
			DataJSON:  m.DataJSON,
			AddedAt:   now,
		}
		if err := s.store.Members.Insert(ctx, member); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return err
		}
		common.BatchLogger(batch.ID, batch.RunbookName).WithField("member_key", m.Key).Info("member added")
		if err := s.pub.Publish(ctx, queue.TypeMemberAdded, queue.MemberChange{
			RunbookName:    rb.Name,
			RunbookVersion: rb.Version,
			BatchID:        batch.ID,
			BatchMemberID:  member.ID,
			MemberKey:      m.Key,
		}); err != nil {
			return err
		}
		if err := s.store.Members.SetAddDispatched(ctx, member.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// recoverDispatch republishes messages a crashed cycle recorded but never
// confirmed: batch init for batches stuck in detected, and member changes
// whose dispatch stamp is missing.
func (s *Scheduler) recoverDispatch(ctx context.Context, rb *model.Runbook, b *model.Batch) error {
	if b.Status == model.BatchDetected {
		version, err := s.store.Phases.MaxVersion(ctx, b.ID)
		if err != nil {
			return err
		}
		if version == 0 {
			version = rb.Version
		}
		count, err := s.activeMemberCount(ctx, b.ID)
		if err != nil {
			return err
		}
		if err := s.pub.Publish(ctx, queue.TypeBatchInit, queue.BatchInit{
			RunbookName:    rb.Name,
			RunbookVersion: version,
			BatchID:        b.ID,
			BatchStartTime: b.BatchStartTime,
			MemberCount:    count,
		}); err != nil {
			return err
		}
	}
	adds, removes, err := s.store.Members.ListUndispatched(ctx, b.ID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, m := range adds {
		if err := s.pub.Publish(ctx, queue.TypeMemberAdded, queue.MemberChange{
			RunbookName:    rb.Name,
			RunbookVersion: rb.Version,
			BatchID:        b.ID,
			BatchMemberID:  m.ID,
			MemberKey:      m.MemberKey,
		}); err != nil {
			return err
		}
		if err := s.store.Members.SetAddDispatched(ctx, m.ID, now); err != nil {
			return err
		}
	}
	for _, m := range removes {
		if err := s.pub.Publish(ctx, queue.TypeMemberRemoved, queue.MemberChange{
			RunbookName:    rb.Name,
			RunbookVersion: rb.Version,
			BatchID:        b.ID,
			BatchMemberID:  m.ID,
			MemberKey:      m.MemberKey,
		}); err != nil {
			return err
		}
		if err := s.store.Members.SetRemoveDispatched(ctx, m.ID, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) activeMemberCount(ctx context.Context, batchID int64) (int, error) {
	members, err := s.store.Members.ListActiveByBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// fireDuePhases publishes phase-due messages for pending phases whose due
// time has passed. The orchestrator's pending→dispatched transition absorbs
// duplicate publishes across ticks.
func (s *Scheduler) fireDuePhases(ctx context.Context, rb *model.Runbook, b *model.Batch) error {
	due, err := s.store.Phases.ListDue(ctx, b.ID, s.now())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	members, err := s.store.Members.ListActiveByBatch(ctx, b.ID)
	if err != nil {
		return err
	}
	memberIDs := make([]int64, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.ID)
	}
	for _, p := range due {
		common.BatchLogger(b.ID, rb.Name).WithFields(map[string]interface{}{
			"phase": p.PhaseName, "due_at": p.DueAt,
		}).Info("phase due")
		if err := s.pub.Publish(ctx, queue.TypePhaseDue, queue.PhaseDue{
			PhaseExecutionID: p.ID,
			PhaseName:        p.PhaseName,
			BatchID:          b.ID,
			RunbookName:      rb.Name,
			RunbookVersion:   p.RunbookVersion,
			OffsetMinutes:    p.OffsetMinutes,
			DueAt:            p.DueAt,
			MemberIDs:        memberIDs,
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyVersionTransition moves an in-flight batch onto a newly published
// runbook version: pending rows of the old version are superseded, the new
// version's rows come in with the overdue policy applied, and the init
// sequence reruns when the version asks for it.
func (s *Scheduler) applyVersionTransition(ctx context.Context, rb *model.Runbook, doc *runbook.Document, b *model.Batch) error {
	current, err := s.store.Phases.MaxVersion(ctx, b.ID)
	if err != nil {
		return err
	}
	if current == 0 || current >= rb.Version {
		return nil
	}
	delta, err := phase.Transition(doc, *b, current, rb.Version, rb.OverdueBehavior, s.now())
	if err != nil {
		return err
	}
	if err := s.store.Phases.InsertMany(ctx, delta.NewRows); err != nil {
		return err
	}
	superseded, err := s.store.Phases.SupersedePending(ctx, b.ID, delta.SupersedeVersion)
	if err != nil {
		return err
	}
	if err := s.store.Batches.SetRunbookID(ctx, b.ID, rb.ID); err != nil {
		return err
	}
	common.BatchLogger(b.ID, rb.Name).WithFields(map[string]interface{}{
		"from_version": current, "to_version": rb.Version, "superseded": superseded,
	}).Info("batch moved to new runbook version")
	if rb.RerunInit {
		count, err := s.activeMemberCount(ctx, b.ID)
		if err != nil {
			return err
		}
		return s.pub.Publish(ctx, queue.TypeBatchInit, queue.BatchInit{
			RunbookName:    rb.Name,
			RunbookVersion: rb.Version,
			BatchID:        b.ID,
			BatchStartTime: b.BatchStartTime,
			MemberCount:    count,
		})
	}
	return nil
}
