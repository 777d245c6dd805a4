package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/db/repository"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/queue"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
)

const adminDoc = `
name: crm-cutover
data_source: {type: sql, query: "select * from cutovers", primary_key: tenant_id, batch_time_column: cutover_at}
phases:
  - name: prepare
    offset: T-4h
    steps: [{name: export, worker_id: data, function: export_tenant}]
  - name: switch
    offset: T-0
    steps: [{name: dns, worker_id: infra, function: switch_dns}]
`

const adminInitDoc = `
name: mail-cutover
data_source: {type: sql, query: "select * from mailboxes", primary_key: tenant_id, batch_time_column: cutover_at}
init:
  - {name: reserve, worker_id: infra, function: reserve_window}
phases:
  - name: switch
    offset: T-0
    steps: [{name: mx, worker_id: infra, function: switch_mx}]
`

func newService(t *testing.T) (*Service, *repository.Store, *queue.MockPublisher, time.Time) {
	t.Helper()
	store := repository.NewMemoryStore()
	pub := &queue.MockPublisher{}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := NewWithClock(store, pub, func() time.Time { return now })
	return svc, store, pub, now
}

func TestPublishRunbookVersions(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()

	v1, err := svc.PublishRunbook(ctx, []byte(adminDoc), PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, "crm-cutover", v1.Name)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsActive)
	assert.Equal(t, model.OverdueRerun, v1.OverdueBehavior, "overdue behavior defaults to rerun")

	v2, err := svc.PublishRunbook(ctx, []byte(adminDoc), PublishOptions{
		OverdueBehavior: model.OverdueIgnore, RerunInit: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, model.OverdueIgnore, v2.OverdueBehavior)
	assert.True(t, v2.RerunInit)

	// publishing deactivates the prior version
	old, err := store.Runbooks.GetByNameVersion(ctx, "crm-cutover", 1)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	active, err := svc.GetActiveRunbook(ctx, "crm-cutover")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	versions, err := svc.ListRunbookVersions(ctx, "crm-cutover")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestPublishRunbookRejectsInvalid(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.PublishRunbook(ctx, []byte("name: broken\n"), PublishOptions{})
	var verr *runbook.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "data_source.type", verr.Field)

	// nothing was stored
	_, err = store.Runbooks.LatestVersion(ctx, "broken")
	require.NoError(t, err)
	versions, err := svc.ListRunbookVersions(ctx, "broken")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestAutomationToggle(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	enabled, err := svc.AutomationEnabled(ctx, "crm-cutover")
	require.NoError(t, err)
	assert.True(t, enabled, "missing toggle reads as enabled")

	require.NoError(t, svc.SetAutomation(ctx, "crm-cutover", false, "ops@example.com"))
	enabled, err = svc.AutomationEnabled(ctx, "crm-cutover")
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, svc.SetAutomation(ctx, "crm-cutover", true, "ops@example.com"))
	enabled, err = svc.AutomationEnabled(ctx, "crm-cutover")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestCreateManualBatch(t *testing.T) {
	svc, store, pub, _ := newService(t)
	ctx := context.Background()
	_, err := svc.PublishRunbook(ctx, []byte(adminDoc), PublishOptions{})
	require.NoError(t, err)

	b, err := svc.CreateManualBatch(ctx, "crm-cutover", "ops@example.com", nil)
	require.NoError(t, err)
	assert.True(t, b.IsManual)
	assert.Equal(t, "ops@example.com", b.CreatedBy)
	assert.Nil(t, b.BatchStartTime, "manual batches start without a start time")

	// no init steps: the detected state is skipped and no init goes out
	assert.Equal(t, model.BatchActive, b.Status)
	assert.Empty(t, pub.ControlOfType(queue.TypeBatchInit))

	phases, err := store.Phases.ListByBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	for _, p := range phases {
		assert.Nil(t, p.DueAt, "no due times until the batch is advanced")
	}
}

func TestCreateManualBatchWithMembers(t *testing.T) {
	svc, store, pub, _ := newService(t)
	ctx := context.Background()
	_, err := svc.PublishRunbook(ctx, []byte(adminInitDoc), PublishOptions{})
	require.NoError(t, err)

	b, err := svc.CreateManualBatch(ctx, "mail-cutover", "ops", []MemberInput{
		{Key: "t-1", Data: []byte(`{"tenant_id":"t-1"}`)},
		{Key: "t-2", Data: []byte(`{"tenant_id":"t-2"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, model.BatchDetected, b.Status)

	members, err := store.Members.ListByBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, model.MemberActive, m.Status)
	}

	// initial members carry no member-added messages
	adds, removes, err := store.Members.ListUndispatched(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, adds)
	assert.Empty(t, removes)
	assert.Empty(t, pub.ControlOfType(queue.TypeMemberAdded))

	inits := pub.ControlOfType(queue.TypeBatchInit)
	require.Len(t, inits, 1)
	msg := inits[0].Payload.(queue.BatchInit)
	assert.Equal(t, b.ID, msg.BatchID)
	assert.Equal(t, "mail-cutover", msg.RunbookName)
	assert.Equal(t, 2, msg.MemberCount)
}

func TestAdvanceBatch(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.PublishRunbook(ctx, []byte(adminDoc), PublishOptions{})
	require.NoError(t, err)
	b, err := svc.CreateManualBatch(ctx, "crm-cutover", "ops", nil)
	require.NoError(t, err)

	start := time.Date(2026, 9, 1, 22, 0, 0, 0, time.UTC)
	require.NoError(t, svc.AdvanceBatch(ctx, b.ID, start))

	got, err := svc.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BatchStartTime)
	assert.Equal(t, start, *got.BatchStartTime)

	phases, err := store.Phases.ListByBatch(ctx, b.ID)
	require.NoError(t, err)
	for _, p := range phases {
		require.NotNil(t, p.DueAt)
		switch p.PhaseName {
		case "prepare":
			assert.Equal(t, start.Add(-4*time.Hour), *p.DueAt)
		case "switch":
			assert.Equal(t, start, *p.DueAt)
		}
	}
}

func TestAdvanceBatchGuards(t *testing.T) {
	svc, store, _, now := newService(t)
	ctx := context.Background()
	_, err := svc.PublishRunbook(ctx, []byte(adminDoc), PublishOptions{})
	require.NoError(t, err)

	// scheduled batches cannot be advanced by hand
	start := now.Add(6 * time.Hour)
	scheduled := &model.Batch{
		RunbookName: "crm-cutover", BatchStartTime: &start,
		Status: model.BatchDetected, DetectedAt: now,
	}
	require.NoError(t, store.Batches.Create(ctx, scheduled))
	assert.ErrorIs(t, svc.AdvanceBatch(ctx, scheduled.ID, start), ErrNotManual)

	manual, err := svc.CreateManualBatch(ctx, "crm-cutover", "ops", nil)
	require.NoError(t, err)
	won, err := store.Batches.UpdateStatus(ctx, manual.ID, model.BatchActive, model.BatchFailed)
	require.NoError(t, err)
	require.True(t, won)
	assert.ErrorIs(t, svc.AdvanceBatch(ctx, manual.ID, start), ErrTerminal)
}

func TestCancelBatch(t *testing.T) {
	svc, store, _, now := newService(t)
	ctx := context.Background()
	_, err := svc.PublishRunbook(ctx, []byte(adminDoc), PublishOptions{})
	require.NoError(t, err)
	b, err := svc.CreateManualBatch(ctx, "crm-cutover", "ops", nil)
	require.NoError(t, err)

	m, err := svc.AddMember(ctx, b.ID, "t-1", []byte(`{"tenant_id":"t-1"}`))
	require.NoError(t, err)

	// an in-flight step row for the member
	phases, err := store.Phases.ListByBatch(ctx, b.ID)
	require.NoError(t, err)
	step := model.StepExecution{
		PhaseExecutionID: phases[0].ID, BatchMemberID: m.ID,
		StepName: "export", Status: model.StepDispatched,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Steps.InsertMany(ctx, []model.StepExecution{step}))

	require.NoError(t, svc.CancelBatch(ctx, b.ID))

	got, err := svc.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, got.Status)

	steps, err := store.Steps.ListByPhaseMember(ctx, phases[0].ID, m.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepCancelled, steps[0].Status)

	assert.ErrorIs(t, svc.CancelBatch(ctx, b.ID), ErrTerminal)
}

func TestAddAndRemoveMember(t *testing.T) {
	svc, store, pub, _ := newService(t)
	ctx := context.Background()
	_, err := svc.PublishRunbook(ctx, []byte(adminDoc), PublishOptions{})
	require.NoError(t, err)
	b, err := svc.CreateManualBatch(ctx, "crm-cutover", "ops", nil)
	require.NoError(t, err)
	pub.Reset()

	m, err := svc.AddMember(ctx, b.ID, "t-1", []byte(`{"tenant_id":"t-1"}`))
	require.NoError(t, err)
	assert.Equal(t, model.MemberActive, m.Status)

	added := pub.ControlOfType(queue.TypeMemberAdded)
	require.Len(t, added, 1)
	assert.Equal(t, m.ID, added[0].Payload.(queue.MemberChange).BatchMemberID)

	// duplicate keys are rejected
	_, err = svc.AddMember(ctx, b.ID, "t-1", nil)
	assert.ErrorIs(t, err, repository.ErrConflict)

	require.NoError(t, svc.RemoveMember(ctx, m.ID))
	removed := pub.ControlOfType(queue.TypeMemberRemoved)
	require.Len(t, removed, 1)

	got, err := store.Members.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MemberRemoved, got.Status)
	assert.NotNil(t, got.RemovedAt)

	// removing again is a no-op, not an error
	require.NoError(t, svc.RemoveMember(ctx, m.ID))
	assert.Len(t, pub.ControlOfType(queue.TypeMemberRemoved), 1)
}

func TestAddMemberToTerminalBatch(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.PublishRunbook(ctx, []byte(adminDoc), PublishOptions{})
	require.NoError(t, err)
	b, err := svc.CreateManualBatch(ctx, "crm-cutover", "ops", nil)
	require.NoError(t, err)
	won, err := store.Batches.UpdateStatus(ctx, b.ID, model.BatchActive, model.BatchFailed)
	require.NoError(t, err)
	require.True(t, won)

	_, err = svc.AddMember(ctx, b.ID, "t-1", nil)
	assert.ErrorIs(t, err, ErrTerminal)
}
