package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/db/repository"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/queue"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/source"
)

const scheduledDoc = `
name: crm-cutover
data_source: {type: sql, query: "select * from cutovers", primary_key: tenant_id, batch_time_column: cutover_at}
init:
  - {name: reserve, worker_id: infra, function: reserve_window}
phases:
  - name: prepare
    offset: T-4h
    steps: [{name: export, worker_id: data, function: export_tenant}]
  - name: switch
    offset: T-0
    steps: [{name: dns, worker_id: infra, function: switch_dns}]
`

const immediateDoc = `
name: onboarding
data_source: {type: sql, query: "select * from signups", primary_key: tenant_id, batch_time: immediate}
phases:
  - name: provision
    offset: T-0
    steps: [{name: create, worker_id: infra, function: create_tenant}]
`

type stubQuerier struct {
	rows []source.Row
	err  error
}

func (s *stubQuerier) Query(ctx context.Context, ds runbook.DataSource) ([]source.Row, error) {
	return s.rows, s.err
}

type schedFixture struct {
	t       *testing.T
	store   *repository.Store
	pub     *queue.MockPublisher
	sched   *Scheduler
	querier *stubQuerier
	now     time.Time
	rb      *model.Runbook
}

func newSchedFixture(t *testing.T, docYAML string) *schedFixture {
	t.Helper()
	f := &schedFixture{
		t:       t,
		store:   repository.NewMemoryStore(),
		pub:     &queue.MockPublisher{},
		querier: &stubQuerier{},
		now:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	sources := source.NewRegistry()
	sources.Register(runbook.SourceSQL, f.querier)
	f.sched = New(Config{
		Store:        f.store,
		Publisher:    f.pub,
		Sources:      sources,
		QueryTimeout: time.Minute,
		Now:          func() time.Time { return f.now },
	})

	doc, err := runbook.Parse([]byte(docYAML))
	require.NoError(t, err)
	f.rb = &model.Runbook{
		Name: doc.Name, Version: 1, Document: docYAML,
		IsActive: true, OverdueBehavior: model.OverdueRerun, CreatedAt: f.now,
	}
	require.NoError(t, f.store.Runbooks.CreateVersion(context.Background(), f.rb))
	return f
}

func (f *schedFixture) tick() {
	f.t.Helper()
	require.NoError(f.t, f.sched.Tick(context.Background()))
}

func (f *schedFixture) findBatch(start time.Time) *model.Batch {
	f.t.Helper()
	b, err := f.store.Batches.FindScheduled(context.Background(), f.rb.Name, start)
	require.NoError(f.t, err)
	return b
}

func (f *schedFixture) activate(batchID int64) {
	f.t.Helper()
	won, err := f.store.Batches.UpdateStatus(context.Background(), batchID, model.BatchDetected, model.BatchActive)
	require.NoError(f.t, err)
	require.True(f.t, won)
}

func TestTickDetectsBatch(t *testing.T) {
	f := newSchedFixture(t, scheduledDoc)
	start := f.now.Add(6 * time.Hour)
	f.querier.rows = []source.Row{
		{"tenant_id": "t-1", "cutover_at": start, "region": "eu"},
		{"tenant_id": "t-2", "cutover_at": start},
	}

	f.tick()

	b := f.findBatch(start)
	assert.Equal(t, model.BatchDetected, b.Status)
	assert.False(t, b.IsManual)

	phases, err := f.store.Phases.ListByBatch(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	for _, p := range phases {
		assert.Equal(t, model.PhasePending, p.Status)
		require.NotNil(t, p.DueAt)
		switch p.PhaseName {
		case "prepare":
			assert.Equal(t, start.Add(-4*time.Hour), *p.DueAt)
		case "switch":
			assert.Equal(t, start, *p.DueAt)
		}
	}

	members, err := f.store.Members.ListByBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
	adds, removes, err := f.store.Members.ListUndispatched(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Empty(t, adds, "initial members need no member-added message")
	assert.Empty(t, removes)

	inits := f.pub.ControlOfType(queue.TypeBatchInit)
	require.NotEmpty(t, inits)
	msg := inits[0].Payload.(queue.BatchInit)
	assert.Equal(t, b.ID, msg.BatchID)
	assert.Equal(t, f.rb.Name, msg.RunbookName)
	assert.Equal(t, 1, msg.RunbookVersion)
	assert.Equal(t, 2, msg.MemberCount)
	require.NotNil(t, msg.BatchStartTime)
	assert.Equal(t, start, *msg.BatchStartTime)

	assert.Empty(t, f.pub.ControlOfType(queue.TypePhaseDue), "nothing is due yet")
}

func TestTickDetectsBatchWithoutInit(t *testing.T) {
	doc := `
name: crm-cutover
data_source: {type: sql, query: "select * from cutovers", primary_key: tenant_id, batch_time_column: cutover_at}
phases:
  - name: switch
    offset: T-0
    steps: [{name: dns, worker_id: infra, function: switch_dns}]
`
	f := newSchedFixture(t, doc)
	start := f.now.Add(6 * time.Hour)
	f.querier.rows = []source.Row{{"tenant_id": "t-1", "cutover_at": start}}

	f.tick()

	// no init sequence to run, so the detected state is skipped
	b := f.findBatch(start)
	assert.Equal(t, model.BatchActive, b.Status)
	assert.Empty(t, f.pub.ControlOfType(queue.TypeBatchInit))
	assert.Empty(t, f.pub.ControlOfType(queue.TypePhaseDue), "nothing is due yet")
}

func TestTickAutomationDisabled(t *testing.T) {
	f := newSchedFixture(t, scheduledDoc)
	start := f.now.Add(6 * time.Hour)
	f.querier.rows = []source.Row{{"tenant_id": "t-1", "cutover_at": start}}
	require.NoError(t, f.store.Automation.Set(context.Background(), f.rb.Name, false, "ops"))

	f.tick()

	_, err := f.store.Batches.FindScheduled(context.Background(), f.rb.Name, start)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, f.pub.Control)
}

func TestTickSkipsUnparseableRunbook(t *testing.T) {
	f := newSchedFixture(t, scheduledDoc)
	broken := &model.Runbook{
		Name: "broken", Version: 1, Document: "name: broken\n", IsActive: true,
		OverdueBehavior: model.OverdueRerun,
	}
	require.NoError(t, f.store.Runbooks.CreateVersion(context.Background(), broken))

	f.tick()
	assert.Empty(t, f.pub.Control)
}

func TestSourceFailureKeepsBatchesMoving(t *testing.T) {
	f := newSchedFixture(t, scheduledDoc)
	start := f.now.Add(6 * time.Hour)
	f.querier.rows = []source.Row{{"tenant_id": "t-1", "cutover_at": start}}

	f.tick()
	b := f.findBatch(start)
	f.activate(b.ID)
	f.pub.Reset()

	// source outage: discovery skips, but due phases still fire
	f.querier.err = errors.New("warehouse unreachable")
	f.now = f.now.Add(3 * time.Hour)
	f.tick()

	due := f.pub.ControlOfType(queue.TypePhaseDue)
	require.Len(t, due, 1)
	msg := due[0].Payload.(queue.PhaseDue)
	assert.Equal(t, b.ID, msg.BatchID)

	assert.Empty(t, f.pub.ControlOfType(queue.TypeMemberRemoved),
		"members must not be removed on a failed source query")
}

func TestMemberSync(t *testing.T) {
	f := newSchedFixture(t, scheduledDoc)
	start := f.now.Add(6 * time.Hour)
	f.querier.rows = []source.Row{{"tenant_id": "t-1", "cutover_at": start}}

	f.tick()
	b := f.findBatch(start)
	f.activate(b.ID)
	f.pub.Reset()

	// t-1 vanished from the source, t-2 appeared
	f.querier.rows = []source.Row{{"tenant_id": "t-2", "cutover_at": start}}
	f.tick()

	members, err := f.store.Members.ListByBatch(context.Background(), b.ID)
	require.NoError(t, err)
	byKey := map[string]model.BatchMember{}
	for _, m := range members {
		byKey[m.MemberKey] = m
	}
	assert.Equal(t, model.MemberRemoved, byKey["t-1"].Status)
	assert.Equal(t, model.MemberActive, byKey["t-2"].Status)

	added := f.pub.ControlOfType(queue.TypeMemberAdded)
	require.Len(t, added, 1)
	assert.Equal(t, byKey["t-2"].ID, added[0].Payload.(queue.MemberChange).BatchMemberID)

	removed := f.pub.ControlOfType(queue.TypeMemberRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, byKey["t-1"].ID, removed[0].Payload.(queue.MemberChange).BatchMemberID)

	adds, removes, err := f.store.Members.ListUndispatched(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Empty(t, adds)
	assert.Empty(t, removes)

	// a second tick with the same source view publishes nothing new
	f.pub.Reset()
	f.tick()
	assert.Empty(t, f.pub.ControlOfType(queue.TypeMemberAdded))
	assert.Empty(t, f.pub.ControlOfType(queue.TypeMemberRemoved))
}

func TestImmediateBatching(t *testing.T) {
	f := newSchedFixture(t, immediateDoc)
	f.querier.rows = []source.Row{{"tenant_id": "t-1"}}

	f.tick()
	bucket := f.now.UTC().Truncate(immediateBucket)
	b := f.findBatch(bucket)
	require.NotNil(t, b.BatchStartTime)
	assert.Equal(t, bucket, *b.BatchStartTime)

	// no init steps: the batch starts active and its T-0 phase fires with it
	assert.Equal(t, model.BatchActive, b.Status)
	assert.Empty(t, f.pub.ControlOfType(queue.TypeBatchInit))
	// the cycle may publish the due phase more than once; the orchestrator's
	// pending transition absorbs that
	due := f.pub.ControlOfType(queue.TypePhaseDue)
	require.NotEmpty(t, due)
	dueMsg := due[0].Payload.(queue.PhaseDue)
	assert.Equal(t, b.ID, dueMsg.BatchID)
	assert.Equal(t, "provision", dueMsg.PhaseName)
	assert.Len(t, dueMsg.MemberIDs, 1)

	// same source rows again: already active, no new batch
	f.tick()
	batches, err := f.store.Batches.List(context.Background(), repository.BatchFilter{RunbookName: f.rb.Name})
	require.NoError(t, err)
	assert.Len(t, batches, 1)

	// a new row inside the same window joins the bucket's batch
	f.pub.Reset()
	f.querier.rows = []source.Row{{"tenant_id": "t-1"}, {"tenant_id": "t-2"}}
	f.tick()

	added := f.pub.ControlOfType(queue.TypeMemberAdded)
	require.Len(t, added, 1)
	members, err := f.store.Members.ListByBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestRecoverDispatchRepublishes(t *testing.T) {
	f := newSchedFixture(t, scheduledDoc)
	start := f.now.Add(6 * time.Hour)
	f.querier.rows = []source.Row{{"tenant_id": "t-1", "cutover_at": start}}

	f.tick()
	b := f.findBatch(start)

	// a member inserted by a cycle that crashed before publishing: the row
	// exists, the source still lists it, but no dispatch stamp was written
	undispatched := &model.BatchMember{
		BatchID: b.ID, MemberKey: "t-2", Status: model.MemberActive,
		DataJSON: []byte(`{"tenant_id":"t-2"}`), AddedAt: f.now,
	}
	require.NoError(t, f.store.Members.Insert(context.Background(), undispatched))
	f.querier.rows = append(f.querier.rows, source.Row{"tenant_id": "t-2", "cutover_at": start})

	f.pub.Reset()
	f.tick()

	// the batch is still stuck in detected, init goes out again
	inits := f.pub.ControlOfType(queue.TypeBatchInit)
	require.NotEmpty(t, inits)
	assert.Equal(t, b.ID, inits[0].Payload.(queue.BatchInit).BatchID)

	added := f.pub.ControlOfType(queue.TypeMemberAdded)
	require.Len(t, added, 1)
	assert.Equal(t, undispatched.ID, added[0].Payload.(queue.MemberChange).BatchMemberID)
}

func TestVersionTransition(t *testing.T) {
	f := newSchedFixture(t, scheduledDoc)
	start := f.now.Add(6 * time.Hour)
	f.querier.rows = []source.Row{{"tenant_id": "t-1", "cutover_at": start}}

	f.tick()
	b := f.findBatch(start)
	f.activate(b.ID)

	v2 := &model.Runbook{
		Name: f.rb.Name, Version: 2, Document: scheduledDoc,
		IsActive: true, OverdueBehavior: model.OverdueRerun, RerunInit: true,
	}
	require.NoError(t, f.store.Runbooks.CreateVersion(context.Background(), v2))

	f.pub.Reset()
	f.tick()

	phases, err := f.store.Phases.ListByBatch(context.Background(), b.ID)
	require.NoError(t, err)
	var v1Superseded, v2Pending int
	for _, p := range phases {
		switch {
		case p.RunbookVersion == 1 && p.Status == model.PhaseSuperseded:
			v1Superseded++
		case p.RunbookVersion == 2 && p.Status == model.PhasePending:
			v2Pending++
		}
	}
	assert.Equal(t, 2, v1Superseded)
	assert.Equal(t, 2, v2Pending)

	got, err := f.store.Batches.GetByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, got.RunbookID)

	inits := f.pub.ControlOfType(queue.TypeBatchInit)
	require.NotEmpty(t, inits, "rerun_init republishes the init message")
	assert.Equal(t, 2, inits[0].Payload.(queue.BatchInit).RunbookVersion)

	// the transition is applied once
	f.pub.Reset()
	f.tick()
	phases, err = f.store.Phases.ListByBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, phases, 4)
}

func TestFireDuePhases(t *testing.T) {
	f := newSchedFixture(t, scheduledDoc)
	start := f.now.Add(6 * time.Hour)
	f.querier.rows = []source.Row{{"tenant_id": "t-1", "cutover_at": start}}

	f.tick()
	b := f.findBatch(start)
	f.activate(b.ID)
	f.pub.Reset()

	// T-4h prepare is due two hours before it would be, switch is not
	f.now = f.now.Add(3 * time.Hour)
	f.tick()

	due := f.pub.ControlOfType(queue.TypePhaseDue)
	require.Len(t, due, 1)
	msg := due[0].Payload.(queue.PhaseDue)
	assert.Equal(t, b.ID, msg.BatchID)
	assert.Equal(t, 1, msg.RunbookVersion)
}
