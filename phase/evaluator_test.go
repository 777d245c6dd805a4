package phase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
)

func testDoc(t *testing.T) *runbook.Document {
	t.Helper()
	doc, err := runbook.Parse([]byte(`
name: cutover
data_source: {type: sql, query: q, primary_key: id, batch_time_column: c}
phases:
  - name: prepare
    offset: T-4h
    steps: [{name: a, worker_id: w, function: f}]
  - name: switch
    offset: T-0
    steps: [{name: b, worker_id: w, function: f}]
`))
	require.NoError(t, err)
	return doc
}

func TestBuildInitial(t *testing.T) {
	doc := testDoc(t)
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	start := time.Date(2026, 6, 2, 12, 0, 0, 0, time.UTC)

	t.Run("scheduled batch gets due times", func(t *testing.T) {
		rows, err := BuildInitial(doc, 10, 3, &start, now)
		require.NoError(t, err)
		require.Len(t, rows, 2)

		assert.Equal(t, "prepare", rows[0].PhaseName)
		assert.Equal(t, 240, rows[0].OffsetMinutes)
		assert.Equal(t, model.PhasePending, rows[0].Status)
		assert.Equal(t, 3, rows[0].RunbookVersion)
		require.NotNil(t, rows[0].DueAt)
		assert.Equal(t, start.Add(-4*time.Hour), *rows[0].DueAt)

		require.NotNil(t, rows[1].DueAt)
		assert.Equal(t, start, *rows[1].DueAt)
	})

	t.Run("manual batch has no due times", func(t *testing.T) {
		rows, err := BuildInitial(doc, 10, 3, nil, now)
		require.NoError(t, err)
		for _, r := range rows {
			assert.Nil(t, r.DueAt)
			assert.Equal(t, model.PhasePending, r.Status)
		}
	})
}

func TestTransition(t *testing.T) {
	doc := testDoc(t)
	start := time.Date(2026, 6, 2, 12, 0, 0, 0, time.UTC)
	// prepare (T-4h) is overdue, switch (T-0) is not
	now := start.Add(-2 * time.Hour)
	batch := model.Batch{ID: 10, BatchStartTime: &start, Status: model.BatchActive}

	t.Run("rerun makes overdue phases pending", func(t *testing.T) {
		delta, err := Transition(doc, batch, 1, 2, model.OverdueRerun, now)
		require.NoError(t, err)
		assert.Equal(t, 1, delta.SupersedeVersion)
		require.Len(t, delta.NewRows, 2)
		assert.Equal(t, model.PhasePending, delta.NewRows[0].Status)
		assert.Equal(t, model.PhasePending, delta.NewRows[1].Status)
		assert.Equal(t, 2, delta.NewRows[0].RunbookVersion)
	})

	t.Run("ignore skips overdue phases", func(t *testing.T) {
		delta, err := Transition(doc, batch, 1, 2, model.OverdueIgnore, now)
		require.NoError(t, err)
		assert.Equal(t, model.PhaseSkipped, delta.NewRows[0].Status)
		assert.Equal(t, model.PhasePending, delta.NewRows[1].Status)
	})

	t.Run("manual batch without start stays pending", func(t *testing.T) {
		manual := model.Batch{ID: 11, Status: model.BatchActive}
		delta, err := Transition(doc, manual, 1, 2, model.OverdueIgnore, now)
		require.NoError(t, err)
		for _, r := range delta.NewRows {
			assert.Equal(t, model.PhasePending, r.Status)
			assert.Nil(t, r.DueAt)
		}
	})
}
