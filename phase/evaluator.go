// Package phase computes phase-execution rows: initial rows when a batch is
// detected, due times from T- offsets, and the delta applied to an in-flight
// batch when a new runbook version is published.
package phase

import (
	"fmt"
	"time"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
)

// BuildInitial returns the pending phase rows for a freshly detected batch.
// start may be nil for manual batches; due times stay null until the batch
// is advanced.
func BuildInitial(doc *runbook.Document, batchID int64, version int, start *time.Time, now time.Time) ([]model.PhaseExecution, error) {
	rows := make([]model.PhaseExecution, 0, len(doc.Phases))
	for _, p := range doc.Phases {
		off, err := runbook.ParseOffset(p.Offset)
		if err != nil {
			return nil, fmt.Errorf("phase %q: %w", p.Name, err)
		}
		row := model.PhaseExecution{
			BatchID:        batchID,
			PhaseName:      p.Name,
			RunbookVersion: version,
			OffsetMinutes:  off.Minutes,
			Status:         model.PhasePending,
			CreatedAt:      now,
		}
		if start != nil {
			due := off.DueAt(*start)
			row.DueAt = &due
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Delta is the version-transition plan for one in-flight batch: rows to
// insert under the new version, and the prior version whose pending rows
// must be superseded.
type Delta struct {
	NewRows          []model.PhaseExecution
	SupersedeVersion int
}

// Transition computes the delta for a batch currently stamped with
// fromVersion when the document of toVersion is published. Phases already
// past due get pending under `rerun` and skipped under `ignore`; everything
// else is pending. The caller inserts NewRows, supersedes the prior
// version's pending rows and dispatches any newly pending row whose due time
// has passed, tagging the message with the new version.
func Transition(doc *runbook.Document, batch model.Batch, fromVersion, toVersion int, behavior model.OverdueBehavior, now time.Time) (Delta, error) {
	rows := make([]model.PhaseExecution, 0, len(doc.Phases))
	for _, p := range doc.Phases {
		off, err := runbook.ParseOffset(p.Offset)
		if err != nil {
			return Delta{}, fmt.Errorf("phase %q: %w", p.Name, err)
		}
		row := model.PhaseExecution{
			BatchID:        batch.ID,
			PhaseName:      p.Name,
			RunbookVersion: toVersion,
			OffsetMinutes:  off.Minutes,
			Status:         model.PhasePending,
			CreatedAt:      now,
		}
		if batch.BatchStartTime != nil {
			due := off.DueAt(*batch.BatchStartTime)
			row.DueAt = &due
			if behavior == model.OverdueIgnore && !due.After(now) {
				row.Status = model.PhaseSkipped
			}
		}
		rows = append(rows, row)
	}
	return Delta{NewRows: rows, SupersedeVersion: fromVersion}, nil
}
