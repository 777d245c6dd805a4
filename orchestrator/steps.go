package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/common"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/db/repository"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/queue"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/template"
)

func stepJobID(s *model.StepExecution) string {
	id := fmt.Sprintf("step-%d", s.ID)
	if s.RetryCount > 0 {
		id += fmt.Sprintf("-retry-%d", s.RetryCount)
	}
	return id
}

func currentStepJobID(s *model.StepExecution) string {
	if s.Status == model.StepPolling && s.PollCount > 0 {
		return fmt.Sprintf("%s-poll-%d", stepJobID(s), s.PollCount)
	}
	return s.JobID
}

// pollOutcome decodes the `{complete, data}` shape poll functions report.
func pollOutcome(res queue.WorkerResult) (bool, json.RawMessage, error) {
	if len(res.Result) == 0 {
		return false, nil, fmt.Errorf("poll result carries no data")
	}
	var out queue.PollOutcome
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return false, nil, fmt.Errorf("undecodable poll result: %v", err)
	}
	return out.Complete, out.Data, nil
}

// handlePhaseDue fires one phase: it wins the pending→dispatched transition,
// materializes step rows for every active member and dispatches each
// member's first step. Members proceed independently; steps within a member
// run strictly in order.
func (o *Orchestrator) handlePhaseDue(ctx context.Context, msg queue.PhaseDue) error {
	phase, err := o.store.Phases.GetByID(ctx, msg.PhaseExecutionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return permanent("phase execution %d not found", msg.PhaseExecutionID)
		}
		return err
	}
	batch, err := o.store.Batches.GetByID(ctx, phase.BatchID)
	if err != nil {
		return err
	}
	if batch.Status.IsTerminal() {
		return nil
	}
	won, err := o.store.Phases.MarkDispatched(ctx, phase.ID, o.now())
	if err != nil {
		return err
	}
	if !won {
		// superseded, already dispatched, or a duplicate delivery
		return o.checkPhaseComplete(ctx, phase.ID, batch)
	}
	log := common.BatchLogger(batch.ID, batch.RunbookName).WithField("phase", phase.PhaseName)
	log.Info("phase dispatched")

	if err := o.store.Batches.SetCurrentPhase(ctx, batch.ID, phase.PhaseName); err != nil {
		return err
	}
	doc, err := o.loadDoc(ctx, batch.RunbookName, phase.RunbookVersion)
	if err != nil {
		return err
	}
	def := doc.PhaseByName(phase.PhaseName)
	if def == nil {
		return permanent("phase %q missing from runbook %s v%d", phase.PhaseName, batch.RunbookName, phase.RunbookVersion)
	}
	members, err := o.store.Members.ListActiveByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		log.Info("no active members, phase complete")
		if _, err := o.store.Phases.UpdateStatus(ctx, phase.ID, model.PhaseDispatched, model.PhaseCompleted, o.now()); err != nil {
			return err
		}
		return o.checkBatchComplete(ctx, batch)
	}
	now := o.now()
	for _, m := range members {
		rows := buildStepRows(doc, def.Steps, phase.ID, m, *batch, now)
		if err := o.store.Steps.InsertMany(ctx, rows); err != nil {
			return err
		}
		if err := o.dispatchNextStep(ctx, phase.ID, m.ID, batch); err != nil {
			return err
		}
	}
	return nil
}

// dispatchNextStep dispatches the member's lowest pending step in the phase,
// if any. Steps waiting on a retry delay are left to their retry-check.
func (o *Orchestrator) dispatchNextStep(ctx context.Context, phaseExecutionID, memberID int64, batch *model.Batch) error {
	steps, err := o.store.Steps.ListByPhaseMember(ctx, phaseExecutionID, memberID)
	if err != nil {
		return err
	}
	for i := range steps {
		s := steps[i]
		switch s.Status {
		case model.StepSucceeded, model.StepCancelled:
			continue
		case model.StepPending:
			if s.RetryAfter != nil && s.RetryAfter.After(o.now()) {
				return nil
			}
			return o.dispatchStep(ctx, &s, batch)
		default:
			// an earlier step is in flight or broke the sequence
			return nil
		}
	}
	return nil
}

// dispatchStep publishes one worker job for a step row. Stored params that
// still carry placeholders are re-resolved against the member's current
// data; unresolvable params fail the step.
func (o *Orchestrator) dispatchStep(ctx context.Context, step *model.StepExecution, batch *model.Batch) error {
	phase, err := o.store.Phases.GetByID(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}
	params := decodeParams(step.ParamsJSON)
	if paramsNeedResolution(params) {
		member, err := o.store.Members.GetByID(ctx, step.BatchMemberID)
		if err != nil {
			return err
		}
		params, err = template.ResolveAll(params, memberVars(*member, *batch))
		if err != nil {
			return o.failStep(ctx, step, batch, fmt.Sprintf("parameter resolution: %v", err))
		}
	}
	paramsJSON, _ := json.Marshal(params)

	jobID := stepJobID(step)
	won, err := o.store.Steps.MarkDispatched(ctx, step.ID, model.StepPending, jobID, paramsJSON, o.now())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	return o.pub.PublishJob(ctx, queue.WorkerJob{
		JobID:        jobID,
		BatchID:      batch.ID,
		WorkerID:     step.WorkerID,
		FunctionName: step.FunctionName,
		Parameters:   params,
		Correlation:  o.stepCorrelation(step, phase, batch),
		DispatchedAt: o.now(),
	})
}

func (o *Orchestrator) stepCorrelation(step *model.StepExecution, phase *model.PhaseExecution, batch *model.Batch) queue.JobCorrelationData {
	return queue.JobCorrelationData{
		StepExecutionID:  step.ID,
		RunbookName:      batch.RunbookName,
		RunbookVersion:   phase.RunbookVersion,
		BatchID:          batch.ID,
		PhaseExecutionID: step.PhaseExecutionID,
		BatchMemberID:    step.BatchMemberID,
	}
}

// handleWorkerResult routes a result by its correlation. Rollback and
// member-removal jobs are fire-and-forget; their results are only logged.
func (o *Orchestrator) handleWorkerResult(ctx context.Context, res queue.WorkerResult) error {
	if res.Correlation.Rollback {
		entry := common.Logger.WithField("job_id", res.JobID)
		if res.Status == queue.ResultFailure {
			entry.WithField("error", res.ErrorMessage()).Warn("rollback job failed")
		} else {
			entry.Debug("rollback job finished")
		}
		return nil
	}
	if !res.Correlation.Valid() {
		return permanent("result %s has invalid correlation data", res.JobID)
	}
	if res.Correlation.IsInitStep {
		return o.handleInitResult(ctx, res)
	}
	return o.handleStepResult(ctx, res)
}

func (o *Orchestrator) handleStepResult(ctx context.Context, res queue.WorkerResult) error {
	step, err := o.store.Steps.GetByID(ctx, res.Correlation.StepExecutionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return permanent("step execution %d not found", res.Correlation.StepExecutionID)
		}
		return err
	}
	if step.Status.IsTerminal() {
		return nil
	}
	if res.JobID != currentStepJobID(step) {
		// result from a superseded attempt
		return nil
	}
	batch, err := o.store.Batches.GetByID(ctx, res.Correlation.BatchID)
	if err != nil {
		return err
	}

	if res.Status == queue.ResultFailure {
		return o.failStep(ctx, step, batch, res.ErrorMessage())
	}

	if step.IsPollStep {
		done, data, err := pollOutcome(res)
		if err != nil {
			return o.failStep(ctx, step, batch, err.Error())
		}
		if !done {
			if _, err := o.store.Steps.MarkPolling(ctx, step.ID, step.Status, o.now()); err != nil {
				return err
			}
			return o.pub.PublishScheduled(ctx, queue.TypePollCheck,
				queue.PollCheck{StepExecutionID: step.ID, PollCount: step.PollCount + 1},
				time.Duration(step.PollIntervalSec)*time.Second)
		}
		res.Result = data
	}

	won, err := o.store.Steps.MarkSucceeded(ctx, step.ID, step.Status, res.Result, o.now())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if err := o.applyStepOutputs(ctx, step, batch, res.Result); err != nil {
		return err
	}
	if err := o.dispatchNextStep(ctx, step.PhaseExecutionID, step.BatchMemberID, batch); err != nil {
		return err
	}
	return o.checkPhaseComplete(ctx, step.PhaseExecutionID, batch)
}

// applyStepOutputs maps the step's declared output_params out of the result
// object into the member's accumulated worker data, so later steps and
// phases can resolve against them.
func (o *Orchestrator) applyStepOutputs(ctx context.Context, step *model.StepExecution, batch *model.Batch, result json.RawMessage) error {
	phase, err := o.store.Phases.GetByID(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}
	doc, err := o.loadDoc(ctx, batch.RunbookName, phase.RunbookVersion)
	if err != nil {
		return err
	}
	def := doc.PhaseByName(phase.PhaseName)
	if def == nil || step.StepIndex >= len(def.Steps) {
		return nil
	}
	outputs := stepOutputs(def.Steps[step.StepIndex].OutputParams, result)
	if len(outputs) == 0 {
		return nil
	}
	return o.store.Members.MergeWorkerData(ctx, step.BatchMemberID, outputs)
}

// failStep retries when the policy allows; otherwise it marks the step
// failed, fires the step's rollback sequence, fails the member and cancels
// its remaining work. Other members are unaffected.
func (o *Orchestrator) failStep(ctx context.Context, step *model.StepExecution, batch *model.Batch, errMsg string) error {
	log := common.BatchLogger(batch.ID, batch.RunbookName).WithFields(map[string]interface{}{
		"step":      step.StepName,
		"member_id": step.BatchMemberID,
		"error":     errMsg,
	})

	if step.RetryCount < step.MaxRetries {
		delay := time.Duration(step.RetryIntervalSec) * time.Second
		won, err := o.store.Steps.ScheduleRetry(ctx, step.ID, step.Status, o.now().Add(delay), o.now())
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		log.WithField("retry", step.RetryCount+1).Warn("step failed, retry scheduled")
		return o.pub.PublishScheduled(ctx, queue.TypeRetryCheck,
			queue.RetryCheck{StepExecutionID: step.ID, RetryCount: step.RetryCount + 1}, delay)
	}

	won, err := o.store.Steps.MarkFailed(ctx, step.ID, step.Status, errMsg, o.now())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	log.Error("step failed, failing member")

	if step.OnFailure != "" {
		if err := o.fireRollback(ctx, step, batch); err != nil {
			log.WithField("rollback_error", err.Error()).Warn("rollback dispatch failed")
		}
	}
	if _, err := o.store.Members.UpdateStatus(ctx, step.BatchMemberID, model.MemberActive, model.MemberFailed); err != nil {
		return err
	}
	if _, err := o.store.Steps.CancelPendingForMember(ctx, step.BatchMemberID); err != nil {
		return err
	}
	return o.checkPhaseComplete(ctx, step.PhaseExecutionID, batch)
}

// fireRollback publishes the step's rollback sequence as fire-and-forget
// jobs. Rollback results never change execution state.
func (o *Orchestrator) fireRollback(ctx context.Context, step *model.StepExecution, batch *model.Batch) error {
	phase, err := o.store.Phases.GetByID(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}
	doc, err := o.loadDoc(ctx, batch.RunbookName, phase.RunbookVersion)
	if err != nil {
		return err
	}
	seq, ok := doc.Rollbacks[step.OnFailure]
	if !ok {
		return fmt.Errorf("rollback sequence %q missing", step.OnFailure)
	}
	member, err := o.store.Members.GetByID(ctx, step.BatchMemberID)
	if err != nil {
		return err
	}
	vars := memberVars(*member, *batch)
	corr := o.stepCorrelation(step, phase, batch)
	corr.Rollback = true
	return o.fireSequence(ctx, seq, vars, batch, fmt.Sprintf("step-%d-rollback", step.ID), corr)
}

// fireSequence dispatches a side sequence (rollbacks, member-removal hooks)
// in order with deterministic job ids. Unresolvable params skip the job with
// a warning rather than failing anything.
func (o *Orchestrator) fireSequence(ctx context.Context, seq []runbook.Step, vars template.Vars, batch *model.Batch, idPrefix string, corr queue.JobCorrelationData) error {
	for i, s := range seq {
		params, err := template.ResolveAll(s.Params, vars)
		if err != nil {
			common.Logger.WithFields(map[string]interface{}{
				"job_prefix": idPrefix, "step": s.Name, "error": err.Error(),
			}).Warn("side sequence step skipped, unresolved params")
			continue
		}
		job := queue.WorkerJob{
			JobID:        fmt.Sprintf("%s-%d", idPrefix, i),
			BatchID:      batch.ID,
			WorkerID:     s.WorkerID,
			FunctionName: s.Function,
			Parameters:   params,
			Correlation:  corr,
			DispatchedAt: o.now(),
		}
		if err := o.pub.PublishJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// handleMemberAdded folds a late member into the batch's phases that already
// fired, completed ones included. Pending phases pick the member up
// naturally when they fire.
func (o *Orchestrator) handleMemberAdded(ctx context.Context, msg queue.MemberChange) error {
	member, err := o.store.Members.GetByID(ctx, msg.BatchMemberID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return permanent("member %d not found", msg.BatchMemberID)
		}
		return err
	}
	if member.Status != model.MemberActive {
		return nil
	}
	batch, err := o.store.Batches.GetByID(ctx, member.BatchID)
	if err != nil {
		return err
	}
	if batch.Status.IsTerminal() {
		return nil
	}
	phases, err := o.store.Phases.ListByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	docs := map[int]*runbook.Document{}
	now := o.now()
	for i := range phases {
		p := phases[i]
		if p.Status != model.PhaseDispatched && p.Status != model.PhaseCompleted {
			continue
		}
		doc, ok := docs[p.RunbookVersion]
		if !ok {
			doc, err = o.loadDoc(ctx, batch.RunbookName, p.RunbookVersion)
			if err != nil {
				return err
			}
			docs[p.RunbookVersion] = doc
		}
		def := doc.PhaseByName(p.PhaseName)
		if def == nil {
			continue
		}
		rows := buildStepRows(doc, def.Steps, p.ID, *member, *batch, now)
		if err := o.store.Steps.InsertMany(ctx, rows); err != nil {
			return err
		}
		if err := o.dispatchNextStep(ctx, p.ID, member.ID, batch); err != nil {
			return err
		}
	}
	return nil
}

// handleMemberRemoved cancels every non-terminal step of the member and
// fires the runbook's removal hooks.
func (o *Orchestrator) handleMemberRemoved(ctx context.Context, msg queue.MemberChange) error {
	member, err := o.store.Members.GetByID(ctx, msg.BatchMemberID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return permanent("member %d not found", msg.BatchMemberID)
		}
		return err
	}
	batch, err := o.store.Batches.GetByID(ctx, member.BatchID)
	if err != nil {
		return err
	}
	if _, err := o.store.Steps.CancelNonTerminalForMember(ctx, member.ID); err != nil {
		return err
	}

	version, err := o.store.Phases.MaxVersion(ctx, batch.ID)
	if err != nil {
		return err
	}
	if version > 0 {
		doc, err := o.loadDoc(ctx, batch.RunbookName, version)
		if err != nil {
			return err
		}
		if len(doc.OnMemberRemoved) > 0 {
			vars := memberVars(*member, *batch)
			if err := o.fireSequence(ctx, doc.OnMemberRemoved, vars, batch,
				fmt.Sprintf("member-%d-removed", member.ID), queue.JobCorrelationData{
					RunbookName:    batch.RunbookName,
					RunbookVersion: version,
					BatchID:        batch.ID,
					BatchMemberID:  member.ID,
					Rollback:       true,
				}); err != nil {
				return err
			}
		}
	}

	// cancellation may have finished a dispatched phase
	phases, err := o.store.Phases.ListByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	for _, p := range phases {
		if p.Status == model.PhaseDispatched {
			if err := o.checkPhaseComplete(ctx, p.ID, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// handlePollCheck drives one poll cycle: enforce the timeout, then
// redispatch the job with the next poll attempt id. A poll count that no
// longer matches the row means a later cycle already ran; the check is
// stale and dropped.
func (o *Orchestrator) handlePollCheck(ctx context.Context, msg queue.PollCheck) error {
	if msg.InitExecutionID > 0 {
		return o.pollInit(ctx, msg)
	}
	if msg.StepExecutionID <= 0 {
		return permanent("poll check names no execution")
	}
	return o.pollStep(ctx, msg)
}

func (o *Orchestrator) pollStep(ctx context.Context, msg queue.PollCheck) error {
	step, err := o.store.Steps.GetByID(ctx, msg.StepExecutionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return permanent("step execution %d not found", msg.StepExecutionID)
		}
		return err
	}
	if step.Status != model.StepPolling || step.PollCount != msg.PollCount {
		return nil
	}
	phase, err := o.store.Phases.GetByID(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}
	batch, err := o.store.Batches.GetByID(ctx, phase.BatchID)
	if err != nil {
		return err
	}
	if step.PollStartedAt != nil &&
		o.now().Sub(*step.PollStartedAt) >= time.Duration(step.PollTimeoutSec)*time.Second {
		won, err := o.store.Steps.MarkPollTimeout(ctx, step.ID, o.now())
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		step.Status = model.StepPollTimeout
		common.BatchLogger(batch.ID, batch.RunbookName).WithFields(map[string]interface{}{
			"step": step.StepName, "member_id": step.BatchMemberID,
		}).Error("step polling timed out")
		if step.OnFailure != "" {
			if err := o.fireRollback(ctx, step, batch); err != nil {
				common.Logger.WithError(err).Warn("rollback dispatch failed")
			}
		}
		if _, err := o.store.Members.UpdateStatus(ctx, step.BatchMemberID, model.MemberActive, model.MemberFailed); err != nil {
			return err
		}
		if _, err := o.store.Steps.CancelPendingForMember(ctx, step.BatchMemberID); err != nil {
			return err
		}
		return o.checkPhaseComplete(ctx, step.PhaseExecutionID, batch)
	}

	won, err := o.store.Steps.MarkPolling(ctx, step.ID, model.StepPolling, o.now())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	jobID := fmt.Sprintf("%s-poll-%d", stepJobID(step), step.PollCount+1)
	return o.pub.PublishJob(ctx, queue.WorkerJob{
		JobID:        jobID,
		BatchID:      batch.ID,
		WorkerID:     step.WorkerID,
		FunctionName: step.FunctionName,
		Parameters:   decodeParams(step.ParamsJSON),
		Correlation:  o.stepCorrelation(step, phase, batch),
		DispatchedAt: o.now(),
	})
}

func (o *Orchestrator) pollInit(ctx context.Context, msg queue.PollCheck) error {
	init, err := o.store.Inits.GetByID(ctx, msg.InitExecutionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return permanent("init execution %d not found", msg.InitExecutionID)
		}
		return err
	}
	if init.Status != model.StepPolling || init.PollCount != msg.PollCount {
		return nil
	}
	batch, err := o.store.Batches.GetByID(ctx, init.BatchID)
	if err != nil {
		return err
	}
	if init.PollStartedAt != nil &&
		o.now().Sub(*init.PollStartedAt) >= time.Duration(init.PollTimeoutSec)*time.Second {
		won, err := o.store.Inits.MarkPollTimeout(ctx, init.ID, o.now())
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		init.Status = model.StepPollTimeout
		return o.failInit(ctx, init, batch, "init polling timed out")
	}

	won, err := o.store.Inits.MarkPolling(ctx, init.ID, model.StepPolling, o.now())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	jobID := fmt.Sprintf("%s-poll-%d", initJobID(init), init.PollCount+1)
	return o.pub.PublishJob(ctx, queue.WorkerJob{
		JobID:        jobID,
		BatchID:      batch.ID,
		WorkerID:     init.WorkerID,
		FunctionName: init.FunctionName,
		Parameters:   decodeParams(init.ParamsJSON),
		Correlation:  initCorrelation(init, batch),
		DispatchedAt: o.now(),
	})
}

// handleRetryCheck redispatches an execution whose retry delay has elapsed.
// The check only fires for the attempt it was scheduled for: a retry count
// that no longer matches the row means the step moved on and the check is
// stale.
func (o *Orchestrator) handleRetryCheck(ctx context.Context, msg queue.RetryCheck) error {
	if msg.InitExecutionID > 0 {
		init, err := o.store.Inits.GetByID(ctx, msg.InitExecutionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return permanent("init execution %d not found", msg.InitExecutionID)
			}
			return err
		}
		if init.Status != model.StepPending || init.RetryCount != msg.RetryCount {
			return nil
		}
		batch, err := o.store.Batches.GetByID(ctx, init.BatchID)
		if err != nil {
			return err
		}
		if batch.Status.IsTerminal() {
			return nil
		}
		return o.dispatchInit(ctx, init, batch)
	}
	if msg.StepExecutionID <= 0 {
		return permanent("retry check names no execution")
	}
	step, err := o.store.Steps.GetByID(ctx, msg.StepExecutionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return permanent("step execution %d not found", msg.StepExecutionID)
		}
		return err
	}
	if step.Status != model.StepPending || step.RetryCount != msg.RetryCount {
		return nil
	}
	phase, err := o.store.Phases.GetByID(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}
	batch, err := o.store.Batches.GetByID(ctx, phase.BatchID)
	if err != nil {
		return err
	}
	if batch.Status.IsTerminal() {
		return nil
	}
	return o.dispatchStep(ctx, step, batch)
}

// checkPhaseComplete closes a dispatched phase once every step row under it
// is terminal: completed when at least one member ran every step to
// succeeded, failed otherwise. Then checks the batch.
func (o *Orchestrator) checkPhaseComplete(ctx context.Context, phaseExecutionID int64, batch *model.Batch) error {
	steps, err := o.store.Steps.ListByPhase(ctx, phaseExecutionID)
	if err != nil {
		return err
	}
	allSucceeded := map[int64]bool{}
	for _, s := range steps {
		if !s.Status.IsTerminal() {
			return nil
		}
		ok, seen := allSucceeded[s.BatchMemberID]
		if !seen {
			ok = true
		}
		allSucceeded[s.BatchMemberID] = ok && s.Status == model.StepSucceeded
	}
	to := model.PhaseFailed
	if len(steps) == 0 {
		// fired with no members; nothing to do counts as done
		to = model.PhaseCompleted
	}
	for _, ok := range allSucceeded {
		if ok {
			to = model.PhaseCompleted
			break
		}
	}
	won, err := o.store.Phases.UpdateStatus(ctx, phaseExecutionID, model.PhaseDispatched, to, o.now())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	log := common.BatchLogger(batch.ID, batch.RunbookName).WithField("phase_execution_id", phaseExecutionID)
	if to == model.PhaseCompleted {
		log.Info("phase complete")
	} else {
		log.Error("phase failed, no member succeeded")
	}
	return o.checkBatchComplete(ctx, batch)
}

// checkBatchComplete closes an active batch once every phase row, across all
// versions, is terminal: completed when at least one phase completed, failed
// when every phase failed.
func (o *Orchestrator) checkBatchComplete(ctx context.Context, batch *model.Batch) error {
	phases, err := o.store.Phases.ListByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	if len(phases) == 0 {
		return nil
	}
	anyCompleted := false
	for _, p := range phases {
		if !p.Status.IsTerminal() {
			return nil
		}
		if p.Status == model.PhaseCompleted {
			anyCompleted = true
		}
	}
	to := model.BatchFailed
	if anyCompleted {
		to = model.BatchCompleted
	}
	won, err := o.store.Batches.UpdateStatus(ctx, batch.ID, model.BatchActive, to)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	log := common.BatchLogger(batch.ID, batch.RunbookName)
	if to == model.BatchCompleted {
		log.Info("batch complete")
	} else {
		log.Error("batch failed, no phase completed")
	}
	return nil
}
