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
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/template"
)

func initJobID(i *model.InitExecution) string {
	id := fmt.Sprintf("init-%d", i.ID)
	if i.RetryCount > 0 {
		id += fmt.Sprintf("-retry-%d", i.RetryCount)
	}
	return id
}

func initCorrelation(init *model.InitExecution, batch *model.Batch) queue.JobCorrelationData {
	return queue.JobCorrelationData{
		InitExecutionID: init.ID,
		IsInitStep:      true,
		RunbookName:     batch.RunbookName,
		RunbookVersion:  init.RunbookVersion,
		BatchID:         batch.ID,
	}
}

// handleBatchInit runs the init sequence of one batch version. Runbooks
// without init steps activate the batch directly.
func (o *Orchestrator) handleBatchInit(ctx context.Context, msg queue.BatchInit) error {
	batch, err := o.store.Batches.GetByID(ctx, msg.BatchID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return permanent("batch %d not found", msg.BatchID)
		}
		return err
	}
	if batch.Status.IsTerminal() {
		return nil
	}
	doc, err := o.loadDoc(ctx, batch.RunbookName, msg.RunbookVersion)
	if err != nil {
		return err
	}
	log := common.BatchLogger(batch.ID, batch.RunbookName)

	if len(doc.Init) == 0 {
		if won, _ := o.store.Batches.UpdateStatus(ctx, batch.ID, model.BatchDetected, model.BatchActive); won {
			log.Info("batch activated, no init steps")
		}
		return nil
	}

	now := o.now()
	if won, err := o.store.Batches.UpdateStatus(ctx, batch.ID, model.BatchDetected, model.BatchInitDispatched); err != nil {
		return err
	} else if won {
		if err := o.store.Batches.SetInitDispatched(ctx, batch.ID, now); err != nil {
			return err
		}
		log.WithField("runbook_version", msg.RunbookVersion).Info("init sequence started")
	}

	exists, err := o.store.Inits.ExistsForBatch(ctx, batch.ID, msg.RunbookVersion)
	if err != nil {
		return err
	}
	if !exists {
		if err := o.store.Inits.InsertMany(ctx, buildInitRows(doc, batch.ID, msg.RunbookVersion, now)); err != nil {
			return err
		}
	}
	first, err := o.store.Inits.FirstPending(ctx, batch.ID, msg.RunbookVersion)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// every init step already terminal, e.g. redelivery after completion
			return o.activateBatch(ctx, batch.ID)
		}
		return err
	}
	return o.dispatchInit(ctx, first, batch)
}

// dispatchInit resolves params against the batch variables and publishes the
// job. Losing the pending→dispatched transition means another delivery beat
// us; that is not an error.
func (o *Orchestrator) dispatchInit(ctx context.Context, init *model.InitExecution, batch *model.Batch) error {
	params := decodeParams(init.ParamsJSON)
	resolved, err := template.ResolveAll(params, batchVars(*batch))
	if err != nil {
		return o.failInit(ctx, init, batch, fmt.Sprintf("parameter resolution: %v", err))
	}
	paramsJSON, _ := json.Marshal(resolved)

	jobID := initJobID(init)
	won, err := o.store.Inits.MarkDispatched(ctx, init.ID, model.StepPending, jobID, paramsJSON, o.now())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	return o.pub.PublishJob(ctx, queue.WorkerJob{
		JobID:        jobID,
		BatchID:      batch.ID,
		WorkerID:     init.WorkerID,
		FunctionName: init.FunctionName,
		Parameters:   resolved,
		Correlation:  initCorrelation(init, batch),
		DispatchedAt: o.now(),
	})
}

// handleInitResult applies one worker result to an init execution and either
// advances the sequence or fails the batch.
func (o *Orchestrator) handleInitResult(ctx context.Context, res queue.WorkerResult) error {
	init, err := o.store.Inits.GetByID(ctx, res.Correlation.InitExecutionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return permanent("init execution %d not found", res.Correlation.InitExecutionID)
		}
		return err
	}
	if init.Status.IsTerminal() {
		return nil
	}
	if res.JobID != currentInitJobID(init) {
		// result from a superseded attempt
		return nil
	}
	batch, err := o.store.Batches.GetByID(ctx, init.BatchID)
	if err != nil {
		return err
	}

	if res.Status == queue.ResultFailure {
		return o.failInit(ctx, init, batch, res.ErrorMessage())
	}

	if init.IsPollStep {
		done, data, err := pollOutcome(res)
		if err != nil {
			return o.failInit(ctx, init, batch, err.Error())
		}
		if !done {
			if _, err := o.store.Inits.MarkPolling(ctx, init.ID, init.Status, o.now()); err != nil {
				return err
			}
			return o.pub.PublishScheduled(ctx, queue.TypePollCheck,
				queue.PollCheck{InitExecutionID: init.ID, PollCount: init.PollCount + 1},
				time.Duration(init.PollIntervalSec)*time.Second)
		}
		res.Result = data
	}

	if won, err := o.store.Inits.MarkSucceeded(ctx, init.ID, init.Status, res.Result, o.now()); err != nil {
		return err
	} else if !won {
		return nil
	}
	return o.advanceInit(ctx, init.BatchID, init.RunbookVersion, batch)
}

// advanceInit dispatches the next pending init step, or activates the batch
// when the sequence is done.
func (o *Orchestrator) advanceInit(ctx context.Context, batchID int64, version int, batch *model.Batch) error {
	next, err := o.store.Inits.FirstPending(ctx, batchID, version)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return o.activateBatch(ctx, batchID)
		}
		return err
	}
	// steps scheduled for retry wait for their retry-check message
	if next.RetryAfter != nil && next.RetryAfter.After(o.now()) {
		return nil
	}
	return o.dispatchInit(ctx, next, batch)
}

func (o *Orchestrator) activateBatch(ctx context.Context, batchID int64) error {
	won, err := o.store.Batches.UpdateStatus(ctx, batchID, model.BatchInitDispatched, model.BatchActive)
	if err != nil {
		return err
	}
	if won {
		common.Logger.WithField("batch_id", batchID).Info("init sequence complete, batch active")
	}
	return nil
}

// failInit retries when the policy allows, otherwise marks the init step
// failed and fails the whole batch; phases never fire for a batch whose init
// did not finish.
func (o *Orchestrator) failInit(ctx context.Context, init *model.InitExecution, batch *model.Batch, errMsg string) error {
	log := common.BatchLogger(batch.ID, batch.RunbookName).
		WithFields(map[string]interface{}{"init_step": init.StepName, "error": errMsg})

	if init.RetryCount < init.MaxRetries {
		delay := time.Duration(init.RetryIntervalSec) * time.Second
		won, err := o.store.Inits.ScheduleRetry(ctx, init.ID, init.Status, o.now().Add(delay), o.now())
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		log.WithField("retry", init.RetryCount+1).Warn("init step failed, retry scheduled")
		return o.pub.PublishScheduled(ctx, queue.TypeRetryCheck,
			queue.RetryCheck{InitExecutionID: init.ID, RetryCount: init.RetryCount + 1}, delay)
	}

	won, err := o.store.Inits.MarkFailed(ctx, init.ID, init.Status, errMsg, o.now())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	log.Error("init step failed, failing batch")
	for _, from := range []model.BatchStatus{model.BatchInitDispatched, model.BatchDetected, model.BatchActive} {
		if won, err := o.store.Batches.UpdateStatus(ctx, batch.ID, from, model.BatchFailed); err != nil {
			return err
		} else if won {
			break
		}
	}
	return nil
}

// currentInitJobID is the job id of the attempt currently in flight,
// including the poll suffix while polling.
func currentInitJobID(i *model.InitExecution) string {
	if i.Status == model.StepPolling && i.PollCount > 0 {
		return fmt.Sprintf("%s-poll-%d", initJobID(i), i.PollCount)
	}
	return i.JobID
}
