package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/template"
)

// buildInitRows materializes the init sequence of doc for one batch version.
// Params stay raw; init steps resolve against the batch variables at
// dispatch time.
func buildInitRows(doc *runbook.Document, batchID int64, version int, now time.Time) []model.InitExecution {
	rows := make([]model.InitExecution, 0, len(doc.Init))
	for i, s := range doc.Init {
		row := model.InitExecution{
			BatchID:        batchID,
			RunbookVersion: version,
			StepIndex:      i,
			Status:         model.StepPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		fillStepConfig(&row.StepName, &row.WorkerID, &row.FunctionName, &row.ParamsJSON,
			&row.IsPollStep, &row.PollIntervalSec, &row.PollTimeoutSec,
			&row.OnFailure, &row.MaxRetries, &row.RetryIntervalSec, doc, s, nil)
		rows = append(rows, row)
	}
	return rows
}

// buildStepRows materializes one phase's steps for one member. Params that
// resolve from the member's data are stored resolved; anything still
// carrying placeholders is stored raw and re-resolved at dispatch, when step
// outputs from earlier steps may have filled the gaps.
func buildStepRows(doc *runbook.Document, steps []runbook.Step, phaseExecutionID int64, member model.BatchMember, batch model.Batch, now time.Time) []model.StepExecution {
	vars := memberVars(member, batch)
	rows := make([]model.StepExecution, 0, len(steps))
	for i, s := range steps {
		row := model.StepExecution{
			PhaseExecutionID: phaseExecutionID,
			BatchMemberID:    member.ID,
			StepIndex:        i,
			Status:           model.StepPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		fillStepConfig(&row.StepName, &row.WorkerID, &row.FunctionName, &row.ParamsJSON,
			&row.IsPollStep, &row.PollIntervalSec, &row.PollTimeoutSec,
			&row.OnFailure, &row.MaxRetries, &row.RetryIntervalSec, doc, s, vars)
		rows = append(rows, row)
	}
	return rows
}

// fillStepConfig copies the shared step configuration from the document onto
// an execution row. Durations were validated at publish time; a parse error
// here means a corrupted document and zeroes the value.
func fillStepConfig(name, workerID, function *string, paramsJSON *[]byte,
	isPoll *bool, pollInterval, pollTimeout *int,
	onFailure *string, maxRetries, retryInterval *int,
	doc *runbook.Document, s runbook.Step, vars template.Vars) {

	*name = s.Name
	*workerID = s.WorkerID
	*function = s.Function
	*onFailure = s.OnFailure

	params := s.Params
	if vars != nil && len(params) > 0 {
		if resolved, err := template.ResolveAll(params, vars); err == nil {
			params = resolved
		}
	}
	if len(params) > 0 {
		*paramsJSON, _ = json.Marshal(params)
	}

	if s.Poll != nil {
		*isPoll = true
		*pollInterval, _ = runbook.ParseDurationSeconds(s.Poll.Interval)
		*pollTimeout, _ = runbook.ParseDurationSeconds(s.Poll.Timeout)
	}
	retry := doc.EffectiveRetry(s)
	*maxRetries = retry.MaxRetries
	if retry.MaxRetries > 0 {
		*retryInterval, _ = runbook.ParseDurationSeconds(retry.Interval)
	}
}

// memberVars builds the resolution context for one member: frozen source
// data overlaid by accumulated step outputs, plus the batch specials.
func memberVars(member model.BatchMember, batch model.Batch) template.Vars {
	data, err := template.FromJSON(member.DataJSON)
	if err != nil {
		data = template.Vars{}
	}
	worker, err := template.FromJSON(member.WorkerDataJSON)
	if err != nil {
		worker = template.Vars{}
	}
	return template.Merge(data, worker).WithBatch(batch.ID, batch.BatchStartTime)
}

// batchVars is the resolution context for init steps: the batch specials
// only.
func batchVars(batch model.Batch) template.Vars {
	return template.Vars{}.WithBatch(batch.ID, batch.BatchStartTime)
}

// stepOutputs applies a step's output_params mapping to the worker's result
// object: for each `name: field` entry the result's field value is stored
// under name. Missing fields are skipped.
func stepOutputs(outputParams map[string]string, result json.RawMessage) map[string]string {
	if len(outputParams) == 0 || len(result) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(result, &obj); err != nil {
		return nil
	}
	out := map[string]string{}
	for name, field := range outputParams {
		v, ok := obj[field]
		if !ok {
			continue
		}
		out[name] = template.Stringify(v)
	}
	return out
}

func decodeParams(raw []byte) map[string]string {
	if len(raw) == 0 {
		return map[string]string{}
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]string{}
	}
	return out
}

// paramsNeedResolution reports whether any stored value still carries a
// placeholder.
func paramsNeedResolution(params map[string]string) bool {
	for _, v := range params {
		if template.HasPlaceholders(v) {
			return true
		}
	}
	return false
}
