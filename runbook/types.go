// Package runbook parses and validates the declarative runbook documents the
// scheduler executes. A runbook describes how to discover members from an
// external data source, how to group them into batches, and the ordered
// phases of per-member steps that drive each batch to completion.
//
// Documents are YAML with underscored field names. Unknown fields are
// ignored so older engines keep accepting newer documents.
package runbook

// SourceType enumerates the supported data-source query engines.
type SourceType string

const (
	SourceDataverse  SourceType = "dataverse"
	SourceDatabricks SourceType = "databricks"
	SourceSQL        SourceType = "sql"
)

// MultiValuedFormat enumerates the encodings a multi-valued source column
// may arrive in.
type MultiValuedFormat string

const (
	FormatSemicolonDelimited MultiValuedFormat = "semicolon_delimited"
	FormatCommaDelimited     MultiValuedFormat = "comma_delimited"
	FormatJSONArray          MultiValuedFormat = "json_array"
)

// BatchTimeImmediate is the sentinel for runbooks whose rows batch into the
// current five-minute bucket instead of a source-provided time column.
const BatchTimeImmediate = "immediate"

// MultiValuedColumn declares a source column that carries multiple values.
type MultiValuedColumn struct {
	Name   string            `yaml:"name"`
	Format MultiValuedFormat `yaml:"format"`
}

// DataSource describes where and how members are discovered.
type DataSource struct {
	Type               SourceType          `yaml:"type"`
	Connection         string              `yaml:"connection"`
	WarehouseID        string              `yaml:"warehouse_id"`
	Query              string              `yaml:"query"`
	PrimaryKey         string              `yaml:"primary_key"`
	BatchTimeColumn    string              `yaml:"batch_time_column"`
	BatchTime          string              `yaml:"batch_time"`
	MultiValuedColumns []MultiValuedColumn `yaml:"multi_valued_columns"`
}

// Immediate reports whether rows batch into the current time bucket.
func (d DataSource) Immediate() bool { return d.BatchTime == BatchTimeImmediate }

// PollSpec configures a polling step. Interval and Timeout are duration
// strings (`30s`, `15m`, `2h`, `7d`).
type PollSpec struct {
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
}

// RetrySpec bounds retries of a failed step. MaxRetries of zero disables
// retry even when a global retry policy is present.
type RetrySpec struct {
	MaxRetries int    `yaml:"max_retries"`
	Interval   string `yaml:"interval"`
}

// Step is one function call executed on a worker.
type Step struct {
	Name         string            `yaml:"name"`
	WorkerID     string            `yaml:"worker_id"`
	Function     string            `yaml:"function"`
	Params       map[string]string `yaml:"params"`
	OutputParams map[string]string `yaml:"output_params"`
	OnFailure    string            `yaml:"on_failure"`
	Poll         *PollSpec         `yaml:"poll"`
	Retry        *RetrySpec        `yaml:"retry"`
}

// Phase is an ordered segment of a batch, firing at Offset before the
// batch start time (`T-0`, `T-4h`, ...).
type Phase struct {
	Name   string `yaml:"name"`
	Offset string `yaml:"offset"`
	Steps  []Step `yaml:"steps"`
}

// Document is a parsed runbook.
type Document struct {
	Name            string            `yaml:"name"`
	Description     string            `yaml:"description"`
	DataSource      DataSource        `yaml:"data_source"`
	Init            []Step            `yaml:"init"`
	Phases          []Phase           `yaml:"phases"`
	OnMemberRemoved []Step            `yaml:"on_member_removed"`
	Retry           *RetrySpec        `yaml:"retry"`
	Rollbacks       map[string][]Step `yaml:"rollbacks"`
}

// PhaseByName returns the named phase, or nil.
func (d *Document) PhaseByName(name string) *Phase {
	for i := range d.Phases {
		if d.Phases[i].Name == name {
			return &d.Phases[i]
		}
	}
	return nil
}

// EffectiveRetry resolves a step's retry policy against the document-level
// default. A step-level spec always wins, including `max_retries: 0`.
func (d *Document) EffectiveRetry(s Step) RetrySpec {
	if s.Retry != nil {
		return *s.Retry
	}
	if d.Retry != nil {
		return *d.Retry
	}
	return RetrySpec{}
}
