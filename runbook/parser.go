package runbook

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ValidationError describes a single structural problem in a runbook
// document. It is surfaced verbatim to the publisher; nothing is persisted
// when validation fails.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("runbook validation failed: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Parse deserialises and validates a runbook document.
func Parse(doc []byte) (*Document, error) {
	var d Document
	if err := yaml.Unmarshal(doc, &d); err != nil {
		return nil, &ValidationError{Field: "document", Message: err.Error()}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the structural and referential invariants of the document.
func (d *Document) Validate() error {
	if d.Name == "" {
		return invalid("name", "required")
	}
	if err := d.DataSource.validate(); err != nil {
		return err
	}
	if len(d.Phases) == 0 {
		return invalid("phases", "at least one phase is required")
	}

	phaseNames := map[string]bool{}
	for i, p := range d.Phases {
		field := fmt.Sprintf("phases[%d]", i)
		if p.Name == "" {
			return invalid(field+".name", "required")
		}
		if phaseNames[p.Name] {
			return invalid(field+".name", "duplicate phase name %q", p.Name)
		}
		phaseNames[p.Name] = true
		if _, err := ParseOffset(p.Offset); err != nil {
			return invalid(field+".offset", "%v", err)
		}
		if len(p.Steps) == 0 {
			return invalid(field+".steps", "phase %q has no steps", p.Name)
		}
		stepNames := map[string]bool{}
		for j, s := range p.Steps {
			sf := fmt.Sprintf("%s.steps[%d]", field, j)
			if stepNames[s.Name] {
				return invalid(sf+".name", "duplicate step name %q in phase %q", s.Name, p.Name)
			}
			stepNames[s.Name] = true
			if err := d.validateStep(sf, s); err != nil {
				return err
			}
		}
	}

	for i, s := range d.Init {
		if err := d.validateStep(fmt.Sprintf("init[%d]", i), s); err != nil {
			return err
		}
	}
	for i, s := range d.OnMemberRemoved {
		if err := d.validateStep(fmt.Sprintf("on_member_removed[%d]", i), s); err != nil {
			return err
		}
	}
	for name, steps := range d.Rollbacks {
		for i, s := range steps {
			if err := d.validateStep(fmt.Sprintf("rollbacks.%s[%d]", name, i), s); err != nil {
				return err
			}
		}
	}
	if d.Retry != nil && d.Retry.Interval != "" {
		if _, err := ParseDurationSeconds(d.Retry.Interval); err != nil {
			return invalid("retry.interval", "%v", err)
		}
	}
	return nil
}

func (ds DataSource) validate() error {
	switch ds.Type {
	case SourceDataverse, SourceDatabricks, SourceSQL:
	case "":
		return invalid("data_source.type", "required")
	default:
		return invalid("data_source.type", "unknown type %q", ds.Type)
	}
	if ds.Type == SourceDatabricks && ds.WarehouseID == "" {
		return invalid("data_source.warehouse_id", "required for databricks sources")
	}
	if ds.Type != SourceDatabricks && ds.WarehouseID != "" {
		return invalid("data_source.warehouse_id", "only valid for databricks sources")
	}
	if ds.Query == "" {
		return invalid("data_source.query", "required")
	}
	if ds.PrimaryKey == "" {
		return invalid("data_source.primary_key", "required")
	}
	hasColumn := ds.BatchTimeColumn != ""
	immediate := ds.BatchTime != ""
	if immediate && ds.BatchTime != BatchTimeImmediate {
		return invalid("data_source.batch_time", "only %q is supported", BatchTimeImmediate)
	}
	if !hasColumn && !immediate {
		return invalid("data_source", "either batch_time_column or batch_time: immediate is required")
	}
	if hasColumn && immediate {
		return invalid("data_source", "batch_time_column and batch_time: immediate are mutually exclusive")
	}
	for i, c := range ds.MultiValuedColumns {
		field := fmt.Sprintf("data_source.multi_valued_columns[%d]", i)
		if c.Name == "" {
			return invalid(field+".name", "required")
		}
		switch c.Format {
		case FormatSemicolonDelimited, FormatCommaDelimited, FormatJSONArray:
		default:
			return invalid(field+".format", "unknown format %q", c.Format)
		}
	}
	return nil
}

func (d *Document) validateStep(field string, s Step) error {
	if s.Name == "" {
		return invalid(field+".name", "required")
	}
	if s.WorkerID == "" {
		return invalid(field+".worker_id", "required")
	}
	if s.Function == "" {
		return invalid(field+".function", "required")
	}
	if s.Poll != nil {
		if s.Poll.Interval == "" {
			return invalid(field+".poll.interval", "required")
		}
		if _, err := ParseDurationSeconds(s.Poll.Interval); err != nil {
			return invalid(field+".poll.interval", "%v", err)
		}
		if s.Poll.Timeout == "" {
			return invalid(field+".poll.timeout", "required")
		}
		if _, err := ParseDurationSeconds(s.Poll.Timeout); err != nil {
			return invalid(field+".poll.timeout", "%v", err)
		}
	}
	if s.Retry != nil {
		if s.Retry.MaxRetries < 0 {
			return invalid(field+".retry.max_retries", "must not be negative")
		}
		if s.Retry.MaxRetries > 0 {
			if s.Retry.Interval == "" {
				return invalid(field+".retry.interval", "required")
			}
			if _, err := ParseDurationSeconds(s.Retry.Interval); err != nil {
				return invalid(field+".retry.interval", "%v", err)
			}
		}
	}
	if s.OnFailure != "" {
		if _, ok := d.Rollbacks[s.OnFailure]; !ok {
			return invalid(field+".on_failure", "no rollback sequence named %q", s.OnFailure)
		}
	}
	for k, v := range s.Params {
		if !balancedBraces(v) {
			return invalid(fmt.Sprintf("%s.params.%s", field, k), "unbalanced {{ }} in %q", v)
		}
	}
	return nil
}

// balancedBraces checks that every `{{` in s is closed by a matching `}}`.
func balancedBraces(s string) bool {
	depth := 0
	for i := 0; i+1 < len(s); {
		switch {
		case s[i] == '{' && s[i+1] == '{':
			depth++
			i += 2
		case s[i] == '}' && s[i+1] == '}':
			depth--
			if depth < 0 {
				return false
			}
			i += 2
		default:
			i++
		}
	}
	return depth == 0
}
