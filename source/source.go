// Package source evaluates runbook data-source queries. A Querier per source
// type returns raw rows; the scheduler normalizes them into member keys,
// batch start times and the frozen per-member data snapshot.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/template"
)

// Row is one result row keyed by column name.
type Row map[string]interface{}

// Querier runs a data-source query.
type Querier interface {
	Query(ctx context.Context, ds runbook.DataSource) ([]Row, error)
}

// Registry maps source types to queriers.
type Registry struct {
	queriers map[runbook.SourceType]Querier
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{queriers: map[runbook.SourceType]Querier{}}
}

// Register installs q for source type t, replacing any previous querier.
func (r *Registry) Register(t runbook.SourceType, q Querier) {
	r.queriers[t] = q
}

// For returns the querier for t.
func (r *Registry) For(t runbook.SourceType) (Querier, error) {
	q, ok := r.queriers[t]
	if !ok {
		return nil, fmt.Errorf("no querier registered for source type %q", t)
	}
	return q, nil
}

// Member is one normalized source row.
type Member struct {
	Key       string
	BatchTime *time.Time
	DataJSON  []byte
}

// Normalize turns raw rows into members: the primary key column becomes the
// member key, the batch time column (when configured) parses into the start
// time, multi-valued columns split into arrays, and the whole row freezes
// into the data snapshot.
func Normalize(rows []Row, ds runbook.DataSource) ([]Member, error) {
	out := make([]Member, 0, len(rows))
	for i, row := range rows {
		keyVal, ok := row[ds.PrimaryKey]
		if !ok || keyVal == nil {
			return nil, fmt.Errorf("row %d: missing primary key column %q", i, ds.PrimaryKey)
		}
		m := Member{Key: template.Stringify(keyVal)}
		if m.Key == "" {
			return nil, fmt.Errorf("row %d: empty primary key", i)
		}

		if ds.BatchTimeColumn != "" {
			t, err := parseTime(row[ds.BatchTimeColumn])
			if err != nil {
				return nil, fmt.Errorf("row %d: column %q: %w", i, ds.BatchTimeColumn, err)
			}
			m.BatchTime = t
		}

		data := make(map[string]interface{}, len(row))
		for k, v := range row {
			data[k] = v
		}
		for _, col := range ds.MultiValuedColumns {
			v, ok := data[col.Name]
			if !ok || v == nil {
				continue
			}
			parts, err := splitMultiValued(template.Stringify(v), col.Format)
			if err != nil {
				return nil, fmt.Errorf("row %d: column %q: %w", i, col.Name, err)
			}
			data[col.Name] = parts
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("row %d: encode data: %w", i, err)
		}
		m.DataJSON = raw
		out = append(out, m)
	}
	return out, nil
}

func parseTime(v interface{}) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("null batch time")
	case time.Time:
		u := t.UTC()
		return &u, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return nil, fmt.Errorf("unparseable batch time %q", t)
		}
		u := parsed.UTC()
		return &u, nil
	default:
		return nil, fmt.Errorf("batch time has unsupported type %T", v)
	}
}

func splitMultiValued(s string, format runbook.MultiValuedFormat) ([]string, error) {
	switch format {
	case runbook.FormatJSONArray:
		var out []string
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("invalid json array %q", s)
		}
		return out, nil
	case runbook.FormatSemicolonDelimited:
		return splitTrim(s, ";"), nil
	case runbook.FormatCommaDelimited:
		return splitTrim(s, ","), nil
	default:
		return nil, fmt.Errorf("unknown multi-valued format %q", format)
	}
}

func splitTrim(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
