package source

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
)

// SQLQuerier runs sql-type data sources against a Postgres pool.
type SQLQuerier struct {
	pool *pgxpool.Pool
}

// NewSQLQuerier returns a querier on pool.
func NewSQLQuerier(pool *pgxpool.Pool) *SQLQuerier {
	return &SQLQuerier{pool: pool}
}

// Query executes the data-source query verbatim and maps every result row by
// column name.
func (q *SQLQuerier) Query(ctx context.Context, ds runbook.DataSource) ([]Row, error) {
	rows, err := q.pool.Query(ctx, ds.Query)
	if err != nil {
		return nil, fmt.Errorf("source query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read source row: %w", err)
		}
		row := make(Row, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source rows: %w", err)
	}
	return out, nil
}
