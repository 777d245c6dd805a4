package source

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
)

type stubQuerier struct{ rows []Row }

func (s stubQuerier) Query(ctx context.Context, ds runbook.DataSource) ([]Row, error) {
	return s.rows, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.For(runbook.SourceSQL)
	assert.Error(t, err)

	q := stubQuerier{}
	r.Register(runbook.SourceSQL, q)
	got, err := r.For(runbook.SourceSQL)
	require.NoError(t, err)
	assert.Equal(t, q, got)
}

func TestNormalize(t *testing.T) {
	ds := runbook.DataSource{
		PrimaryKey:      "tenant_id",
		BatchTimeColumn: "cutover_at",
	}
	cutover := time.Date(2026, 7, 1, 22, 0, 0, 0, time.UTC)

	t.Run("basic rows", func(t *testing.T) {
		rows := []Row{
			{"tenant_id": "t-1", "cutover_at": cutover, "region": "eu"},
			{"tenant_id": float64(42), "cutover_at": cutover.Format(time.RFC3339)},
		}
		members, err := Normalize(rows, ds)
		require.NoError(t, err)
		require.Len(t, members, 2)

		assert.Equal(t, "t-1", members[0].Key)
		require.NotNil(t, members[0].BatchTime)
		assert.Equal(t, cutover, *members[0].BatchTime)

		// numeric keys stringify, string batch times parse as RFC 3339
		assert.Equal(t, "42", members[1].Key)
		require.NotNil(t, members[1].BatchTime)
		assert.True(t, cutover.Equal(*members[1].BatchTime))

		var data map[string]interface{}
		require.NoError(t, json.Unmarshal(members[0].DataJSON, &data))
		assert.Equal(t, "eu", data["region"])
	})

	t.Run("missing primary key", func(t *testing.T) {
		_, err := Normalize([]Row{{"cutover_at": cutover}}, ds)
		assert.ErrorContains(t, err, "tenant_id")
	})

	t.Run("null batch time", func(t *testing.T) {
		_, err := Normalize([]Row{{"tenant_id": "t-1", "cutover_at": nil}}, ds)
		assert.ErrorContains(t, err, "cutover_at")
	})

	t.Run("unparseable batch time", func(t *testing.T) {
		_, err := Normalize([]Row{{"tenant_id": "t-1", "cutover_at": "next tuesday"}}, ds)
		assert.Error(t, err)
	})

	t.Run("no batch time column configured", func(t *testing.T) {
		immediate := runbook.DataSource{PrimaryKey: "tenant_id", BatchTime: runbook.BatchTimeImmediate}
		members, err := Normalize([]Row{{"tenant_id": "t-1"}}, immediate)
		require.NoError(t, err)
		assert.Nil(t, members[0].BatchTime)
	})
}

func TestNormalizeMultiValued(t *testing.T) {
	base := runbook.DataSource{PrimaryKey: "id", BatchTime: runbook.BatchTimeImmediate}

	tests := []struct {
		name   string
		format runbook.MultiValuedFormat
		value  interface{}
		want   []interface{}
	}{
		{name: "semicolon", format: runbook.FormatSemicolonDelimited, value: "a; b ;c", want: []interface{}{"a", "b", "c"}},
		{name: "comma", format: runbook.FormatCommaDelimited, value: "x,y", want: []interface{}{"x", "y"}},
		{name: "json array", format: runbook.FormatJSONArray, value: `["p","q"]`, want: []interface{}{"p", "q"}},
		{name: "empty string", format: runbook.FormatCommaDelimited, value: "  ", want: []interface{}{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := base
			ds.MultiValuedColumns = []runbook.MultiValuedColumn{{Name: "tags", Format: tt.format}}
			members, err := Normalize([]Row{{"id": "1", "tags": tt.value}}, ds)
			require.NoError(t, err)

			var data map[string]interface{}
			require.NoError(t, json.Unmarshal(members[0].DataJSON, &data))
			assert.Equal(t, tt.want, data["tags"])
		})
	}

	t.Run("invalid json array", func(t *testing.T) {
		ds := base
		ds.MultiValuedColumns = []runbook.MultiValuedColumn{{Name: "tags", Format: runbook.FormatJSONArray}}
		_, err := Normalize([]Row{{"id": "1", "tags": "not json"}}, ds)
		assert.Error(t, err)
	})

	t.Run("null column passes through", func(t *testing.T) {
		ds := base
		ds.MultiValuedColumns = []runbook.MultiValuedColumn{{Name: "tags", Format: runbook.FormatCommaDelimited}}
		members, err := Normalize([]Row{{"id": "1", "tags": nil}}, ds)
		require.NoError(t, err)
		var data map[string]interface{}
		require.NoError(t, json.Unmarshal(members[0].DataJSON, &data))
		assert.Nil(t, data["tags"])
	})
}
