package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	vars := Vars{"tenant_id": "t-42", "region": "eu-west", "_batch_id": "7"}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{name: "single placeholder", tmpl: "{{tenant_id}}", want: "t-42"},
		{name: "embedded", tmpl: "migrate {{tenant_id}} in {{region}}", want: "migrate t-42 in eu-west"},
		{name: "no placeholders", tmpl: "plain text", want: "plain text"},
		{name: "underscore prefix fallback", tmpl: "{{batch_id}}", want: "7"},
		{name: "exact name beats fallback", tmpl: "{{_batch_id}}", want: "7"},
		{name: "non identifier left alone", tmpl: "{{ tenant_id }}", want: "{{ tenant_id }}"},
		{name: "single braces left alone", tmpl: "{tenant_id}", want: "{tenant_id}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.tmpl, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveMissing(t *testing.T) {
	_, err := Resolve("{{zeta}} and {{alpha}} and {{zeta}}", Vars{})
	require.Error(t, err)
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	// each name once, sorted
	assert.Equal(t, []string{"alpha", "zeta"}, re.Missing)
}

func TestResolveAll(t *testing.T) {
	vars := Vars{"a": "1"}

	t.Run("all resolve", func(t *testing.T) {
		out, err := ResolveAll(map[string]string{"x": "{{a}}", "y": "static"}, vars)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"x": "1", "y": "static"}, out)
	})

	t.Run("missing names union across values", func(t *testing.T) {
		_, err := ResolveAll(map[string]string{"x": "{{b}}", "y": "{{c}} {{b}}"}, vars)
		var re *ResolutionError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, []string{"b", "c"}, re.Missing)
	})
}

func TestMerge(t *testing.T) {
	data := Vars{"k": "source", "only_data": "d"}
	worker := Vars{"k": "worker", "only_worker": "w"}

	merged := Merge(data, worker)
	assert.Equal(t, "worker", merged["k"])
	assert.Equal(t, "d", merged["only_data"])
	assert.Equal(t, "w", merged["only_worker"])

	// inputs are untouched
	assert.Equal(t, "source", data["k"])
}

func TestFromJSON(t *testing.T) {
	raw := []byte(`{"s":"text","n":3.5,"i":12,"b":true,"nil":null,"arr":["a","b"],"obj":{"k":1}}`)
	vars, err := FromJSON(raw)
	require.NoError(t, err)

	assert.Equal(t, "text", vars["s"])
	assert.Equal(t, "3.5", vars["n"])
	assert.Equal(t, "12", vars["i"])
	assert.Equal(t, "true", vars["b"])
	assert.Equal(t, "", vars["nil"])
	assert.Equal(t, `["a","b"]`, vars["arr"])
	assert.Equal(t, `{"k":1}`, vars["obj"])

	empty, err := FromJSON(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = FromJSON([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestWithBatch(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	vars := Vars{"k": "v"}.WithBatch(99, &start)
	assert.Equal(t, "99", vars[VarBatchID])
	assert.Equal(t, "2026-05-01T09:30:00Z", vars[VarBatchStartTime])
	assert.Equal(t, "v", vars["k"])

	noStart := Vars{}.WithBatch(7, nil)
	assert.Equal(t, "7", noStart[VarBatchID])
	assert.Equal(t, "", noStart[VarBatchStartTime])
}

func TestHasPlaceholders(t *testing.T) {
	assert.True(t, HasPlaceholders("{{a}}"))
	assert.True(t, HasPlaceholders("x {{a_b1}} y"))
	assert.False(t, HasPlaceholders("plain"))
	assert.False(t, HasPlaceholders("{{ spaced }}"))
	assert.False(t, HasPlaceholders("{a}"))
}
