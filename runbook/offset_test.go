package runbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffset(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		minutes int
		wantErr bool
	}{
		{name: "zero", input: "T-0", minutes: 0},
		{name: "minutes", input: "T-30m", minutes: 30},
		{name: "hours", input: "T-4h", minutes: 240},
		{name: "days", input: "T-2d", minutes: 2880},
		{name: "seconds round up", input: "T-90s", minutes: 2},
		{name: "exact minute in seconds", input: "T-120s", minutes: 2},
		{name: "one second rounds to one minute", input: "T-1s", minutes: 1},
		{name: "missing unit", input: "T-30", wantErr: true},
		{name: "zero with unit", input: "T-0h", wantErr: true},
		{name: "leading zero", input: "T-05m", wantErr: true},
		{name: "negative", input: "T--5m", wantErr: true},
		{name: "plus offset", input: "T+5m", wantErr: true},
		{name: "garbage", input: "tomorrow", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			off, err := ParseOffset(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.minutes, off.Minutes)
		})
	}
}

func TestOffsetStringRoundTrip(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "T-0", want: "T-0"},
		{input: "T-45m", want: "T-45m"},
		{input: "T-4h", want: "T-4h"},
		{input: "T-2d", want: "T-2d"},
		// sub-minute offsets normalise once and are stable afterwards
		{input: "T-90s", want: "T-120s"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			off, err := ParseOffset(tt.input)
			require.NoError(t, err)
			formatted := off.String()
			assert.Equal(t, tt.want, formatted)

			again, err := ParseOffset(formatted)
			require.NoError(t, err)
			assert.Equal(t, off.Minutes, again.Minutes)
			assert.Equal(t, formatted, again.String())
		})
	}
}

func TestParseDurationSeconds(t *testing.T) {
	tests := []struct {
		input   string
		seconds int
		wantErr bool
	}{
		{input: "30s", seconds: 30},
		{input: "15m", seconds: 900},
		{input: "2h", seconds: 7200},
		{input: "7d", seconds: 604800},
		{input: "0s", wantErr: true},
		{input: "30", wantErr: true},
		{input: "s", wantErr: true},
		{input: "1.5h", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDurationSeconds(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.seconds, got)
		})
	}
}

func TestOffsetDueAt(t *testing.T) {
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	off, err := ParseOffset("T-4h")
	require.NoError(t, err)
	assert.Equal(t, start.Add(-4*time.Hour), off.DueAt(start))

	zero, err := ParseOffset("T-0")
	require.NoError(t, err)
	assert.Equal(t, start, zero.DueAt(start))
}
