package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tagflow/internal/archive"
	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/observe"
)

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ASCII, "table": ASCII, "ASCII": ASCII, "md": Markdown, "markdown": Markdown} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("csv")
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	snap := map[string]observe.StageMetrics{
		"parse":    {Count: 10, TotalTime: 0.02, AvgTime: 0.002, Errors: 1},
		"classify": {Count: 9, TotalTime: 0.009, AvgTime: 0.001},
	}
	out := Snapshot(snap, ASCII)

	lines := strings.Split(out, "\n")
	var classifyRow, parseRow int
	for i, l := range lines {
		if strings.Contains(l, "classify") {
			classifyRow = i
		}
		if strings.Contains(l, "parse") {
			parseRow = i
		}
	}
	assert.Less(t, classifyRow, parseRow, "rows sorted by stage")
	assert.Contains(t, out, "2.000")
	assert.Contains(t, out, "29.000")
	assert.Contains(t, strings.ToLower(out), "total")
	assert.Contains(t, out, "19")
}

func TestSnapshot_Markdown(t *testing.T) {
	out := Snapshot(map[string]observe.StageMetrics{"sink": {Count: 1}}, Markdown)
	assert.True(t, strings.HasPrefix(out, "|"))
	assert.Contains(t, out, "| sink |")
}

func TestTransitions(t *testing.T) {
	counts := map[engine.Edge]int64{
		{From: "start", To: "error"}:   2,
		{From: "start", To: "general"}: 5,
	}
	drops := map[engine.Edge]int64{{From: "start", To: "general"}: 5}

	out := Transitions(counts, drops, Markdown)
	general := strings.Index(out, "general")
	errorRow := strings.Index(out, "| error")
	require.NotEqual(t, -1, general)
	require.NotEqual(t, -1, errorRow)
	assert.Less(t, general, errorRow, "highest count first")
	assert.Contains(t, out, "| 7 |")
}

func TestErrorsAndRuns(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 30, 45, 0, time.UTC)
	out := Errors([]observe.ErrorRecord{{Timestamp: at, Stage: "parse", CorrelationID: "abc", Error: "malformed token: x"}}, ASCII)
	assert.Contains(t, out, "12:30:45.000")
	assert.Contains(t, out, "malformed token: x")

	out = Runs([]archive.Run{{ID: "r1", Kind: "loop", Status: "completed", Processed: 3, FinishedAt: at}}, ASCII)
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "2025-03-01 12:30:45")
}
