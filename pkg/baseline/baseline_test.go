package baseline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(targets ...TargetRecord) *Snapshot {
	s := NewSnapshot()
	s.Targets = targets
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baseline.json")

	before := snapshot(TargetRecord{
		Name:          "files",
		Transport:     "pipe",
		ServerName:    "filesystem",
		ServerVersion: "1.2.0",
		Reachable:     true,
		Tools: []ToolRecord{
			{Name: "read_file", SchemaHash: HashSchema([]byte(`{"type":"object"}`))},
		},
		Prompts: []string{"summarize"},
		Elapsed: 340 * time.Millisecond,
	})
	require.NoError(t, before.Save(path))

	after, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, before.RunID, after.RunID)
	assert.Equal(t, before.Targets, after.Targets)
	assert.True(t, before.StartTime.Equal(after.StartTime))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestHashSchema(t *testing.T) {
	a := HashSchema([]byte(`{"type":"object"}`))
	b := HashSchema([]byte(`{"type":"string"}`))
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, HashSchema([]byte(`{"type":"object"}`)))
	assert.Empty(t, HashSchema(nil))
}

func TestDiffCleanWhenNothingChanged(t *testing.T) {
	rec := TargetRecord{Name: "files", Reachable: true, Tools: []ToolRecord{{Name: "read", SchemaHash: "aa"}}}
	report := Diff(snapshot(rec), snapshot(rec))
	assert.True(t, report.Clean())
	assert.Empty(t, report.Drifts)
}

func TestDiffTargetLifecycle(t *testing.T) {
	before := snapshot(
		TargetRecord{Name: "old", Reachable: true},
		TargetRecord{Name: "kept", Reachable: true},
	)
	after := snapshot(
		TargetRecord{Name: "kept", Reachable: true},
		TargetRecord{Name: "fresh", Reachable: true},
	)

	report := Diff(before, after)
	require.Len(t, report.Drifts, 2)
	// Output is sorted by target name.
	assert.Equal(t, "fresh", report.Drifts[0].Target)
	assert.True(t, report.Drifts[0].Appeared)
	assert.Equal(t, "old", report.Drifts[1].Target)
	assert.True(t, report.Drifts[1].Disappeared)
}

func TestDiffHealthTransitions(t *testing.T) {
	before := snapshot(
		TargetRecord{Name: "up-down", Reachable: true},
		TargetRecord{Name: "down-up", Reachable: false, Error: "dial refused"},
	)
	after := snapshot(
		TargetRecord{Name: "up-down", Reachable: false, Error: "timeout"},
		TargetRecord{Name: "down-up", Reachable: true},
	)

	report := Diff(before, after)
	require.Len(t, report.Drifts, 2)
	assert.Equal(t, "down-up", report.Drifts[0].Target)
	assert.True(t, report.Drifts[0].BecameHealthy)
	assert.Equal(t, "up-down", report.Drifts[1].Target)
	assert.True(t, report.Drifts[1].BecameUnhealthy)
}

func TestDiffToolChanges(t *testing.T) {
	before := snapshot(TargetRecord{Name: "srv", Reachable: true, Tools: []ToolRecord{
		{Name: "kept", SchemaHash: "aa"},
		{Name: "mutated", SchemaHash: "bb"},
		{Name: "dropped", SchemaHash: "cc"},
	}})
	after := snapshot(TargetRecord{Name: "srv", Reachable: true, Tools: []ToolRecord{
		{Name: "kept", SchemaHash: "aa"},
		{Name: "mutated", SchemaHash: "b2"},
		{Name: "added", SchemaHash: "dd"},
	}})

	report := Diff(before, after)
	require.Len(t, report.Drifts, 1)
	d := report.Drifts[0]
	assert.Equal(t, []string{"added"}, d.NewTools)
	assert.Equal(t, []string{"dropped"}, d.RemovedTools)
	assert.Equal(t, []string{"mutated"}, d.ChangedSchemas)
	assert.True(t, d.Changed())
}

func TestDriftReportRunIDs(t *testing.T) {
	before := snapshot()
	after := snapshot()
	report := Diff(before, after)
	assert.Equal(t, before.RunID, report.BeforeRun)
	assert.Equal(t, after.RunID, report.AfterRun)
	assert.NotEqual(t, report.BeforeRun, report.AfterRun)
}
