package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestReplayFixtureMatches(t *testing.T) {
	out, err := execute(t, "replay", filepath.Join("..", "..", "internal", "replay", "testdata", "slippery_patch.json"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "all match")
	assert.Contains(t, out, "terrain_friction")
}

func TestReplayMissingFixture(t *testing.T) {
	_, err := execute(t, "replay", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func seedStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "navcert.db")
	store, err := state.NewStore(path)
	require.NoError(t, err)
	_, err = store.CreateInitialRigor(state.DefaultRigorParameters())
	require.NoError(t, err)
	tightened := state.DefaultRigorParameters()
	tightened.CurrentMargin = 0.7
	_, err = store.CommitRigor(tightened, "incident")
	require.NoError(t, err)
	require.NoError(t, store.AppendIncident(state.IncidentRow{
		IncidentID:    "inc-1",
		Cause:         "terrain_friction",
		MarginDelta:   0.2,
		MarginAfter:   0.7,
		Justification: "friction 0.30 below slippery threshold 0.60",
	}))
	require.NoError(t, store.Close())
	return path
}

func TestInspectRigorJSON(t *testing.T) {
	path := seedStore(t)
	out, err := execute(t, "inspect", "rigor", "--db", path, "--json", "--last", "5")
	require.NoError(t, err)

	var versions []state.RigorVersion
	require.NoError(t, json.Unmarshal([]byte(out), &versions))
	require.Len(t, versions, 2)
	assert.InDelta(t, 0.7, versions[0].Params.CurrentMargin, 1e-9)
	assert.Equal(t, "incident", versions[0].Reason)
}

func TestInspectIncidentsJSON(t *testing.T) {
	path := seedStore(t)
	out, err := execute(t, "inspect", "incidents", "--db", path, "--json")
	require.NoError(t, err)

	var rows []state.IncidentRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "inc-1", rows[0].IncidentID)
}

func TestInspectRollback(t *testing.T) {
	path := seedStore(t)
	store, err := state.NewStore(path)
	require.NoError(t, err)
	versions, err := store.ListRigorVersions(5)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	first := versions[len(versions)-1].VersionID

	_, err = execute(t, "inspect", "rollback", first, "--db", path)
	require.NoError(t, err)

	store, err = state.NewStore(path)
	require.NoError(t, err)
	defer store.Close()
	cur, err := store.GetCurrentRigor()
	require.NoError(t, err)
	assert.Equal(t, first, cur.VersionID)
}

func TestRecordStartupRigor(t *testing.T) {
	store, err := state.NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	p := state.DefaultRigorParameters()

	require.NoError(t, recordStartupRigor(store, p, discardLogger()))
	require.NoError(t, recordStartupRigor(store, p, discardLogger()))
	versions, _ := store.ListRigorVersions(10)
	assert.Len(t, versions, 1, "unchanged parameters are not re-versioned")

	p.CurrentMargin = 0.9
	require.NoError(t, recordStartupRigor(store, p, discardLogger()))
	cur, err := store.GetCurrentRigor()
	require.NoError(t, err)
	assert.Equal(t, "startup", cur.Reason)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
