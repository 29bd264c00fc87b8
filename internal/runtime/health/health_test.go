package health

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/holdflow/internal/runtime/paths"
	"github.com/drblury/holdflow/internal/runtime/store"
)

func setup(t *testing.T, name string) paths.Layout {
	t.Helper()
	layout := paths.New(t.TempDir())
	_, err := layout.EnsureServiceDirectories(name)
	require.NoError(t, err)
	return layout
}

func writeIntake(t *testing.T, layout paths.Layout, name string, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(layout.IntakeFile(name), []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func seedStore(t *testing.T, layout paths.Layout, name string, ids ...string) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, layout.StoreFile(name), store.DefaultSchema(name))
	require.NoError(t, err)
	defer s.Close()
	rows := make([]store.Row, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, store.Row{ID: id, Data: map[string]any{"id": id}})
	}
	_, err = s.Upsert(ctx, rows)
	require.NoError(t, err)
}

func TestCheckServiceHealthFreshService(t *testing.T) {
	layout := setup(t, "knowledge")

	r := CheckServiceHealth(context.Background(), layout, "knowledge", "")
	assert.True(t, r.Healthy)
	assert.Empty(t, r.Issues)
	assert.Len(t, r.Warnings, 2)
	assert.True(t, r.SyncOK)
	assert.False(t, r.Checks.StoreExists)
	assert.Zero(t, r.IntakeRecords)
}

func TestCheckServiceHealthReportsFirstThreeInvalidLines(t *testing.T) {
	layout := setup(t, "knowledge")
	writeIntake(t, layout, "knowledge",
		`{"id":"1"}`,
		`{broken`,
		``,
		`nope`,
		`{"id":"2"`,
		`still bad`,
	)

	r := CheckServiceHealth(context.Background(), layout, "knowledge", "")
	assert.False(t, r.Healthy)
	assert.Equal(t, 1, r.Checks.IntakeValidLines)
	assert.Equal(t, 4, r.Checks.IntakeInvalidLines)
	require.Len(t, r.Issues, 3)
	assert.Equal(t, "Invalid JSON at line 2 in intake.jsonl", r.Issues[0])
	assert.Equal(t, "Invalid JSON at line 5 in intake.jsonl", r.Issues[2])
}

func TestCheckServiceHealthSyncRatio(t *testing.T) {
	layout := setup(t, "knowledge")
	writeIntake(t, layout, "knowledge", `{"a":1}`, `{"a":2}`, `{"a":3}`, `{"a":4}`)
	seedStore(t, layout, "knowledge", "1", "2", "3", "4")

	r := CheckServiceHealth(context.Background(), layout, "knowledge", "")
	assert.True(t, r.Healthy)
	assert.Equal(t, int64(4), r.IntakeRecords)
	assert.Equal(t, int64(4), r.ProcessedRecords)
	assert.InDelta(t, 1.0, r.SyncRatio, 1e-9)
	assert.True(t, r.SyncOK)
	assert.Equal(t, []string{"knowledge_records"}, r.Checks.StoreTables)
}

func TestCheckServiceHealthMissingDirectories(t *testing.T) {
	layout := paths.New(t.TempDir())
	r := CheckServiceHealth(context.Background(), layout, "ghost", "")
	assert.False(t, r.Healthy)
	assert.Len(t, r.Issues, 2)
}

func TestCheckServiceHealthStoreIsDirectory(t *testing.T) {
	layout := setup(t, "knowledge")
	require.NoError(t, os.MkdirAll(layout.StoreFile("knowledge"), 0o755))

	r := CheckServiceHealth(context.Background(), layout, "knowledge", "")
	assert.False(t, r.Healthy)
	assert.Contains(t, r.Issues[0], "corrupted")
}

func TestVerifyHoldSync(t *testing.T) {
	layout := setup(t, "knowledge")
	ctx := context.Background()

	empty := VerifyHoldSync(ctx, layout, "knowledge")
	assert.True(t, empty.SyncOK)

	lines := make([]string, 10)
	for i := range lines {
		lines[i] = `{"n":1}`
	}
	writeIntake(t, layout, "knowledge", lines...)
	seedStore(t, layout, "knowledge", "1", "2", "3", "4", "5", "6", "7", "8")

	behind := VerifyHoldSync(ctx, layout, "knowledge")
	assert.Equal(t, int64(10), behind.Hold1Count)
	assert.Equal(t, int64(8), behind.Hold2Count)
	assert.False(t, behind.SyncOK)
	require.Len(t, behind.Issues, 1)
	assert.Equal(t, "Sync ratio 80.0% below 90% threshold", behind.Issues[0])

	seedStore(t, layout, "knowledge", "9")
	caught := VerifyHoldSync(ctx, layout, "knowledge")
	assert.True(t, caught.SyncOK)
	assert.InDelta(t, 0.9, caught.SyncRatio, 1e-9)
}

func TestCheckAllAndDiscover(t *testing.T) {
	layout := setup(t, "knowledge")
	_, err := layout.EnsureServiceDirectories("relationship")
	require.NoError(t, err)
	writeIntake(t, layout, "relationship", `bad`)

	names, err := Discover(layout)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"knowledge", "relationship"}, names)

	s := CheckAll(context.Background(), layout, append(names, "missing"))
	assert.False(t, s.OverallHealthy)
	assert.Equal(t, 2, s.ServicesChecked)
	assert.Equal(t, 1, s.ServicesHealthy)
	assert.Equal(t, 1, s.ServicesUnhealthy)
	assert.Equal(t, 1, s.ServicesMissing)
	assert.True(t, filepath.IsAbs(layout.ServicesRoot))
}
