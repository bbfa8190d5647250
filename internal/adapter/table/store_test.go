package table_test

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terracast/crop-signal-engine/internal/adapter/table"
	"github.com/terracast/crop-signal-engine/internal/domain"
)

func TestStore_TableRoundTrip(t *testing.T) {
	store := table.New(t.TempDir())
	ctx := context.Background()

	in := &domain.Table{
		Name:    "ndvi",
		Columns: []string{"date", "county_id", "mean"},
		Rows: [][]string{
			{"2023-06-01", "19001", "0.61"},
			{"2023-06-02", "19001", "0.63"},
		},
	}
	require.NoError(t, store.WriteTable(ctx, in))

	out, err := store.ReadTable(ctx, "ndvi")
	require.NoError(t, err)
	assert.Equal(t, in.Columns, out.Columns)
	assert.Equal(t, in.Rows, out.Rows)
	assert.Equal(t, "ndvi", out.Name)
}

func TestStore_QuotedCellsSurvive(t *testing.T) {
	store := table.New(t.TempDir())
	ctx := context.Background()

	in := &domain.Table{
		Name:    "yields",
		Columns: []string{"year", "county_id", "note"},
		Rows: [][]string{
			{"2022", "19001", `hail, then "derecho"`},
		},
	}
	require.NoError(t, store.WriteTable(ctx, in))

	out, err := store.ReadTable(ctx, "yields")
	require.NoError(t, err)
	assert.Equal(t, in.Rows, out.Rows)
}

func TestStore_ReadTableMissing(t *testing.T) {
	store := table.New(t.TempDir())

	_, err := store.ReadTable(context.Background(), "evi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestStore_ReadTableHeaderOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lst.csv"), []byte("date,county_id,mean\n"), 0o600))

	out, err := table.New(dir).ReadTable(context.Background(), "lst")
	require.NoError(t, err)
	assert.Equal(t, []string{"date", "county_id", "mean"}, out.Columns)
	assert.Empty(t, out.Rows)
}

func TestStore_ReadTableEmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "et.csv"), nil, 0o600))

	_, err := table.New(dir).ReadTable(context.Background(), "et")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing header")
}

func TestStore_WriteTableOverwrites(t *testing.T) {
	store := table.New(t.TempDir())
	ctx := context.Background()

	first := &domain.Table{Name: "baselines", Columns: []string{"a"}, Rows: [][]string{{"1"}, {"2"}}}
	require.NoError(t, store.WriteTable(ctx, first))

	second := &domain.Table{Name: "baselines", Columns: []string{"a"}, Rows: [][]string{{"3"}}}
	require.NoError(t, store.WriteTable(ctx, second))

	out, err := store.ReadTable(ctx, "baselines")
	require.NoError(t, err)
	assert.Equal(t, second.Rows, out.Rows)
}

func TestStore_WriteTableDeterministic(t *testing.T) {
	dir := t.TempDir()
	store := table.New(dir)
	ctx := context.Background()

	in := &domain.Table{
		Name:    "anomalies_2023",
		Columns: []string{"date", "county_id", "band", "z"},
		Rows: [][]string{
			{"2023-06-01", "19001", "ndvi", "-2.1"},
			{"2023-06-01", "19001", "vpd", "1.4"},
		},
	}
	require.NoError(t, store.WriteTable(ctx, in))
	a, err := os.ReadFile(filepath.Join(dir, "anomalies_2023.csv"))
	require.NoError(t, err)

	require.NoError(t, store.WriteTable(ctx, in))
	b, err := os.ReadFile(filepath.Join(dir, "anomalies_2023.csv"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestStore_WriteTableLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := table.New(dir)

	in := &domain.Table{Name: "pr", Columns: []string{"a"}, Rows: [][]string{{"1"}}}
	require.NoError(t, store.WriteTable(context.Background(), in))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pr.csv", entries[0].Name())
}

func TestStore_DocumentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := table.New(dir)
	ctx := context.Background()

	type marker struct {
		RunID string `json:"run_id"`
		Rows  int    `json:"rows"`
	}
	in := marker{RunID: "r-1", Rows: 42}
	require.NoError(t, store.WriteDocument(ctx, "run_2023", in))

	raw, err := os.ReadFile(filepath.Join(dir, "run_2023.json"))
	require.NoError(t, err)
	assert.True(t, len(raw) > 0 && raw[len(raw)-1] == '\n', "document should end with a newline")

	var out marker
	require.NoError(t, store.ReadDocument(ctx, "run_2023", &out))
	assert.Equal(t, in, out)
}

func TestStore_ReadDocumentMissing(t *testing.T) {
	store := table.New(t.TempDir())

	var out map[string]any
	err := store.ReadDocument(context.Background(), "feature_manifest", &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestStore_CreatesDirectoryOnWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts", "nested")
	store := table.New(dir)

	in := &domain.Table{Name: "features", Columns: []string{"year"}, Rows: [][]string{{"2023"}}}
	require.NoError(t, store.WriteTable(context.Background(), in))

	out, err := store.ReadTable(context.Background(), "features")
	require.NoError(t, err)
	assert.Equal(t, in.Rows, out.Rows)
}
