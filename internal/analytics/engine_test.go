package analytics

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{MemoryLimitMB: 256, TempDirectory: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func loadTestCSV(t *testing.T, engine *Engine, table, content string) int64 {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	rows, err := engine.CreateTableFromCSV(context.Background(), table, path)
	require.NoError(t, err)
	return rows
}

func TestCreateTableFromCSV(t *testing.T) {
	engine := setupTestEngine(t)

	rows := loadTestCSV(t, engine, "t1", "patient_id,diagnosis\nP1,C50\nP2,C61\nP3,C50\n")
	assert.Equal(t, int64(3), rows)

	columns, err := engine.Columns(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"patient_id", "diagnosis"}, columns)
}

func TestTableStats(t *testing.T) {
	engine := setupTestEngine(t)
	loadTestCSV(t, engine, "t1", "a,b\n1,x\n1,x\n2,y\n")

	stats, err := engine.TableStats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.RowCount)
	assert.Equal(t, int64(2), stats.DistinctRows)
}

func TestColumnStats(t *testing.T) {
	engine := setupTestEngine(t)
	loadTestCSV(t, engine, "t1", "a,b\n1,x\n2,\n2,y\n")

	stats, err := engine.ColumnStats(context.Background(), "t1", "b")
	require.NoError(t, err)
	assert.Equal(t, "b", stats.Column)
	assert.Equal(t, int64(1), stats.NullCount)
	assert.Equal(t, int64(2), stats.DistinctCount)
}

func TestRenameColumn(t *testing.T) {
	engine := setupTestEngine(t)
	loadTestCSV(t, engine, "t1", "PATIENT_ID\nP1\n")

	require.NoError(t, engine.RenameColumn(context.Background(), "t1", "PATIENT_ID", "patient_id"))

	columns, err := engine.Columns(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"patient_id"}, columns)
}

func TestDropTableIdempotent(t *testing.T) {
	engine := setupTestEngine(t)
	loadTestCSV(t, engine, "t1", "a\n1\n")

	require.NoError(t, engine.DropTable(context.Background(), "t1"))
	require.NoError(t, engine.DropTable(context.Background(), "t1"))
}

func TestDistinctNonEmpty(t *testing.T) {
	engine := setupTestEngine(t)
	loadTestCSV(t, engine, "t1", "id\nP2\nP1\nP2\n \n")

	values, total, err := engine.DistinctNonEmpty(context.Background(), "t1", "id")
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, values)
	assert.Equal(t, int64(3), total)
}

func TestStreamRows(t *testing.T) {
	engine := setupTestEngine(t)
	loadTestCSV(t, engine, "t1", "a,b\nr1,x\nr2,y\nr3,z\n")

	var rowNos []int64
	var values []string
	err := engine.StreamRows(context.Background(), "t1", 2, func(batch RowBatch) error {
		for _, row := range batch.Rows {
			rowNos = append(rowNos, row.No)
			values = append(values, row.Values["a"])
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, rowNos)
	assert.Equal(t, []string{"r1", "r2", "r3"}, values)
}

func TestStreamRowsHandlerErrorStops(t *testing.T) {
	engine := setupTestEngine(t)
	loadTestCSV(t, engine, "t1", "a\n1\n2\n3\n4\n")

	calls := 0
	err := engine.StreamRows(context.Background(), "t1", 2, func(batch RowBatch) error {
		calls++
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
