package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// Config is process-wide: the memory ceiling and spill directory apply to
// every job sharing the engine, per the engine's own admission control.
type Config struct {
	// DatabasePath is the on-disk database location; empty means in-memory.
	DatabasePath  string
	MemoryLimitMB int
	TempDirectory string
}

// Engine wraps the embedded columnar engine used for bulk CSV loads and
// aggregate statistics. Callers never iterate rows in-process for statistics;
// everything aggregate goes through SQL.
type Engine struct {
	db *sql.DB
}

func NewEngine(cfg Config) (*Engine, error) {
	db, err := sql.Open("duckdb", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("error opening analytical engine: %w", err)
	}

	if cfg.MemoryLimitMB > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA memory_limit='%dMB'", cfg.MemoryLimitMB)); err != nil {
			db.Close()
			return nil, fmt.Errorf("error setting engine memory limit: %w", err)
		}
	}

	if cfg.TempDirectory != "" {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA temp_directory='%s'", escapeLiteral(cfg.TempDirectory))); err != nil {
			db.Close()
			return nil, fmt.Errorf("error setting engine temp directory: %w", err)
		}
	}

	slog.Info("analytical engine ready", "memory_limit_mb", cfg.MemoryLimitMB, "temp_directory", cfg.TempDirectory)

	return &Engine{db: db}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func escapeLiteral(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

// CreateTableFromCSV bulk-loads the file at path into a new table. All
// columns are loaded as VARCHAR so validation sees the submitted text
// unchanged, and a synthetic monotonically increasing row_no column is added.
// Returns the number of data rows loaded.
func (e *Engine) CreateTableFromCSV(ctx context.Context, table, path string) (int64, error) {
	query := fmt.Sprintf(
		"CREATE TABLE %s AS SELECT row_number() OVER () AS row_no, * FROM read_csv('%s', header=true, all_varchar=true, strict_mode=false, null_padding=true)",
		quoteIdent(table), escapeLiteral(path),
	)

	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return 0, fmt.Errorf("error loading csv into engine: %w", err)
	}

	var rows int64
	if err := e.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))).Scan(&rows); err != nil {
		return 0, fmt.Errorf("error counting loaded rows: %w", err)
	}
	return rows, nil
}

func (e *Engine) DropTable(ctx context.Context, table string) error {
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(table))); err != nil {
		return fmt.Errorf("error dropping table %s: %w", table, err)
	}
	return nil
}

// RenameColumn applies the one-time case normalization recorded at load.
func (e *Engine) RenameColumn(ctx context.Context, table, from, to string) error {
	query := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", quoteIdent(table), quoteIdent(from), quoteIdent(to))
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("error renaming column %s to %s: %w", from, to, err)
	}
	return nil
}

// Columns introspects the table's schema, excluding the synthetic row_no.
func (e *Engine) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("error introspecting table %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   bool
			dfltValue sql.NullString
			pk        bool
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("error scanning table info: %w", err)
		}
		if name == "row_no" {
			continue
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

type TableStats struct {
	RowCount     int64
	DistinctRows int64
}

func (e *Engine) TableStats(ctx context.Context, table string) (TableStats, error) {
	var stats TableStats

	if err := e.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))).Scan(&stats.RowCount); err != nil {
		return stats, fmt.Errorf("error counting rows: %w", err)
	}

	columns, err := e.Columns(ctx, table)
	if err != nil {
		return stats, err
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM (SELECT DISTINCT %s FROM %s)", strings.Join(quoted, ", "), quoteIdent(table))
	if err := e.db.QueryRowContext(ctx, query).Scan(&stats.DistinctRows); err != nil {
		return stats, fmt.Errorf("error counting distinct rows: %w", err)
	}

	return stats, nil
}

type ColumnStats struct {
	Column        string
	NullCount     int64
	DistinctCount int64
}

func (e *Engine) ColumnStats(ctx context.Context, table, column string) (ColumnStats, error) {
	stats := ColumnStats{Column: column}

	query := fmt.Sprintf(
		"SELECT COUNT(*) - COUNT(%s), COUNT(DISTINCT %s) FROM %s",
		quoteIdent(column), quoteIdent(column), quoteIdent(table),
	)
	if err := e.db.QueryRowContext(ctx, query).Scan(&stats.NullCount, &stats.DistinctCount); err != nil {
		return stats, fmt.Errorf("error computing stats for column %s: %w", column, err)
	}

	return stats, nil
}

// DistinctNonEmpty returns the distinct non-null, non-empty values of a
// column via a single aggregate query, plus the total number of non-empty
// source rows so callers can detect duplicates without a second pass.
func (e *Engine) DistinctNonEmpty(ctx context.Context, table, column string) ([]string, int64, error) {
	col, tbl := quoteIdent(column), quoteIdent(table)

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(%s) FROM %s WHERE TRIM(%s) <> ''", col, tbl, col)
	if err := e.db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("error counting non-empty values of %s: %w", column, err)
	}

	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE TRIM(%s) <> '' ORDER BY %s", col, tbl, col, col)
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("error querying distinct values of %s: %w", column, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, 0, fmt.Errorf("error scanning distinct value: %w", err)
		}
		values = append(values, value)
	}
	return values, total, rows.Err()
}

// Row is one table row with its synthetic row number. Values are keyed by
// column name; missing cells are absent from the map.
type Row struct {
	No     int64
	Values map[string]string
}

// RowBatch is one batch of rows streamed out of the engine for rule
// evaluation.
type RowBatch struct {
	Rows []Row
}

// StreamRows feeds table rows to handle in batches ordered by row_no. The
// handler returning an error stops the stream; this is the cancellation
// point between row batches.
func (e *Engine) StreamRows(ctx context.Context, table string, batchSize int, handle func(batch RowBatch) error) error {
	if batchSize <= 0 {
		batchSize = 10000
	}

	columns, err := e.Columns(ctx, table)
	if err != nil {
		return err
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}
	selectList := strings.Join(append([]string{`"row_no"`}, quoted...), ", ")

	var offset int64
	for {
		query := fmt.Sprintf(
			"SELECT %s FROM %s ORDER BY row_no LIMIT %d OFFSET %d",
			selectList, quoteIdent(table), batchSize, offset,
		)

		rows, err := e.db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("error streaming rows from %s: %w", table, err)
		}

		var batch RowBatch
		for rows.Next() {
			scanned := make([]any, len(columns)+1)
			var rowNo int64
			scanned[0] = &rowNo
			cells := make([]sql.NullString, len(columns))
			for i := range cells {
				scanned[i+1] = &cells[i]
			}

			if err := rows.Scan(scanned...); err != nil {
				rows.Close()
				return fmt.Errorf("error scanning row batch: %w", err)
			}

			values := make(map[string]string, len(columns))
			for i, col := range columns {
				if cells[i].Valid {
					values[col] = cells[i].String
				}
			}
			batch.Rows = append(batch.Rows, Row{No: rowNo, Values: values})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error reading row batch: %w", err)
		}
		rows.Close()

		if len(batch.Rows) == 0 {
			return nil
		}

		if err := handle(batch); err != nil {
			return err
		}

		if len(batch.Rows) < batchSize {
			return nil
		}
		offset += int64(len(batch.Rows))
	}
}
