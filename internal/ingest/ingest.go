package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cohort-validator/internal/analytics"
	"cohort-validator/internal/definition"
	"cohort-validator/internal/report"
)

// TableAudit is the immutable result of ingesting one submitted file into the
// analytical engine: scan metadata, the normalized column mapping, and the
// table/column statistics computed by aggregate queries.
type TableAudit struct {
	Table   string
	Scan    *FileScan
	Loaded  bool
	Mapping definition.ColumnMapping

	ColumnSet definition.ColumnSetResult

	RowCount     int64
	DistinctRows int64
	ColumnStats  []analytics.ColumnStats

	Issues []report.Issue
}

// Engine is the subset of the analytical engine the ingestion path needs.
type Engine interface {
	CreateTableFromCSV(ctx context.Context, table, path string) (int64, error)
	RenameColumn(ctx context.Context, table, from, to string) error
	Columns(ctx context.Context, table string) ([]string, error)
	TableStats(ctx context.Context, table string) (analytics.TableStats, error)
	ColumnStats(ctx context.Context, table, column string) (analytics.ColumnStats, error)
	DropTable(ctx context.Context, table string) error
}

// Load runs the full ingestion and audit path for one file: two streaming
// passes, bulk load into the engine, column normalization, and statistics.
// Structural failures are recorded as issues on the returned audit, never as
// errors; the error return is reserved for infrastructure failures.
func Load(ctx context.Context, engine Engine, def *definition.Definition, path, table string) (*TableAudit, error) {
	scan, err := ScanFile(path)
	if err != nil {
		return nil, err
	}

	audit := &TableAudit{Table: table, Scan: scan}
	audit.Issues = append(audit.Issues, scan.Issues...)

	if scan.HeaderMissing() {
		// Nothing to load; the scan already recorded why.
		return audit, nil
	}

	shapeIssues, err := CheckRowShapes(path, scan)
	if err != nil {
		return nil, err
	}
	audit.Issues = append(audit.Issues, shapeIssues...)

	audit.ColumnSet = def.ValidateColumnSet(scan.Header)
	for _, missing := range audit.ColumnSet.MissingRequired {
		audit.Issues = append(audit.Issues, report.Issue{
			Severity:   report.SeverityError,
			IssueType:  report.IssueMissingColumn,
			ColumnName: missing,
			Message:    fmt.Sprintf("required column '%s' is missing from the file", missing),
		})
	}
	for _, extra := range audit.ColumnSet.Extra {
		audit.Issues = append(audit.Issues, report.Issue{
			Severity:   report.SeverityWarning,
			IssueType:  report.IssueExtraColumn,
			ColumnName: extra,
			Message:    fmt.Sprintf("column '%s' is not part of the definition", extra),
		})
	}

	loadedRows, err := engine.CreateTableFromCSV(ctx, table, path)
	if err != nil {
		return nil, fmt.Errorf("error loading %s into analytical engine: %w", path, err)
	}
	audit.Loaded = true
	audit.RowCount = loadedRows

	// Case normalization happens exactly once, here, before any statistics
	// or validation touch the table. The mapping is kept on the audit for
	// reproducibility.
	audit.Mapping = def.NormalizeColumns(scan.Header)
	if err := normalizeTableColumns(ctx, engine, table, audit.Mapping); err != nil {
		return nil, err
	}

	expectedRows := scan.LineCount - 1 // header excluded
	if loadedRows != expectedRows {
		audit.Issues = append(audit.Issues, report.Issue{
			Severity:      report.SeverityWarning,
			IssueType:     report.IssueRowCountMismatch,
			Message:       fmt.Sprintf("engine loaded %d rows but the file has %d data lines", loadedRows, expectedRows),
			ObservedValue: fmt.Sprintf("%d", loadedRows),
			ExpectedValue: fmt.Sprintf("%d", expectedRows),
		})
	}

	tableStats, err := engine.TableStats(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("error computing table statistics: %w", err)
	}
	audit.RowCount = tableStats.RowCount
	audit.DistinctRows = tableStats.DistinctRows

	columns, err := engine.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	for _, column := range columns {
		stats, err := engine.ColumnStats(ctx, table, column)
		if err != nil {
			return nil, fmt.Errorf("error computing column statistics: %w", err)
		}
		audit.ColumnStats = append(audit.ColumnStats, stats)
	}

	slog.Info("file ingested", "table", table, "rows", audit.RowCount, "columns", len(columns), "issues", len(audit.Issues))

	return audit, nil
}

func normalizeTableColumns(ctx context.Context, engine Engine, table string, mapping definition.ColumnMapping) error {
	columns, err := engine.Columns(ctx, table)
	if err != nil {
		return err
	}

	for _, column := range columns {
		canonical, ok := mapping.Names[column]
		if !ok || canonical == column {
			continue
		}
		if strings.EqualFold(canonical, column) {
			if err := engine.RenameColumn(ctx, table, column, canonical); err != nil {
				return err
			}
		}
	}
	return nil
}
