package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cohort-validator/internal/analytics"
	"cohort-validator/internal/database"
	"cohort-validator/internal/definition"
	"cohort-validator/internal/ingest"
	"cohort-validator/internal/report"
	"cohort-validator/internal/rules"
)

// runState is the per-run shared state. The ingest job writes the audit; the
// dependent jobs only read it after the ingest job reached a terminal state,
// so access is sequenced by the scheduler rather than locked per field.
type runState struct {
	orc    *Orchestrator
	run    *database.ValidationRun
	upload database.FileUpload
	def    *definition.Definition
	path   string
	table  string

	mu       sync.Mutex
	audit    *ingest.TableAudit
	rejected bool
}

func (s *runState) setAudit(audit *ingest.TableAudit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = audit
}

func (s *runState) getAudit() *ingest.TableAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audit
}

func (s *runState) markRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = true
}

func (s *runState) isRejected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

func (s *runState) progress(ctx context.Context, jobName string, pct int) {
	database.UpdateJobProgress(ctx, s.orc.db, s.run.Id, jobName, pct) //nolint:errcheck
}

// jobResult is the immutable output of one validator execution.
type jobResult struct {
	Issues  []report.Issue
	Summary map[string]any
	Skipped bool
}

func (r *jobResult) passed() bool {
	return !report.HasFailures(r.Issues)
}

func runIngestJob(ctx context.Context, state *runState) (*jobResult, error) {
	state.progress(ctx, JobIngestAudit, 5)

	audit, err := ingest.Load(ctx, state.orc.engine, state.def, state.path, state.table)
	if err != nil {
		return nil, err
	}
	state.setAudit(audit)
	state.progress(ctx, JobIngestAudit, 90)

	result := &jobResult{
		Issues: audit.Issues,
		Summary: map[string]any{
			"file_size_bytes": audit.Scan.SizeBytes,
			"sha256":          audit.Scan.SHA256,
			"line_count":      audit.Scan.LineCount,
			"encoding":        audit.Scan.Encoding,
			"line_ending":     audit.Scan.LineEnding,
			"loaded":          audit.Loaded,
			"row_count":       audit.RowCount,
			"distinct_rows":   audit.DistinctRows,
			"matched_columns": len(audit.ColumnSet.Matched),
			"extra_columns":   len(audit.ColumnSet.Extra),
		},
	}

	columnStats := make(map[string]map[string]int64, len(audit.ColumnStats))
	for _, stats := range audit.ColumnStats {
		columnStats[stats.Column] = map[string]int64{
			"null_count":     stats.NullCount,
			"distinct_count": stats.DistinctCount,
		}
	}
	result.Summary["column_stats"] = columnStats

	return result, nil
}

const ruleBatchSize = 10000

func runColumnRulesJob(ctx context.Context, state *runState) (*jobResult, error) {
	audit := state.getAudit()
	if audit == nil || !audit.Loaded {
		return &jobResult{Skipped: true}, nil
	}

	result := &jobResult{Summary: map[string]any{}}

	normalized := audit.Mapping.Apply(audit.Scan.Header)
	evaluators := make(map[string]*rules.ColumnEvaluator)

	for _, column := range normalized {
		variable, ok := state.def.Variable(column)
		if !ok {
			continue // extra columns are reported by the ingest audit
		}

		columnRules, err := rules.BuildColumnRules(*variable)
		if err != nil {
			var noValidators *rules.ErrNoValidators
			if errors.As(err, &noValidators) {
				result.Issues = append(result.Issues, report.Issue{
					Severity:   report.SeverityError,
					IssueType:  report.IssueColumnConfig,
					ColumnName: column,
					Message:    noValidators.Error(),
				})
				continue
			}
			return nil, fmt.Errorf("error building rules for column '%s': %w", column, err)
		}
		evaluators[variable.Name] = rules.NewColumnEvaluator(variable.Name, columnRules)
	}

	totalRows := audit.RowCount
	var processed int64

	err := state.orc.engine.StreamRows(ctx, state.table, ruleBatchSize, func(batch analytics.RowBatch) error {
		// Row batches are the cancellation points for streaming work.
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, row := range batch.Rows {
			for column, evaluator := range evaluators {
				evaluator.Row(row.No, row.Values[column], row.Values)
			}
		}

		processed += int64(len(batch.Rows))
		if totalRows > 0 {
			state.progress(ctx, JobColumnRules, int(processed*95/totalRows))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var failCount, warnCount int64
	for _, evaluator := range evaluators {
		columnReport := evaluator.Report()
		failCount += columnReport.FailCount
		warnCount += columnReport.WarnCount

		for _, group := range columnReport.Groups {
			severity := report.SeverityError
			issueType := report.IssueRuleFailure
			if group.Status == rules.Warn {
				severity = report.SeverityWarning
				issueType = report.IssueRuleWarning
			}

			issue := report.Issue{
				Severity:      severity,
				IssueType:     issueType,
				ColumnName:    columnReport.Column,
				Message:       group.Message,
				ObservedValue: group.Value,
				AffectedRows:  group.Rows,
			}
			if len(group.Rows) > 0 {
				issue.RowNumber = group.Rows[0]
			}
			result.Issues = append(result.Issues, issue)
		}
	}

	result.Summary["columns_checked"] = len(evaluators)
	result.Summary["rows_checked"] = processed
	result.Summary["fail_count"] = failCount
	result.Summary["warn_count"] = warnCount

	return result, nil
}

func runReferentialJob(ctx context.Context, state *runState) (*jobResult, error) {
	audit := state.getAudit()
	if audit == nil || !audit.Loaded {
		return &jobResult{Skipped: true}, nil
	}

	result := &jobResult{Summary: map[string]any{}}

	idColumn, ok := state.def.PatientIDColumn()
	if !ok {
		result.Issues = append(result.Issues, report.Issue{
			Severity:  report.SeverityError,
			IssueType: report.IssueColumnConfig,
			Message:   fmt.Sprintf("definition for '%s' declares no patient identifier column", state.def.FileType),
		})
		return result, nil
	}

	if !headerContains(audit.Mapping.Apply(audit.Scan.Header), idColumn) {
		result.Issues = append(result.Issues, report.Issue{
			Severity:   report.SeverityError,
			IssueType:  report.IssueMissingColumn,
			ColumnName: idColumn,
			Message:    fmt.Sprintf("patient identifier column '%s' is missing from the file", idColumn),
		})
		return result, nil
	}

	if state.upload.FileType == PatientFileType {
		extract, err := state.orc.referential.ExtractPatientIDs(ctx, state.orc.engine, state.upload.SubmissionId, state.table, idColumn)
		if err != nil {
			return nil, err
		}
		result.Issues = append(result.Issues, extract.Issues...)
		result.Summary["patient_count"] = extract.PatientCount
		result.Summary["duplicate_count"] = extract.DuplicateCount
		state.progress(ctx, JobReferential, 95)
		return result, nil
	}

	check, err := state.orc.referential.CheckReferences(ctx, state.orc.engine, state.upload.SubmissionId, state.table, idColumn)
	if err != nil {
		return nil, err
	}
	result.Issues = append(result.Issues, check.Issues...)
	state.progress(ctx, JobReferential, 80)

	if !check.Valid {
		// The converted columnar table is working data too; drop it before
		// the tracked artifacts are reclaimed.
		if err := state.orc.engine.DropTable(ctx, state.table); err != nil {
			return nil, err
		}

		metadata := map[string]any{
			"file_name":  state.upload.FileName,
			"file_type":  state.upload.FileType,
			"size_bytes": audit.Scan.SizeBytes,
			"sha256":     audit.Scan.SHA256,
			"row_count":  audit.RowCount,
		}
		if err := state.orc.referential.RejectUpload(ctx, state.upload.Id, check, metadata); err != nil {
			return nil, err
		}
		state.markRejected()

		result.Summary["rejected"] = true
		result.Summary["reason_code"] = check.ReasonCode
		result.Summary["invalid_id_count"] = check.InvalidCount
		result.Summary["invalid_id_sample"] = check.InvalidSample
		return result, nil
	}

	result.Summary["rejected"] = false
	return result, nil
}

func headerContains(header []string, column string) bool {
	for _, col := range header {
		if strings.EqualFold(col, column) {
			return true
		}
	}
	return false
}
