// Package report holds the issue shapes shared by the ingestion, rule, and
// referential validators. Issues are immutable value types; the orchestrator
// persists them, it never mutates them.
package report

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Issue types produced by the structural and statistical audit path.
const (
	IssueEmptyFile        = "empty_file"
	IssueMissingHeader    = "missing_header"
	IssueDecodeError      = "decode_error"
	IssueMalformedRow     = "malformed_row"
	IssueRowCountMismatch = "row_count_mismatch"
	IssueMissingColumn    = "missing_required_column"
	IssueExtraColumn      = "unexpected_column"
	IssueColumnConfig     = "column_configuration_error"
	IssueRuleFailure      = "rule_failure"
	IssueRuleWarning      = "rule_warning"
	IssueDuplicateIds     = "duplicate_patient_ids"
	IssueInvalidIds       = "invalid_patient_ids"
	IssueNoPatientFile    = "no_patient_file"
)

type Issue struct {
	Severity   Severity `json:"severity"`
	IssueType  string   `json:"issue_type"`
	ColumnName string   `json:"column_name,omitempty"`
	RowNumber  int64    `json:"row_number,omitempty"`
	Message    string   `json:"message"`

	ObservedValue string `json:"observed_value,omitempty"`
	ExpectedValue string `json:"expected_value,omitempty"`

	// AffectedRows lists every row sharing the same observed value when the
	// issue represents a distinct-value group.
	AffectedRows []int64 `json:"affected_rows,omitempty"`
}

// HasFailures reports whether any issue is severe enough to fail a job.
// Warnings and informational issues never fail validation.
func HasFailures(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical || issue.Severity == SeverityError {
			return true
		}
	}
	return false
}
