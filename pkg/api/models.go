package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SubmitValidationRequest struct {
	SubmissionId uuid.UUID `json:"submission_id"`
	FileType     string    `json:"file_type"`
	FileName     string    `json:"file_name"`
	ObjectKey    string    `json:"object_key"`
}

type SubmitValidationResponse struct {
	Message  string    `json:"message"`
	UploadId uuid.UUID `json:"upload_id"`
}

type Upload struct {
	Id           uuid.UUID `json:"id"`
	SubmissionId uuid.UUID `json:"submission_id"`
	FileType     string    `json:"file_type"`
	FileName     string    `json:"file_name"`
	Status       string    `json:"status"`
	CreationTime time.Time `json:"creation_time"`

	Runs      []Run      `json:"runs,omitempty"`
	Rejection *Rejection `json:"rejection,omitempty"`
}

type Run struct {
	Id       uuid.UUID `json:"id"`
	UploadId uuid.UUID `json:"upload_id"`
	Status   string    `json:"status"`

	TotalJobs     int `json:"total_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
	Percent       int `json:"percent"`

	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

type Job struct {
	RunId    uuid.UUID `json:"run_id"`
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Progress int       `json:"progress"`

	StartTime      *time.Time `json:"start_time,omitempty"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	ResultSummary json.RawMessage `json:"result_summary,omitempty"`
}

type Issue struct {
	Id        uuid.UUID `json:"id"`
	RunId     uuid.UUID `json:"run_id"`
	JobName   string    `json:"job_name"`
	Severity  string    `json:"severity"`
	IssueType string    `json:"issue_type"`
	Message   string    `json:"message"`

	ColumnName    string  `json:"column_name,omitempty"`
	RowNumber     *int64  `json:"row_number,omitempty"`
	ObservedValue string  `json:"observed_value,omitempty"`
	ExpectedValue string  `json:"expected_value,omitempty"`
	AffectedRows  []int64 `json:"affected_rows,omitempty"`
}

type IssueQuery struct {
	Offset   int    `schema:"offset"`
	Limit    int    `schema:"limit"`
	Severity string `schema:"severity"`
	JobName  string `schema:"job_name"`
}

type IssueList struct {
	Total  int64   `json:"total"`
	Issues []Issue `json:"issues"`
}

type Rejection struct {
	ReasonCode      string          `json:"reason_code"`
	InvalidIdCount  int64           `json:"invalid_id_count"`
	InvalidIdSample []string        `json:"invalid_id_sample,omitempty"`
	FileMetadata    json.RawMessage `json:"file_metadata,omitempty"`
	CreationTime    time.Time       `json:"creation_time"`
}

// PatientSet deliberately exposes only the count; the IDs themselves are PHI
// and never leave the service.
type PatientSet struct {
	SubmissionId uuid.UUID `json:"submission_id"`
	PatientCount int64     `json:"patient_count"`
}

type SweepRequest struct {
	OlderThanHours int `json:"older_than_hours"`
}

type SweepResponse struct {
	Message string `json:"message"`
}

type VerifyResponse struct {
	MissingTracked   []string `json:"missing_tracked"`
	UntrackedPresent []string `json:"untracked_present"`
}
