package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	UploadPending  string = "PENDING"
	UploadAccepted string = "ACCEPTED"
	UploadRejected string = "REJECTED"
	UploadFailed   string = "FAILED"
)

// FileUpload is one researcher-submitted file. It is the unit of acceptance
// and rejection: referential violations reject the whole upload.
type FileUpload struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubmissionId uuid.UUID `gorm:"type:uuid;index;not null"`

	FileType  string `gorm:"size:64;not null"`
	FileName  string
	ObjectKey string

	Status       string `gorm:"size:20;not null"`
	CreationTime time.Time

	Runs      []ValidationRun   `gorm:"foreignKey:UploadId;constraint:OnDelete:CASCADE"`
	Artifacts []TrackedArtifact `gorm:"foreignKey:UploadId"`
}

const (
	RunPending   string = "PENDING"
	RunRunning   string = "RUNNING"
	RunCompleted string = "COMPLETED"
	RunFailed    string = "FAILED"
	RunPartial   string = "PARTIAL"
)

type ValidationRun struct {
	Id       uuid.UUID   `gorm:"type:uuid;primaryKey"`
	UploadId uuid.UUID   `gorm:"type:uuid;index;not null"`
	Upload   *FileUpload `gorm:"foreignKey:UploadId"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	TotalJobs int `gorm:"default:0"`

	Jobs   []ValidationJob `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Errors []RunError      `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

const (
	JobPending string = "PENDING"
	JobRunning string = "RUNNING"
	JobPassed  string = "PASSED"
	JobFailed  string = "FAILED"
	JobSkipped string = "SKIPPED"
)

type ValidationJob struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name  string    `gorm:"primaryKey;size:64"`

	Status         string `gorm:"size:20;not null"`
	Progress       int    `gorm:"default:0"` // 0..100
	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	ResultSummary datatypes.JSON `gorm:"type:jsonb"`

	Issues []ValidationIssue `gorm:"foreignKey:RunId,JobName;references:RunId,Name;constraint:OnDelete:CASCADE"`
}

const (
	SeverityCritical string = "critical"
	SeverityError    string = "error"
	SeverityWarning  string = "warning"
	SeverityInfo     string = "info"
)

// ValidationIssue is immutable once created.
type ValidationIssue struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunId   uuid.UUID `gorm:"type:uuid;index;not null"`
	JobName string    `gorm:"size:64;not null"`

	Severity   string `gorm:"size:10;not null"`
	IssueType  string `gorm:"size:64;not null"`
	ColumnName sql.NullString
	RowNumber  sql.NullInt64
	Message    string

	ObservedValue sql.NullString
	ExpectedValue sql.NullString

	// Row numbers sharing the same observed value, when the issue represents
	// a distinct-value group rather than a single row.
	AffectedRows datatypes.JSON `gorm:"type:jsonb"`

	CreationTime time.Time
}

// PatientID is one member of a submission's canonical patient ID set. The set
// is replaced wholesale whenever the submission's patient file revalidates.
type PatientID struct {
	SubmissionId uuid.UUID `gorm:"type:uuid;primaryKey"`
	PatientId    string    `gorm:"primaryKey;size:255"`
	CreationTime time.Time
}

// TrackedArtifact records a temporary file or directory for the audit trail.
// Rows are never deleted, only marked cleaned up.
type TrackedArtifact struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	UploadId uuid.UUID `gorm:"type:uuid;index;not null"`

	Path    string `gorm:"not null"`
	Purpose string `gorm:"size:64;not null"`

	CleanupRequired bool `gorm:"default:true"`
	CleanedUp       bool `gorm:"default:false"`
	CleanupAttempts int  `gorm:"default:0"`
	LastError       sql.NullString

	CreationTime    time.Time
	ExpectedCleanup sql.NullTime
	CleanupTime     sql.NullTime
}

const (
	RejectionInvalidIds    string = "invalid_patient_ids"
	RejectionNoPatientFile string = "no_patient_file"
)

type RejectionRecord struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	UploadId uuid.UUID `gorm:"type:uuid;index;not null"`

	ReasonCode      string         `gorm:"size:32;not null"`
	InvalidIdSample datatypes.JSON `gorm:"type:jsonb"` // up to 20 offending IDs
	InvalidIdCount  int64
	FileMetadata    datatypes.JSON `gorm:"type:jsonb"`

	CreationTime time.Time
}

type RunError struct {
	RunId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error     string
	Timestamp time.Time
}
