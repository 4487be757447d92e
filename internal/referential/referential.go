package referential

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"cohort-validator/internal/database"
	"cohort-validator/internal/lifecycle"
	"cohort-validator/internal/report"
	"cohort-validator/internal/storage"
)

const invalidIdSampleSize = 20

// Engine is the aggregate-query surface the referential validator needs.
type Engine interface {
	DistinctNonEmpty(ctx context.Context, table, column string) ([]string, int64, error)
}

// Validator enforces that every patient ID in a dependent file exists in the
// submission's canonical patient ID set. Violations reject the whole upload.
type Validator struct {
	db        *gorm.DB
	lifecycle *lifecycle.Manager
	store     storage.ObjectStore
}

func NewValidator(db *gorm.DB, lifecycleManager *lifecycle.Manager, store storage.ObjectStore) *Validator {
	return &Validator{db: db, lifecycle: lifecycleManager, store: store}
}

type ExtractResult struct {
	PatientCount   int64
	DuplicateCount int64
	Issues         []report.Issue
}

// ExtractPatientIDs pulls the distinct non-empty values of the patient
// identifier column via a single aggregate query and replaces the
// submission's patient ID set. Duplicate source rows are a warning, not an
// error; only the referential check on dependent files is strict.
func (v *Validator) ExtractPatientIDs(ctx context.Context, engine Engine, submissionId uuid.UUID, table, idColumn string) (ExtractResult, error) {
	var result ExtractResult

	ids, total, err := engine.DistinctNonEmpty(ctx, table, idColumn)
	if err != nil {
		return result, fmt.Errorf("error extracting patient ids: %w", err)
	}

	result.PatientCount = int64(len(ids))
	result.DuplicateCount = total - int64(len(ids))

	if result.DuplicateCount > 0 {
		result.Issues = append(result.Issues, report.Issue{
			Severity:      report.SeverityWarning,
			IssueType:     report.IssueDuplicateIds,
			ColumnName:    idColumn,
			Message:       fmt.Sprintf("patient file contains %d duplicate patient id rows", result.DuplicateCount),
			ObservedValue: fmt.Sprintf("%d", total),
			ExpectedValue: fmt.Sprintf("%d", len(ids)),
		})
	}

	if err := database.ReplacePatientIDs(ctx, v.db, submissionId, ids); err != nil {
		return result, fmt.Errorf("error storing patient id set: %w", err)
	}

	slog.Info("patient id set replaced", "submission_id", submissionId, "patients", len(ids), "duplicates", result.DuplicateCount)

	return result, nil
}

type ReferenceCheck struct {
	Valid         bool
	ReasonCode    string
	InvalidSample []string
	InvalidCount  int64
	Issues        []report.Issue
}

// CheckReferences computes the set difference between a dependent file's
// patient IDs and the submission's current patient ID set. Readers tolerate
// the set not existing; that case is a rejection with reason no_patient_file.
func (v *Validator) CheckReferences(ctx context.Context, engine Engine, submissionId uuid.UUID, table, idColumn string) (ReferenceCheck, error) {
	check := ReferenceCheck{Valid: true}

	var knownCount int64
	if err := v.db.WithContext(ctx).
		Model(&database.PatientID{}).
		Where("submission_id = ?", submissionId).
		Count(&knownCount).Error; err != nil {
		return check, fmt.Errorf("error counting patient id set: %w", err)
	}

	if knownCount == 0 {
		check.Valid = false
		check.ReasonCode = database.RejectionNoPatientFile
		check.Issues = append(check.Issues, report.Issue{
			Severity:  report.SeverityCritical,
			IssueType: report.IssueNoPatientFile,
			Message:   "no patient file has been validated for this submission",
		})
		return check, nil
	}

	var known []string
	if err := v.db.WithContext(ctx).
		Model(&database.PatientID{}).
		Where("submission_id = ?", submissionId).
		Pluck("patient_id", &known).Error; err != nil {
		return check, fmt.Errorf("error loading patient id set: %w", err)
	}

	knownSet := make(map[string]struct{}, len(known))
	for _, id := range known {
		knownSet[id] = struct{}{}
	}

	submitted, _, err := engine.DistinctNonEmpty(ctx, table, idColumn)
	if err != nil {
		return check, fmt.Errorf("error extracting patient ids from dependent file: %w", err)
	}

	var invalid []string
	for _, id := range submitted {
		if _, ok := knownSet[id]; !ok {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) == 0 {
		return check, nil
	}

	check.Valid = false
	check.ReasonCode = database.RejectionInvalidIds
	check.InvalidCount = int64(len(invalid))
	check.InvalidSample = invalid
	if len(check.InvalidSample) > invalidIdSampleSize {
		check.InvalidSample = check.InvalidSample[:invalidIdSampleSize]
	}
	check.Issues = append(check.Issues, report.Issue{
		Severity:   report.SeverityCritical,
		IssueType:  report.IssueInvalidIds,
		ColumnName: idColumn,
		Message: fmt.Sprintf("%d patient ids are not present in the submission's patient file (sample: %v)",
			check.InvalidCount, check.InvalidSample),
	})

	return check, nil
}

// RejectUpload applies the all-or-nothing policy: every artifact ever created
// for the upload is deleted, including the raw copy in the object store, a
// structured rejection record is persisted, and the upload is marked rejected.
// Accepting out-of-cohort identifiers is a privacy violation, so this is a
// hard policy rather than a warning.
func (v *Validator) RejectUpload(ctx context.Context, uploadId uuid.UUID, check ReferenceCheck, fileMetadata map[string]any) error {
	var upload database.FileUpload
	if err := v.db.WithContext(ctx).First(&upload, "id = ?", uploadId).Error; err != nil {
		return fmt.Errorf("error loading rejected upload %s: %w", uploadId, err)
	}

	if err := v.lifecycle.CleanupUpload(ctx, uploadId); err != nil {
		return fmt.Errorf("error cleaning up artifacts for rejected upload %s: %w", uploadId, err)
	}

	if upload.ObjectKey != "" {
		if err := v.store.DeleteObjects(ctx, upload.ObjectKey); err != nil {
			return fmt.Errorf("error deleting stored object for rejected upload %s: %w", uploadId, err)
		}
	}

	sample, err := json.Marshal(check.InvalidSample)
	if err != nil {
		return fmt.Errorf("error encoding invalid id sample: %w", err)
	}
	metadata, err := json.Marshal(fileMetadata)
	if err != nil {
		return fmt.Errorf("error encoding file metadata: %w", err)
	}

	record := database.RejectionRecord{
		Id:              uuid.New(),
		UploadId:        uploadId,
		ReasonCode:      check.ReasonCode,
		InvalidIdSample: sample,
		InvalidIdCount:  check.InvalidCount,
		FileMetadata:    metadata,
		CreationTime:    time.Now().UTC(),
	}
	if err := v.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("error persisting rejection record: %w", err)
	}

	if err := database.UpdateUploadStatus(ctx, v.db, uploadId, database.UploadRejected); err != nil {
		return err
	}

	slog.Warn("upload rejected", "upload_id", uploadId, "reason", check.ReasonCode, "invalid_ids", check.InvalidCount)

	return nil
}
