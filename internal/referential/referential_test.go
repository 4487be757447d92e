package referential

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cohort-validator/internal/database"
	"cohort-validator/internal/lifecycle"
	"cohort-validator/internal/report"
	"cohort-validator/internal/storage"
)

type fakeEngine struct {
	values []string
	total  int64
}

func (e *fakeEngine) DistinctNonEmpty(ctx context.Context, table, column string) ([]string, int64, error) {
	return e.values, e.total, nil
}

func setupTestValidator(t *testing.T) (*Validator, *gorm.DB, *lifecycle.Manager, *storage.LocalObjectStore) {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	manager := lifecycle.NewManager(db, t.TempDir(), lifecycle.DefaultMaxCleanupAttempts)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	return NewValidator(db, manager, store), db, manager, store
}

func storedPatientIDs(t *testing.T, db *gorm.DB, submissionId uuid.UUID) []string {
	t.Helper()
	var ids []string
	require.NoError(t, db.Model(&database.PatientID{}).
		Where("submission_id = ?", submissionId).
		Order("patient_id").
		Pluck("patient_id", &ids).Error)
	return ids
}

func TestExtractPatientIDs(t *testing.T) {
	validator, db, _, _ := setupTestValidator(t)
	submissionId := uuid.New()

	engine := &fakeEngine{values: []string{"P1", "P2", "P3"}, total: 3}
	result, err := validator.ExtractPatientIDs(context.Background(), engine, submissionId, "t1", "patient_id")
	require.NoError(t, err)

	assert.Equal(t, int64(3), result.PatientCount)
	assert.Equal(t, int64(0), result.DuplicateCount)
	assert.Empty(t, result.Issues)
	assert.Equal(t, []string{"P1", "P2", "P3"}, storedPatientIDs(t, db, submissionId))
}

func TestExtractPatientIDsWarnsOnDuplicates(t *testing.T) {
	validator, _, _, _ := setupTestValidator(t)

	engine := &fakeEngine{values: []string{"P1", "P2"}, total: 5}
	result, err := validator.ExtractPatientIDs(context.Background(), engine, uuid.New(), "t1", "patient_id")
	require.NoError(t, err)

	assert.Equal(t, int64(3), result.DuplicateCount)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, report.SeverityWarning, result.Issues[0].Severity)
	assert.Equal(t, report.IssueDuplicateIds, result.Issues[0].IssueType)
	assert.Equal(t, "5", result.Issues[0].ObservedValue)
	assert.Equal(t, "2", result.Issues[0].ExpectedValue)
}

func TestExtractPatientIDsReplacesPriorSet(t *testing.T) {
	validator, db, _, _ := setupTestValidator(t)
	submissionId := uuid.New()
	ctx := context.Background()

	_, err := validator.ExtractPatientIDs(ctx, &fakeEngine{values: []string{"P1", "P2"}, total: 2}, submissionId, "t1", "patient_id")
	require.NoError(t, err)

	_, err = validator.ExtractPatientIDs(ctx, &fakeEngine{values: []string{"P9"}, total: 1}, submissionId, "t1", "patient_id")
	require.NoError(t, err)

	assert.Equal(t, []string{"P9"}, storedPatientIDs(t, db, submissionId))
}

func TestCheckReferencesNoPatientFile(t *testing.T) {
	validator, _, _, _ := setupTestValidator(t)

	check, err := validator.CheckReferences(context.Background(), &fakeEngine{values: []string{"P1"}, total: 1}, uuid.New(), "t1", "patient_id")
	require.NoError(t, err)

	assert.False(t, check.Valid)
	assert.Equal(t, database.RejectionNoPatientFile, check.ReasonCode)
	require.Len(t, check.Issues, 1)
	assert.Equal(t, report.SeverityCritical, check.Issues[0].Severity)
	assert.Equal(t, report.IssueNoPatientFile, check.Issues[0].IssueType)
}

func TestCheckReferencesValid(t *testing.T) {
	validator, _, _, _ := setupTestValidator(t)
	submissionId := uuid.New()
	ctx := context.Background()

	_, err := validator.ExtractPatientIDs(ctx, &fakeEngine{values: []string{"P1", "P2"}, total: 2}, submissionId, "patients", "patient_id")
	require.NoError(t, err)

	check, err := validator.CheckReferences(ctx, &fakeEngine{values: []string{"P1"}, total: 1}, submissionId, "diagnoses", "patient_id")
	require.NoError(t, err)

	assert.True(t, check.Valid)
	assert.Empty(t, check.Issues)
}

func TestCheckReferencesInvalidIds(t *testing.T) {
	validator, _, _, _ := setupTestValidator(t)
	submissionId := uuid.New()
	ctx := context.Background()

	_, err := validator.ExtractPatientIDs(ctx, &fakeEngine{values: []string{"P1"}, total: 1}, submissionId, "patients", "patient_id")
	require.NoError(t, err)

	check, err := validator.CheckReferences(ctx, &fakeEngine{values: []string{"P1", "X1", "X2"}, total: 3}, submissionId, "diagnoses", "patient_id")
	require.NoError(t, err)

	assert.False(t, check.Valid)
	assert.Equal(t, database.RejectionInvalidIds, check.ReasonCode)
	assert.Equal(t, int64(2), check.InvalidCount)
	assert.Equal(t, []string{"X1", "X2"}, check.InvalidSample)
	require.Len(t, check.Issues, 1)
	assert.Equal(t, report.SeverityCritical, check.Issues[0].Severity)
}

func TestCheckReferencesCapsSample(t *testing.T) {
	validator, _, _, _ := setupTestValidator(t)
	submissionId := uuid.New()
	ctx := context.Background()

	_, err := validator.ExtractPatientIDs(ctx, &fakeEngine{values: []string{"P1"}, total: 1}, submissionId, "patients", "patient_id")
	require.NoError(t, err)

	unknown := make([]string, 30)
	for i := range unknown {
		unknown[i] = uuid.NewString()
	}

	check, err := validator.CheckReferences(ctx, &fakeEngine{values: unknown, total: 30}, submissionId, "diagnoses", "patient_id")
	require.NoError(t, err)

	assert.Equal(t, int64(30), check.InvalidCount)
	assert.Len(t, check.InvalidSample, invalidIdSampleSize)
}

func TestRejectUpload(t *testing.T) {
	validator, db, manager, store := setupTestValidator(t)
	ctx := context.Background()

	upload := database.FileUpload{
		Id:           uuid.New(),
		SubmissionId: uuid.New(),
		FileType:     "diagnosis",
		ObjectKey:    "uploads/diagnosis.csv",
		Status:       database.UploadPending,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&upload).Error)
	require.NoError(t, store.PutObject(ctx, upload.ObjectKey, strings.NewReader("a\n1\n")))

	scope, err := manager.CreateScratchDir(ctx, upload.Id, lifecycle.PurposeWorkingCopy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(scope.Path(), "data.csv"), []byte("a\n1\n"), 0644))

	check := ReferenceCheck{
		Valid:         false,
		ReasonCode:    database.RejectionInvalidIds,
		InvalidCount:  2,
		InvalidSample: []string{"X1", "X2"},
	}
	require.NoError(t, validator.RejectUpload(ctx, upload.Id, check, map[string]any{"file_type": "diagnosis"}))

	// All artifacts for the upload are gone, the raw copy included.
	_, err = os.Stat(scope.Path())
	assert.True(t, os.IsNotExist(err))
	outstanding, err := manager.OutstandingCount(ctx, upload.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), outstanding)

	remaining, err := store.ListObjects(ctx, "uploads/")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	var record database.RejectionRecord
	require.NoError(t, db.First(&record, "upload_id = ?", upload.Id).Error)
	assert.Equal(t, database.RejectionInvalidIds, record.ReasonCode)
	assert.Equal(t, int64(2), record.InvalidIdCount)
	assert.JSONEq(t, `["X1","X2"]`, string(record.InvalidIdSample))

	var updated database.FileUpload
	require.NoError(t, db.First(&updated, "id = ?", upload.Id).Error)
	assert.Equal(t, database.UploadRejected, updated.Status)
}
