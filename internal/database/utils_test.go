package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func createUploadAndRun(t *testing.T, db *gorm.DB) (FileUpload, ValidationRun) {
	t.Helper()

	upload := FileUpload{
		Id:           uuid.New(),
		SubmissionId: uuid.New(),
		FileType:     "patient",
		Status:       UploadPending,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&upload).Error)

	run := ValidationRun{
		Id:           uuid.New(),
		UploadId:     upload.Id,
		Status:       RunPending,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&run).Error)

	return upload, run
}

func TestUpdateRunStatusSetsCompletionTime(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	_, run := createUploadAndRun(t, db)

	require.NoError(t, UpdateRunStatus(ctx, db, run.Id, RunRunning))
	var current ValidationRun
	require.NoError(t, db.First(&current, "id = ?", run.Id).Error)
	assert.Equal(t, RunRunning, current.Status)
	assert.False(t, current.CompletionTime.Valid)

	require.NoError(t, UpdateRunStatus(ctx, db, run.Id, RunCompleted))
	require.NoError(t, db.First(&current, "id = ?", run.Id).Error)
	assert.Equal(t, RunCompleted, current.Status)
	assert.True(t, current.CompletionTime.Valid)
}

func TestUpdateJobStatusTimestamps(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	_, run := createUploadAndRun(t, db)

	job := ValidationJob{RunId: run.Id, Name: "ingest_audit", Status: JobPending, CreationTime: time.Now().UTC()}
	require.NoError(t, db.Create(&job).Error)

	require.NoError(t, UpdateJobStatus(ctx, db, run.Id, job.Name, JobRunning))
	var current ValidationJob
	require.NoError(t, db.First(&current, "run_id = ? AND name = ?", run.Id, job.Name).Error)
	assert.True(t, current.StartTime.Valid)
	assert.False(t, current.CompletionTime.Valid)

	require.NoError(t, UpdateJobStatus(ctx, db, run.Id, job.Name, JobPassed))
	require.NoError(t, db.First(&current, "run_id = ? AND name = ?", run.Id, job.Name).Error)
	assert.True(t, current.CompletionTime.Valid)
	assert.Equal(t, 100, current.Progress)
}

func TestUpdateJobProgressNeverMovesBackwards(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	_, run := createUploadAndRun(t, db)

	job := ValidationJob{RunId: run.Id, Name: "column_rules", Status: JobRunning, CreationTime: time.Now().UTC()}
	require.NoError(t, db.Create(&job).Error)

	require.NoError(t, UpdateJobProgress(ctx, db, run.Id, job.Name, 60))
	require.NoError(t, UpdateJobProgress(ctx, db, run.Id, job.Name, 30))

	var current ValidationJob
	require.NoError(t, db.First(&current, "run_id = ? AND name = ?", run.Id, job.Name).Error)
	assert.Equal(t, 60, current.Progress)

	// Out-of-range values are clamped.
	require.NoError(t, UpdateJobProgress(ctx, db, run.Id, job.Name, 150))
	require.NoError(t, db.First(&current, "run_id = ? AND name = ?", run.Id, job.Name).Error)
	assert.Equal(t, 100, current.Progress)
}

func TestReplacePatientIDsIsWholesale(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	submissionId := uuid.New()

	require.NoError(t, ReplacePatientIDs(ctx, db, submissionId, []string{"P1", "P2"}))
	require.NoError(t, ReplacePatientIDs(ctx, db, submissionId, []string{"P3"}))

	var ids []string
	require.NoError(t, db.Model(&PatientID{}).
		Where("submission_id = ?", submissionId).
		Pluck("patient_id", &ids).Error)
	assert.Equal(t, []string{"P3"}, ids)

	// An empty replacement clears the set.
	require.NoError(t, ReplacePatientIDs(ctx, db, submissionId, nil))
	var count int64
	require.NoError(t, db.Model(&PatientID{}).Where("submission_id = ?", submissionId).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestSaveRunError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	_, run := createUploadAndRun(t, db)

	SaveRunError(ctx, db, run.Id, "validator 'x' exploded")
	SaveRunError(ctx, db, run.Id, "validator 'y' exploded")

	var runErrors []RunError
	require.NoError(t, db.Where("run_id = ?", run.Id).Find(&runErrors).Error)
	assert.Len(t, runErrors, 2)
}
