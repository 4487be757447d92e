package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == RunCompleted || status == RunFailed || status == RunPartial {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&ValidationRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating validation run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateJobStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, name string, status string) error {
	updates := map[string]any{"status": status}
	switch status {
	case JobRunning:
		updates["start_time"] = time.Now().UTC()
	case JobPassed, JobFailed, JobSkipped:
		updates["completion_time"] = time.Now().UTC()
		if status == JobPassed {
			updates["progress"] = 100
		}
	}

	if err := txn.WithContext(ctx).Model(&ValidationJob{RunId: runId, Name: name}).Updates(updates).Error; err != nil {
		slog.Error("error updating validation job status", "run_id", runId, "job", name, "status", status, "error", err)
		return err
	}
	return nil
}

// UpdateJobProgress only moves progress forward; an update that would move it
// backwards is discarded at the query level.
func UpdateJobProgress(ctx context.Context, txn *gorm.DB, runId uuid.UUID, name string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	if err := txn.WithContext(ctx).
		Model(&ValidationJob{}).
		Where("run_id = ? AND name = ? AND progress < ?", runId, name, progress).
		UpdateColumn("progress", progress).
		Error; err != nil {
		slog.Error("error updating job progress", "run_id", runId, "job", name, "error", err)
		return err
	}
	return nil
}

func UpdateUploadStatus(ctx context.Context, txn *gorm.DB, uploadId uuid.UUID, status string) error {
	if err := txn.WithContext(ctx).Model(&FileUpload{Id: uploadId}).Update("status", status).Error; err != nil {
		slog.Error("error updating upload status", "upload_id", uploadId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveRunError(ctx context.Context, txn *gorm.DB, runId uuid.UUID, errorMessage string) {
	runError := RunError{
		RunId:     runId,
		ErrorId:   uuid.New(),
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&runError).Error; err != nil {
		slog.Error("error saving run error", "run_id", runId, "error", err)
	}
}

// ReplacePatientIDs swaps the submission's canonical patient ID set in one
// transaction. Only the patient file's job calls this.
func ReplacePatientIDs(ctx context.Context, db *gorm.DB, submissionId uuid.UUID, ids []string) error {
	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Where("submission_id = ?", submissionId).Delete(&PatientID{}).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		rows := make([]PatientID, len(ids))
		for i, id := range ids {
			rows[i] = PatientID{SubmissionId: submissionId, PatientId: id, CreationTime: now}
		}

		if len(rows) > 0 {
			if err := txn.CreateInBatches(rows, 500).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
