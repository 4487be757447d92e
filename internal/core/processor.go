package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"cohort-validator/internal/database"
	"cohort-validator/internal/lifecycle"
	"cohort-validator/internal/messaging"
	"cohort-validator/internal/storage"
)

// TaskProcessor consumes queued work: validation tasks for uploaded files and
// sweep tasks for orphaned artifact reclamation.
type TaskProcessor struct {
	db           *gorm.DB
	storage      storage.ObjectStore
	publisher    messaging.Publisher
	receiver     messaging.Receiver
	orchestrator *Orchestrator
}

func NewTaskProcessor(db *gorm.DB, store storage.ObjectStore, publisher messaging.Publisher, receiver messaging.Receiver, orchestrator *Orchestrator) *TaskProcessor {
	return &TaskProcessor{
		db:           db,
		storage:      store,
		publisher:    publisher,
		receiver:     receiver,
		orchestrator: orchestrator,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.receiver.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.receiver.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.ValidationQueue:
		var payload messaging.ValidationTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling validation task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processValidationTask(ctx, payload)

	case messaging.SweepQueue:
		var payload messaging.SweepPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling sweep task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processSweepTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) processValidationTask(ctx context.Context, payload messaging.ValidationTaskPayload) error {
	uploadId := payload.UploadId

	slog.Info("processing validation task", "upload_id", uploadId)

	var upload database.FileUpload
	if err := proc.db.WithContext(ctx).First(&upload, "id = ?", uploadId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			slog.Error("upload not found, discarding task", "upload_id", uploadId)
			return nil
		}
		return fmt.Errorf("error getting upload: %w", err)
	}

	if upload.Status == database.UploadRejected {
		slog.Info("upload already rejected, skipping validation", "upload_id", uploadId)
		return nil
	}

	manager := proc.orchestrator.Lifecycle()

	// The working copy is tracked before any bytes land on disk so that a
	// crash between download and validation still leaves an audit record.
	scratch, err := manager.CreateScratchDir(ctx, uploadId, lifecycle.PurposeWorkingCopy)
	if err != nil {
		return fmt.Errorf("error creating scratch directory: %w", err)
	}
	defer func() {
		if err := scratch.Close(context.Background()); err != nil {
			slog.Error("error cleaning up scratch directory", "upload_id", uploadId, "error", err)
		}
	}()

	localPath := filepath.Join(scratch.Path(), filepath.Base(upload.ObjectKey))
	if err := proc.storage.DownloadObject(ctx, upload.ObjectKey, localPath); err != nil {
		database.UpdateUploadStatus(ctx, proc.db, uploadId, database.UploadFailed) //nolint:errcheck
		return fmt.Errorf("error downloading upload %s: %w", uploadId, err)
	}

	runId, err := proc.orchestrator.RunValidation(ctx, upload, localPath)
	if err != nil {
		database.UpdateUploadStatus(ctx, proc.db, uploadId, database.UploadFailed) //nolint:errcheck
		return fmt.Errorf("error running validation for upload %s: %w", uploadId, err)
	}

	var run database.ValidationRun
	if err := proc.db.WithContext(ctx).First(&run, "id = ?", runId).Error; err != nil {
		return fmt.Errorf("error getting validation run %s: %w", runId, err)
	}

	// A rejected upload already had its status and rejection record written
	// by the referential validator.
	var current database.FileUpload
	if err := proc.db.WithContext(ctx).First(&current, "id = ?", uploadId).Error; err != nil {
		return fmt.Errorf("error re-reading upload %s: %w", uploadId, err)
	}
	if current.Status == database.UploadRejected {
		return nil
	}

	status := database.UploadFailed
	if run.Status == database.RunCompleted {
		status = database.UploadAccepted
	}
	if err := database.UpdateUploadStatus(ctx, proc.db, uploadId, status); err != nil {
		return fmt.Errorf("error updating upload status: %w", err)
	}

	slog.Info("validation task finished", "upload_id", uploadId, "run_id", runId, "upload_status", status)

	return nil
}

func (proc *TaskProcessor) processSweepTask(ctx context.Context, payload messaging.SweepPayload) error {
	olderThan := time.Duration(payload.OlderThanHours) * time.Hour
	if olderThan <= 0 {
		olderThan = lifecycle.DefaultSweepAge
	}

	slog.Info("processing sweep task", "older_than", olderThan)

	swept, err := proc.orchestrator.Lifecycle().Sweep(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("error sweeping artifacts: %w", err)
	}

	slog.Info("sweep task finished", "swept", swept)

	return nil
}
