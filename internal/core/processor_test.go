package core

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cohort-validator/internal/database"
	"cohort-validator/internal/messaging"
	"cohort-validator/internal/storage"
)

type fakeTask struct {
	queue   string
	payload []byte

	acked    bool
	nacked   bool
	rejected bool
}

func (t *fakeTask) Type() string    { return t.queue }
func (t *fakeTask) Payload() []byte { return t.payload }
func (t *fakeTask) Ack() error      { t.acked = true; return nil }
func (t *fakeTask) Nack() error     { t.nacked = true; return nil }
func (t *fakeTask) Reject() error   { t.rejected = true; return nil }

func validationTask(t *testing.T, uploadId uuid.UUID) *fakeTask {
	t.Helper()
	payload, err := json.Marshal(messaging.ValidationTaskPayload{UploadId: uploadId})
	require.NoError(t, err)
	return &fakeTask{queue: messaging.ValidationQueue, payload: payload}
}

func setupTestProcessor(t *testing.T) (*TaskProcessor, *gorm.DB, *storage.LocalObjectStore) {
	t.Helper()
	orchestrator, db, _, store := setupTestOrchestrator(t, DefaultRegistry())

	queue := messaging.NewInMemoryQueue()
	t.Cleanup(queue.Close)

	return NewTaskProcessor(db, store, queue, queue, orchestrator), db, store
}

func TestProcessTaskRejectsMalformedPayload(t *testing.T) {
	processor, _, _ := setupTestProcessor(t)

	task := &fakeTask{queue: messaging.ValidationQueue, payload: []byte("not json")}
	processor.ProcessTask(task)

	assert.True(t, task.rejected)
	assert.False(t, task.acked)
	assert.False(t, task.nacked)
}

func TestProcessTaskRejectsUnknownQueue(t *testing.T) {
	processor, _, _ := setupTestProcessor(t)

	task := &fakeTask{queue: "mystery_queue", payload: []byte("{}")}
	processor.ProcessTask(task)

	assert.True(t, task.rejected)
}

func TestProcessTaskDiscardsMissingUpload(t *testing.T) {
	processor, _, _ := setupTestProcessor(t)

	task := validationTask(t, uuid.New())
	processor.ProcessTask(task)

	// A vanished upload is not a retryable failure.
	assert.True(t, task.acked)
	assert.False(t, task.nacked)
}

func TestProcessTaskAcceptsCleanUpload(t *testing.T) {
	processor, db, store := setupTestProcessor(t)
	ctx := context.Background()

	upload := createTestUpload(t, db, uuid.New(), PatientFileType)
	require.NoError(t, store.PutObject(ctx, upload.ObjectKey, strings.NewReader("patient_id\nP1\nP2\n")))

	task := validationTask(t, upload.Id)
	processor.ProcessTask(task)

	assert.True(t, task.acked)

	var updated database.FileUpload
	require.NoError(t, db.First(&updated, "id = ?", upload.Id).Error)
	assert.Equal(t, database.UploadAccepted, updated.Status)

	var run database.ValidationRun
	require.NoError(t, db.First(&run, "upload_id = ?", upload.Id).Error)
	assert.Equal(t, database.RunCompleted, run.Status)

	// The working copy was tracked and reclaimed.
	outstanding, err := processor.orchestrator.Lifecycle().OutstandingCount(ctx, upload.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), outstanding)

	var artifacts []database.TrackedArtifact
	require.NoError(t, db.Where("upload_id = ?", upload.Id).Find(&artifacts).Error)
	require.Len(t, artifacts, 1)
	assert.True(t, artifacts[0].CleanedUp)
}

func TestProcessTaskNacksWhenDownloadFails(t *testing.T) {
	processor, db, _ := setupTestProcessor(t)

	// Upload exists but its object was never stored.
	upload := createTestUpload(t, db, uuid.New(), PatientFileType)

	task := validationTask(t, upload.Id)
	processor.ProcessTask(task)

	assert.True(t, task.nacked)
	assert.False(t, task.acked)

	var updated database.FileUpload
	require.NoError(t, db.First(&updated, "id = ?", upload.Id).Error)
	assert.Equal(t, database.UploadFailed, updated.Status)
}

func TestProcessTaskSkipsAlreadyRejectedUpload(t *testing.T) {
	processor, db, _ := setupTestProcessor(t)

	upload := createTestUpload(t, db, uuid.New(), PatientFileType)
	require.NoError(t, db.Model(&database.FileUpload{Id: upload.Id}).Update("status", database.UploadRejected).Error)

	task := validationTask(t, upload.Id)
	processor.ProcessTask(task)

	assert.True(t, task.acked)

	var runs []database.ValidationRun
	require.NoError(t, db.Where("upload_id = ?", upload.Id).Find(&runs).Error)
	assert.Empty(t, runs)
}

func TestProcessTaskKeepsRejectionFromRun(t *testing.T) {
	processor, db, store := setupTestProcessor(t)
	ctx := context.Background()

	// Dependent file with no patient set: the run rejects the upload and the
	// processor must not overwrite that status.
	upload := createTestUpload(t, db, uuid.New(), "diagnosis")
	require.NoError(t, store.PutObject(ctx, upload.ObjectKey, strings.NewReader("patient_id,diagnosis\nP1,C50\n")))

	task := validationTask(t, upload.Id)
	processor.ProcessTask(task)

	assert.True(t, task.acked)

	var updated database.FileUpload
	require.NoError(t, db.First(&updated, "id = ?", upload.Id).Error)
	assert.Equal(t, database.UploadRejected, updated.Status)

	// Rejection deletes the raw copy from the object store.
	remaining, err := store.ListObjects(ctx, upload.ObjectKey)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestProcessTaskSweep(t *testing.T) {
	processor, db, _ := setupTestProcessor(t)
	ctx := context.Background()

	manager := processor.orchestrator.Lifecycle()
	scope, err := manager.CreateScratchDir(ctx, uuid.New(), "working_copy")
	require.NoError(t, err)
	require.NoError(t, db.Model(&database.TrackedArtifact{Id: scope.ArtifactId()}).
		Update("creation_time", time.Now().UTC().Add(-5*time.Hour)).Error)

	payload, err := json.Marshal(messaging.SweepPayload{OlderThanHours: 4})
	require.NoError(t, err)

	task := &fakeTask{queue: messaging.SweepQueue, payload: payload}
	processor.ProcessTask(task)

	assert.True(t, task.acked)

	var artifact database.TrackedArtifact
	require.NoError(t, db.First(&artifact, "id = ?", scope.ArtifactId()).Error)
	assert.True(t, artifact.CleanedUp)
}
