//go:build integration
// +build integration

// The build tag 'integration' separates integration tests from unit tests.
// Run unit tests with: go test ./...
// Run integration tests with: go test -tags=integration ./...

package integrationtests

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohort-validator/internal/analytics"
	backend "cohort-validator/internal/api"
	"cohort-validator/internal/core"
	"cohort-validator/internal/database"
	"cohort-validator/internal/lifecycle"
	"cohort-validator/internal/messaging"
	"cohort-validator/internal/storage"
	"cohort-validator/pkg/api"
)

func writeDefinitions(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	patient := `[{"name": "patient_id", "type": "id", "value_required": true}]`
	diagnosis := `[
		{"name": "patient_id", "type": "id", "value_required": true},
		{"name": "diagnosis", "type": "string", "value_required": true}
	]`

	require.NoError(t, os.WriteFile(filepath.Join(dir, "patient.json"), []byte(patient), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diagnosis.json"), []byte(diagnosis), 0644))
	return dir
}

func waitForUploadStatus(t *testing.T, router http.Handler, uploadId uuid.UUID, timeout time.Duration) api.Upload {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var upload api.Upload
		require.NoError(t, httpRequest(router, http.MethodGet, "/uploads/"+uploadId.String(), nil, &upload))
		if upload.Status != database.UploadPending {
			return upload
		}
		time.Sleep(500 * time.Millisecond)
	}

	t.Fatalf("upload %s did not leave PENDING within %s", uploadId, timeout)
	return api.Upload{}
}

func TestValidationFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx := context.Background()

	db := createDB(t)
	amqpURL := setupRabbitMQContainer(t, ctx)

	publisher, err := messaging.NewRabbitMQPublisher(amqpURL)
	require.NoError(t, err)
	receiver, err := messaging.NewRabbitMQReceiver(amqpURL)
	require.NoError(t, err)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	engine, err := analytics.NewEngine(analytics.Config{MemoryLimitMB: 256, TempDirectory: t.TempDir()})
	require.NoError(t, err)
	defer engine.Close()

	manager := lifecycle.NewManager(db, t.TempDir(), lifecycle.DefaultMaxCleanupAttempts)
	orchestrator := core.NewOrchestrator(db, engine, manager, store, core.DefaultRegistry(), writeDefinitions(t), 2, time.Minute)

	processor := core.NewTaskProcessor(db, store, publisher, receiver, orchestrator)
	go processor.Start()
	defer processor.Stop()

	router := chi.NewRouter()
	backend.NewBackendService(db, publisher, manager).AddRoutes(router)

	submissionId := uuid.New()

	// Patient file is accepted and seeds the patient ID set.
	require.NoError(t, store.PutObject(ctx, "uploads/patients.csv", strings.NewReader("patient_id\nP1\nP2\n")))

	var submitted api.SubmitValidationResponse
	require.NoError(t, httpRequest(router, http.MethodPost, "/validations", api.SubmitValidationRequest{
		SubmissionId: submissionId,
		FileType:     "patient",
		FileName:     "patients.csv",
		ObjectKey:    "uploads/patients.csv",
	}, &submitted))

	upload := waitForUploadStatus(t, router, submitted.UploadId, time.Minute)
	assert.Equal(t, database.UploadAccepted, upload.Status)
	require.Len(t, upload.Runs, 1)
	assert.Equal(t, database.RunCompleted, upload.Runs[0].Status)

	var patients api.PatientSet
	require.NoError(t, httpRequest(router, http.MethodGet, "/submissions/"+submissionId.String()+"/patients", nil, &patients))
	assert.Equal(t, int64(2), patients.PatientCount)

	// A dependent file referencing an unknown patient is rejected wholesale.
	require.NoError(t, store.PutObject(ctx, "uploads/diagnoses.csv", strings.NewReader("patient_id,diagnosis\nP1,C50\nX9,C61\n")))

	require.NoError(t, httpRequest(router, http.MethodPost, "/validations", api.SubmitValidationRequest{
		SubmissionId: submissionId,
		FileType:     "diagnosis",
		FileName:     "diagnoses.csv",
		ObjectKey:    "uploads/diagnoses.csv",
	}, &submitted))

	rejected := waitForUploadStatus(t, router, submitted.UploadId, time.Minute)
	assert.Equal(t, database.UploadRejected, rejected.Status)
	require.NotNil(t, rejected.Rejection)
	assert.Equal(t, database.RejectionInvalidIds, rejected.Rejection.ReasonCode)
	assert.Equal(t, []string{"X9"}, rejected.Rejection.InvalidIdSample)

	// Rejection reclaimed every artifact for the upload, raw copy included.
	outstanding, err := manager.OutstandingCount(ctx, submitted.UploadId)
	require.NoError(t, err)
	assert.Equal(t, int64(0), outstanding)

	remaining, err := store.ListObjects(ctx, "uploads/diagnoses.csv")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// A clean dependent file passes against the seeded patient set.
	require.NoError(t, store.PutObject(ctx, "uploads/diagnoses_ok.csv", strings.NewReader("patient_id,diagnosis\nP1,C50\nP2,C61\n")))

	require.NoError(t, httpRequest(router, http.MethodPost, "/validations", api.SubmitValidationRequest{
		SubmissionId: submissionId,
		FileType:     "diagnosis",
		FileName:     "diagnoses_ok.csv",
		ObjectKey:    "uploads/diagnoses_ok.csv",
	}, &submitted))

	accepted := waitForUploadStatus(t, router, submitted.UploadId, time.Minute)
	assert.Equal(t, database.UploadAccepted, accepted.Status)

	var issues api.IssueList
	require.NoError(t, httpRequest(router, http.MethodGet, "/validations/"+accepted.Runs[0].Id.String()+"/issues", nil, &issues))
	assert.Equal(t, int64(0), issues.Total)
}
