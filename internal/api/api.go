package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"cohort-validator/internal/core"
	"cohort-validator/internal/database"
	"cohort-validator/internal/lifecycle"
	"cohort-validator/internal/messaging"
	"cohort-validator/pkg/api"
)

const (
	defaultIssuePageSize = 100
	maxIssuePageSize     = 1000
)

// BackendService is the HTTP surface consumed by the orchestrating scheduler.
// The lifecycle manager is only set on hosts that own the scratch filesystem;
// elsewhere artifact verification is unavailable.
type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
	lifecycle *lifecycle.Manager
}

func NewBackendService(db *gorm.DB, publisher messaging.Publisher, lifecycleManager *lifecycle.Manager) *BackendService {
	return &BackendService{db: db, publisher: publisher, lifecycle: lifecycleManager}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/validations", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitValidation))
		r.Get("/{run_id}", RestHandler(s.GetRun))
		r.Get("/{run_id}/jobs", RestHandler(s.GetRunJobs))
		r.Get("/{run_id}/issues", RestHandler(s.GetRunIssues))
	})
	r.Route("/uploads", func(r chi.Router) {
		r.Get("/{upload_id}", RestHandler(s.GetUpload))
	})
	r.Route("/submissions", func(r chi.Router) {
		r.Get("/{submission_id}/patients", RestHandler(s.GetPatientSet))
	})
	r.Route("/artifacts", func(r chi.Router) {
		r.Post("/sweep", RestHandler(s.SweepArtifacts))
		r.Post("/verify", RestHandler(s.VerifyArtifacts))
	})
}

func (s *BackendService) SubmitValidation(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SubmitValidationRequest](r)
	if err != nil {
		return nil, err
	}

	if req.SubmissionId == uuid.Nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "submission_id is required")
	}
	if req.FileType == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "file_type is required")
	}
	if req.ObjectKey == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "object_key is required")
	}

	ctx := r.Context()

	upload := database.FileUpload{
		Id:           uuid.New(),
		SubmissionId: req.SubmissionId,
		FileType:     req.FileType,
		FileName:     req.FileName,
		ObjectKey:    req.ObjectKey,
		Status:       database.UploadPending,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&upload).Error; err != nil {
		slog.Error("error creating upload", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create upload entry")
	}

	payload := messaging.ValidationTaskPayload{UploadId: upload.Id}
	if err := s.publisher.PublishValidationTask(ctx, payload); err != nil {
		slog.Error("error publishing validation task", "upload_id", upload.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue validation task")
	}

	slog.Info("submitted validation", "upload_id", upload.Id, "submission_id", req.SubmissionId, "file_type", req.FileType)

	return api.SubmitValidationResponse{Message: "validation submitted", UploadId: upload.Id}, nil
}

func (s *BackendService) GetUpload(r *http.Request) (any, error) {
	uploadId, err := URLParamUUID(r, "upload_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var upload database.FileUpload
	if err := s.db.WithContext(ctx).Preload("Runs").First(&upload, "id = ?", uploadId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "upload not found")
		}
		slog.Error("error getting upload", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving upload record")
	}

	out := convertUpload(upload)
	for _, run := range upload.Runs {
		out.Runs = append(out.Runs, convertRun(run))
	}

	if upload.Status == database.UploadRejected {
		var rejection database.RejectionRecord
		if err := s.db.WithContext(ctx).
			Order("creation_time DESC").
			First(&rejection, "upload_id = ?", uploadId).Error; err == nil {
			out.Rejection = convertRejection(rejection)
		}
	}

	return out, nil
}

func (s *BackendService) GetRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var run database.ValidationRun
	if err := s.db.WithContext(ctx).Preload("Errors").First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "validation run not found")
		}
		slog.Error("error getting validation run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving validation run record")
	}

	out := convertRun(run)

	progress, err := core.ComputeRunProgress(ctx, s.db, runId)
	if err != nil {
		slog.Error("error computing run progress", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error computing run progress")
	}
	out.CompletedJobs = progress.CompletedJobs
	out.FailedJobs = progress.FailedJobs
	out.Percent = progress.Percent

	return out, nil
}

func (s *BackendService) GetRunJobs(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var jobs []database.ValidationJob
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runId).
		Order("name").
		Find(&jobs).Error; err != nil {
		slog.Error("error listing validation jobs", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving validation jobs")
	}

	out := make([]api.Job, len(jobs))
	for i, job := range jobs {
		out[i] = convertJob(job)
	}
	return out, nil
}

func (s *BackendService) GetRunIssues(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	query, err := ParseRequestQueryParams[api.IssueQuery](r)
	if err != nil {
		return nil, err
	}
	if query.Limit <= 0 {
		query.Limit = defaultIssuePageSize
	}
	if query.Limit > maxIssuePageSize {
		query.Limit = maxIssuePageSize
	}
	if query.Offset < 0 {
		query.Offset = 0
	}

	ctx := r.Context()

	q := s.db.WithContext(ctx).Model(&database.ValidationIssue{}).Where("run_id = ?", runId)
	if query.Severity != "" {
		q = q.Where("severity = ?", query.Severity)
	}
	if query.JobName != "" {
		q = q.Where("job_name = ?", query.JobName)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		slog.Error("error counting validation issues", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving validation issues")
	}

	var issues []database.ValidationIssue
	if err := q.Order("creation_time, id").Offset(query.Offset).Limit(query.Limit).Find(&issues).Error; err != nil {
		slog.Error("error listing validation issues", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving validation issues")
	}

	out := api.IssueList{Total: total, Issues: make([]api.Issue, len(issues))}
	for i, issue := range issues {
		out.Issues[i] = convertIssue(issue)
	}
	return out, nil
}

func (s *BackendService) GetPatientSet(r *http.Request) (any, error) {
	submissionId, err := URLParamUUID(r, "submission_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&database.PatientID{}).
		Where("submission_id = ?", submissionId).
		Count(&count).Error; err != nil {
		slog.Error("error counting patient ids", "submission_id", submissionId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving patient id set")
	}

	return api.PatientSet{SubmissionId: submissionId, PatientCount: count}, nil
}

func (s *BackendService) SweepArtifacts(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SweepRequest](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	payload := messaging.SweepPayload{OlderThanHours: req.OlderThanHours}
	if err := s.publisher.PublishSweepTask(ctx, payload); err != nil {
		slog.Error("error publishing sweep task", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue sweep task")
	}

	return api.SweepResponse{Message: "sweep queued"}, nil
}

func (s *BackendService) VerifyArtifacts(r *http.Request) (any, error) {
	if s.lifecycle == nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "artifact verification requires access to the scratch filesystem")
	}

	verifyReport, err := s.lifecycle.Verify(r.Context())
	if err != nil {
		slog.Error("error verifying artifacts", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error verifying artifacts")
	}

	return api.VerifyResponse{
		MissingTracked:   verifyReport.MissingTracked,
		UntrackedPresent: verifyReport.UntrackedPresent,
	}, nil
}
