package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"cohort-validator/internal/core/utils"
	"cohort-validator/internal/database"
	"cohort-validator/internal/definition"
	"cohort-validator/internal/lifecycle"
	"cohort-validator/internal/referential"
	"cohort-validator/internal/report"
	"cohort-validator/internal/storage"
)

const DefaultJobTimeout = 30 * time.Minute

// Orchestrator drives one validation run per submitted file: it enumerates
// applicable validators from the registry, creates one job per validator,
// executes independent jobs concurrently, and defers dependent jobs until
// their prerequisites are terminal.
type Orchestrator struct {
	db          *gorm.DB
	engine      Engine
	lifecycle   *lifecycle.Manager
	referential *referential.Validator
	registry    *Registry

	definitionsDir string
	maxWorkers     int
	jobTimeout     time.Duration

	cancelMu sync.Mutex
	cancels  map[uuid.UUID]context.CancelFunc
}

func NewOrchestrator(db *gorm.DB, engine Engine, lifecycleManager *lifecycle.Manager, store storage.ObjectStore, registry *Registry, definitionsDir string, maxWorkers int, jobTimeout time.Duration) *Orchestrator {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	return &Orchestrator{
		db:             db,
		engine:         engine,
		lifecycle:      lifecycleManager,
		referential:    referential.NewValidator(db, lifecycleManager, store),
		registry:       registry,
		definitionsDir: definitionsDir,
		maxWorkers:     maxWorkers,
		jobTimeout:     jobTimeout,
		cancels:        make(map[uuid.UUID]context.CancelFunc),
	}
}

func (o *Orchestrator) Lifecycle() *lifecycle.Manager {
	return o.lifecycle
}

// Cancel marks a run's in-flight jobs for prompt exit. Jobs observe the
// cancellation between row batches of streaming work.
func (o *Orchestrator) Cancel(runId uuid.UUID) {
	o.cancelMu.Lock()
	cancel, ok := o.cancels[runId]
	o.cancelMu.Unlock()

	if ok {
		slog.Info("cancelling validation run", "run_id", runId)
		cancel()
	}
}

func tableName(uploadId uuid.UUID) string {
	return "upload_" + strings.ReplaceAll(uploadId.String(), "-", "_")
}

// RunValidation validates one uploaded file end to end. Schema errors are
// fatal and abort before any file processing; everything downstream is
// captured as job state and structured issues, never raised.
func (o *Orchestrator) RunValidation(ctx context.Context, upload database.FileUpload, filePath string) (uuid.UUID, error) {
	run := database.ValidationRun{
		Id:           uuid.New(),
		UploadId:     upload.Id,
		Status:       database.RunPending,
		CreationTime: time.Now().UTC(),
	}
	if err := o.db.WithContext(ctx).Create(&run).Error; err != nil {
		return uuid.Nil, fmt.Errorf("error creating validation run: %w", err)
	}

	def, err := definition.Load(o.definitionsDir, upload.FileType)
	if err != nil {
		database.SaveRunError(ctx, o.db, run.Id, err.Error())
		database.UpdateRunStatus(ctx, o.db, run.Id, database.RunFailed) //nolint:errcheck
		return run.Id, fmt.Errorf("error loading definition for '%s': %w", upload.FileType, err)
	}

	entries := o.registry.Applicable(upload.FileType)

	now := time.Now().UTC()
	for _, entry := range entries {
		job := database.ValidationJob{
			RunId:        run.Id,
			Name:         entry.Name,
			Status:       database.JobPending,
			CreationTime: now,
		}
		if err := o.db.WithContext(ctx).Create(&job).Error; err != nil {
			return run.Id, fmt.Errorf("error creating validation job '%s': %w", entry.Name, err)
		}
	}
	if err := o.db.WithContext(ctx).Model(&database.ValidationRun{Id: run.Id}).Update("total_jobs", len(entries)).Error; err != nil {
		return run.Id, fmt.Errorf("error recording job count: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancelMu.Lock()
	o.cancels[run.Id] = cancel
	o.cancelMu.Unlock()
	defer func() {
		cancel()
		o.cancelMu.Lock()
		delete(o.cancels, run.Id)
		o.cancelMu.Unlock()
	}()

	if err := database.UpdateRunStatus(ctx, o.db, run.Id, database.RunRunning); err != nil {
		return run.Id, err
	}

	state := &runState{
		orc:    o,
		run:    &run,
		upload: upload,
		def:    def,
		path:   filePath,
		table:  tableName(upload.Id),
	}

	// The converted columnar table is working data; it never outlives the
	// run. Cleanup uses a fresh context so cancellation cannot strand it.
	defer func() {
		if err := o.engine.DropTable(context.Background(), state.table); err != nil {
			slog.Error("error dropping run table", "run_id", run.Id, "table", state.table, "error", err)
		}
	}()

	statuses := o.schedule(runCtx, state, entries)

	finalStatus := deriveRunStatus(statuses, state.isRejected())
	if err := database.UpdateRunStatus(ctx, o.db, run.Id, finalStatus); err != nil {
		return run.Id, err
	}

	slog.Info("validation run finished", "run_id", run.Id, "upload_id", upload.Id, "status", finalStatus)

	return run.Id, nil
}

type jobOutcome struct {
	name   string
	status string
}

// schedule executes jobs in dependency order. Independent parallel-safe jobs
// share the worker pool; a job is dispatched once every dependency is
// terminal, whatever the outcome. A structural audit can fail on recoverable
// issues and still load the file, so downstream validators decide for
// themselves whether the shared state they need exists.
func (o *Orchestrator) schedule(ctx context.Context, state *runState, entries []ValidatorEntry) map[string]string {
	statuses := make(map[string]string, len(entries))
	pending := make(map[string]ValidatorEntry, len(entries))
	for _, entry := range entries {
		pending[entry.Name] = entry
	}

	for len(pending) > 0 {
		var ready, serial []ValidatorEntry

		for _, entry := range o.registry.Applicable(state.upload.FileType) {
			if _, isPending := pending[entry.Name]; !isPending {
				continue
			}

			depsTerminal := true
			for _, dep := range entry.DependsOn {
				if _, done := statuses[dep]; !done {
					depsTerminal = false
					break
				}
			}

			if !depsTerminal {
				continue
			}
			if entry.ParallelSafe {
				ready = append(ready, entry)
			} else {
				serial = append(serial, entry)
			}
		}

		if len(ready) == 0 && len(serial) == 0 {
			// Unsatisfiable dependencies; fail whatever is left rather
			// than spinning.
			for name := range pending {
				database.SaveRunError(ctx, o.db, state.run.Id, fmt.Sprintf("job '%s' has unsatisfiable dependencies", name))
				database.UpdateJobStatus(ctx, o.db, state.run.Id, name, database.JobFailed) //nolint:errcheck
				statuses[name] = database.JobFailed
				delete(pending, name)
			}
			continue
		}

		if len(ready) > 0 {
			queue := make(chan ValidatorEntry, len(ready))
			for _, entry := range ready {
				queue <- entry
				delete(pending, entry.Name)
			}
			close(queue)

			completed := make(chan utils.CompletedTask[jobOutcome], len(ready))
			utils.RunInPool(ctx, func(ctx context.Context, entry ValidatorEntry) (jobOutcome, error) {
				return jobOutcome{name: entry.Name, status: o.executeJob(ctx, state, entry)}, nil
			}, queue, completed, o.maxWorkers)

			for outcome := range completed {
				statuses[outcome.Result.name] = outcome.Result.status
			}
		}

		for _, entry := range serial {
			statuses[entry.Name] = o.executeJob(ctx, state, entry)
			delete(pending, entry.Name)
		}
	}

	return statuses
}

// executeJob runs one validator inside the job boundary: unexpected errors
// and panics become job-failure records, never aborted runs.
func (o *Orchestrator) executeJob(ctx context.Context, state *runState, entry ValidatorEntry) (status string) {
	runId := state.run.Id

	// Terminal job state must land even when the run was cancelled, so
	// persistence gets its own context, like the run-table drop.
	dbCtx := context.Background()

	database.UpdateJobStatus(dbCtx, o.db, runId, entry.Name, database.JobRunning) //nolint:errcheck

	jobCtx, cancel := context.WithTimeout(ctx, o.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("validator panicked", "run_id", runId, "job", entry.Name, "panic", r)
			database.SaveRunError(dbCtx, o.db, runId, fmt.Sprintf("validator '%s' panicked: %v\n%s", entry.Name, r, debug.Stack()))
			database.UpdateJobStatus(dbCtx, o.db, runId, entry.Name, database.JobFailed) //nolint:errcheck
			status = database.JobFailed
		}
	}()

	result, err := entry.run(jobCtx, state)
	if err != nil {
		slog.Error("validator failed", "run_id", runId, "job", entry.Name, "error", err)
		database.SaveRunError(dbCtx, o.db, runId, fmt.Sprintf("validator '%s': %v", entry.Name, err))
		database.UpdateJobStatus(dbCtx, o.db, runId, entry.Name, database.JobFailed) //nolint:errcheck
		return database.JobFailed
	}

	if result.Skipped {
		database.UpdateJobStatus(dbCtx, o.db, runId, entry.Name, database.JobSkipped) //nolint:errcheck
		return database.JobSkipped
	}

	if err := o.persistIssues(dbCtx, runId, entry.Name, result.Issues); err != nil {
		slog.Error("error persisting issues", "run_id", runId, "job", entry.Name, "error", err)
		database.SaveRunError(dbCtx, o.db, runId, err.Error())
		database.UpdateJobStatus(dbCtx, o.db, runId, entry.Name, database.JobFailed) //nolint:errcheck
		return database.JobFailed
	}

	if result.Summary != nil {
		if summary, err := json.Marshal(result.Summary); err == nil {
			o.db.WithContext(dbCtx).Model(&database.ValidationJob{RunId: runId, Name: entry.Name}).
				Update("result_summary", summary) //nolint:errcheck
		}
	}

	if result.passed() {
		database.UpdateJobStatus(dbCtx, o.db, runId, entry.Name, database.JobPassed) //nolint:errcheck
		return database.JobPassed
	}

	database.UpdateJobStatus(dbCtx, o.db, runId, entry.Name, database.JobFailed) //nolint:errcheck
	return database.JobFailed
}

func (o *Orchestrator) persistIssues(ctx context.Context, runId uuid.UUID, jobName string, issues []report.Issue) error {
	if len(issues) == 0 {
		return nil
	}

	rows := make([]database.ValidationIssue, len(issues))
	now := time.Now().UTC()
	for i, issue := range issues {
		row := database.ValidationIssue{
			Id:           uuid.New(),
			RunId:        runId,
			JobName:      jobName,
			Severity:     string(issue.Severity),
			IssueType:    issue.IssueType,
			Message:      issue.Message,
			CreationTime: now,
		}
		if issue.ColumnName != "" {
			row.ColumnName = sql.NullString{String: issue.ColumnName, Valid: true}
		}
		if issue.RowNumber != 0 {
			row.RowNumber = sql.NullInt64{Int64: issue.RowNumber, Valid: true}
		}
		if issue.ObservedValue != "" {
			row.ObservedValue = sql.NullString{String: issue.ObservedValue, Valid: true}
		}
		if issue.ExpectedValue != "" {
			row.ExpectedValue = sql.NullString{String: issue.ExpectedValue, Valid: true}
		}
		if len(issue.AffectedRows) > 0 {
			if affected, err := json.Marshal(issue.AffectedRows); err == nil {
				row.AffectedRows = affected
			}
		}
		rows[i] = row
	}

	if err := o.db.WithContext(ctx).CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("error persisting validation issues: %w", err)
	}
	return nil
}

func deriveRunStatus(statuses map[string]string, rejected bool) string {
	if rejected {
		return database.RunFailed
	}

	var passed, failed int
	for _, status := range statuses {
		switch status {
		case database.JobPassed:
			passed++
		case database.JobFailed:
			failed++
		}
	}

	switch {
	case failed == 0 && passed > 0:
		return database.RunCompleted
	case passed == 0:
		return database.RunFailed
	default:
		return database.RunPartial
	}
}

// RunProgress derives the run's aggregate counters from its jobs so they can
// never drift from the per-job state.
type RunProgress struct {
	TotalJobs     int
	CompletedJobs int
	FailedJobs    int
	Percent       int
}

func (o *Orchestrator) RunProgress(ctx context.Context, runId uuid.UUID) (RunProgress, error) {
	return ComputeRunProgress(ctx, o.db, runId)
}

func ComputeRunProgress(ctx context.Context, db *gorm.DB, runId uuid.UUID) (RunProgress, error) {
	var jobs []database.ValidationJob
	if err := db.WithContext(ctx).Where("run_id = ?", runId).Find(&jobs).Error; err != nil {
		return RunProgress{}, fmt.Errorf("error loading jobs for run %s: %w", runId, err)
	}

	progress := RunProgress{TotalJobs: len(jobs)}
	var pctSum int
	for _, job := range jobs {
		switch job.Status {
		case database.JobPassed, database.JobSkipped:
			progress.CompletedJobs++
			pctSum += 100
		case database.JobFailed:
			progress.FailedJobs++
			pctSum += 100
		default:
			pctSum += job.Progress
		}
	}
	if len(jobs) > 0 {
		progress.Percent = pctSum / len(jobs)
	}
	return progress, nil
}
