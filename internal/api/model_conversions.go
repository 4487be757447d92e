package api

import (
	"encoding/json"

	"cohort-validator/internal/database"
	"cohort-validator/pkg/api"
)

func convertUpload(upload database.FileUpload) api.Upload {
	return api.Upload{
		Id:           upload.Id,
		SubmissionId: upload.SubmissionId,
		FileType:     upload.FileType,
		FileName:     upload.FileName,
		Status:       upload.Status,
		CreationTime: upload.CreationTime,
	}
}

func convertRun(run database.ValidationRun) api.Run {
	out := api.Run{
		Id:           run.Id,
		UploadId:     run.UploadId,
		Status:       run.Status,
		TotalJobs:    run.TotalJobs,
		CreationTime: run.CreationTime,
	}
	if run.CompletionTime.Valid {
		t := run.CompletionTime.Time
		out.CompletionTime = &t
	}
	for _, runErr := range run.Errors {
		out.Errors = append(out.Errors, runErr.Error)
	}
	return out
}

func convertJob(job database.ValidationJob) api.Job {
	out := api.Job{
		RunId:         job.RunId,
		Name:          job.Name,
		Status:        job.Status,
		Progress:      job.Progress,
		ResultSummary: json.RawMessage(job.ResultSummary),
	}
	if job.StartTime.Valid {
		t := job.StartTime.Time
		out.StartTime = &t
	}
	if job.CompletionTime.Valid {
		t := job.CompletionTime.Time
		out.CompletionTime = &t
	}
	return out
}

func convertIssue(issue database.ValidationIssue) api.Issue {
	out := api.Issue{
		Id:        issue.Id,
		RunId:     issue.RunId,
		JobName:   issue.JobName,
		Severity:  issue.Severity,
		IssueType: issue.IssueType,
		Message:   issue.Message,
	}
	if issue.ColumnName.Valid {
		out.ColumnName = issue.ColumnName.String
	}
	if issue.RowNumber.Valid {
		row := issue.RowNumber.Int64
		out.RowNumber = &row
	}
	if issue.ObservedValue.Valid {
		out.ObservedValue = issue.ObservedValue.String
	}
	if issue.ExpectedValue.Valid {
		out.ExpectedValue = issue.ExpectedValue.String
	}
	if len(issue.AffectedRows) > 0 {
		var rows []int64
		if err := json.Unmarshal(issue.AffectedRows, &rows); err == nil {
			out.AffectedRows = rows
		}
	}
	return out
}

func convertRejection(rejection database.RejectionRecord) *api.Rejection {
	out := &api.Rejection{
		ReasonCode:     rejection.ReasonCode,
		InvalidIdCount: rejection.InvalidIdCount,
		FileMetadata:   json.RawMessage(rejection.FileMetadata),
		CreationTime:   rejection.CreationTime,
	}
	if len(rejection.InvalidIdSample) > 0 {
		var sample []string
		if err := json.Unmarshal(rejection.InvalidIdSample, &sample); err == nil {
			out.InvalidIdSample = sample
		}
	}
	return out
}
