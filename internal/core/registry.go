package core

import (
	"context"
	"sort"

	"cohort-validator/internal/analytics"
	"cohort-validator/internal/ingest"
	"cohort-validator/internal/referential"
)

const (
	JobIngestAudit = "ingest_audit"
	JobColumnRules = "column_rules"
	JobReferential = "referential"
)

// PatientFileType is the file type whose ID column defines the submission's
// patient cohort. All other file types are validated against it.
const PatientFileType = "patient"

// Engine is the analytical-engine surface the validation jobs consume.
// *analytics.Engine satisfies it; tests substitute fakes.
type Engine interface {
	ingest.Engine
	referential.Engine
	StreamRows(ctx context.Context, table string, batchSize int, handle func(batch analytics.RowBatch) error) error
}

// ValidatorEntry describes one validator in the registry: its display name,
// dependencies, whether it may run alongside other jobs, and its scheduling
// priority (lower runs first among ready jobs).
type ValidatorEntry struct {
	Name         string
	DisplayName  string
	DependsOn    []string
	ParallelSafe bool
	Priority     int

	run func(ctx context.Context, state *runState) (*jobResult, error)
}

type Registry struct {
	entries []ValidatorEntry
}

func NewRegistry(entries ...ValidatorEntry) *Registry {
	sorted := make([]ValidatorEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Registry{entries: sorted}
}

// DefaultRegistry wires the standard validator set: structural ingestion and
// audit, the per-column rule engine, and the patient-ID referential check.
func DefaultRegistry() *Registry {
	return NewRegistry(
		ValidatorEntry{
			Name:         JobIngestAudit,
			DisplayName:  "Ingestion & Statistical Audit",
			ParallelSafe: true,
			Priority:     0,
			run:          runIngestJob,
		},
		ValidatorEntry{
			Name:         JobColumnRules,
			DisplayName:  "Column Rule Validation",
			DependsOn:    []string{JobIngestAudit},
			ParallelSafe: true,
			Priority:     10,
			run:          runColumnRulesJob,
		},
		ValidatorEntry{
			Name:         JobReferential,
			DisplayName:  "Patient ID Referential Validation",
			DependsOn:    []string{JobIngestAudit},
			ParallelSafe: false, // single writer of the patient ID set
			Priority:     20,
			run:          runReferentialJob,
		},
	)
}

// Applicable returns the validators that apply to the given file type. Every
// standard validator applies to every file type today; the referential
// validator itself branches on patient vs dependent files.
func (r *Registry) Applicable(fileType string) []ValidatorEntry {
	entries := make([]ValidatorEntry, len(r.entries))
	copy(entries, r.entries)
	return entries
}
