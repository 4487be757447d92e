package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"cohort-validator/internal/database"
)

const (
	DefaultMaxCleanupAttempts = 3

	// DefaultSweepAge is the age past which an unclaimed artifact is
	// considered orphaned.
	DefaultSweepAge = 4 * time.Hour

	PurposeWorkingCopy = "working_copy"
)

// Manager owns the lifecycle of every temporary artifact. Creation is
// recorded before the artifact is used; release is guaranteed on every exit
// path through Scope.Close, with an independent sweep as the crash-recovery
// safety net. Tracking records are never deleted.
type Manager struct {
	db          *gorm.DB
	scratchRoot string
	maxAttempts int
}

func NewManager(db *gorm.DB, scratchRoot string, maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxCleanupAttempts
	}
	return &Manager{db: db, scratchRoot: scratchRoot, maxAttempts: maxAttempts}
}

func (m *Manager) ScratchRoot() string {
	return m.scratchRoot
}

// Scope is one tracked artifact acquired for the duration of a piece of work.
type Scope struct {
	manager  *Manager
	artifact database.TrackedArtifact
}

func (s *Scope) Path() string {
	return s.artifact.Path
}

func (s *Scope) ArtifactId() uuid.UUID {
	return s.artifact.Id
}

// Close reclaims the artifact. Safe to defer alongside explicit cleanup: a
// second Close is a no-op once the record is marked cleaned.
func (s *Scope) Close(ctx context.Context) error {
	return s.manager.cleanup(ctx, s.artifact.Id)
}

// Track records an existing file or directory as a tracked artifact. The
// record is written with cleanup_required=true before the caller touches the
// artifact, so a crash between the two leaves a sweepable record rather than
// an orphan file.
func (m *Manager) Track(ctx context.Context, uploadId uuid.UUID, path, purpose string) (*Scope, error) {
	artifact := database.TrackedArtifact{
		Id:              uuid.New(),
		UploadId:        uploadId,
		Path:            path,
		Purpose:         purpose,
		CleanupRequired: true,
		CreationTime:    time.Now().UTC(),
	}

	if err := m.db.WithContext(ctx).Create(&artifact).Error; err != nil {
		return nil, fmt.Errorf("error tracking artifact %s: %w", path, err)
	}

	slog.Info("tracking artifact", "upload_id", uploadId, "path", path, "purpose", purpose)

	return &Scope{manager: m, artifact: artifact}, nil
}

// CreateScratchDir makes a fresh directory under the scratch root and tracks
// it in one step.
func (m *Manager) CreateScratchDir(ctx context.Context, uploadId uuid.UUID, purpose string) (*Scope, error) {
	path := filepath.Join(m.scratchRoot, uploadId.String(), purpose)

	scope, err := m.Track(ctx, uploadId, path, purpose)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return nil, fmt.Errorf("error creating scratch directory %s: %w", path, err)
	}

	return scope, nil
}

func (m *Manager) cleanup(ctx context.Context, artifactId uuid.UUID) error {
	var artifact database.TrackedArtifact
	if err := m.db.WithContext(ctx).First(&artifact, "id = ?", artifactId).Error; err != nil {
		return fmt.Errorf("error fetching artifact %s: %w", artifactId, err)
	}

	if artifact.CleanedUp || !artifact.CleanupRequired {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		lastErr = os.RemoveAll(artifact.Path)

		updates := map[string]any{"cleanup_attempts": artifact.CleanupAttempts + attempt}
		if lastErr != nil {
			updates["last_error"] = sql.NullString{String: lastErr.Error(), Valid: true}
			if err := m.db.WithContext(ctx).Model(&database.TrackedArtifact{Id: artifactId}).Updates(updates).Error; err != nil {
				slog.Error("error recording cleanup attempt", "artifact_id", artifactId, "error", err)
			}
			slog.Warn("artifact cleanup attempt failed", "artifact_id", artifactId, "attempt", attempt, "error", lastErr)
			continue
		}

		updates["cleaned_up"] = true
		updates["cleanup_time"] = time.Now().UTC()
		if err := m.db.WithContext(ctx).Model(&database.TrackedArtifact{Id: artifactId}).Updates(updates).Error; err != nil {
			return fmt.Errorf("error marking artifact %s cleaned: %w", artifactId, err)
		}

		slog.Info("artifact cleaned up", "artifact_id", artifactId, "path", artifact.Path)
		return nil
	}

	return fmt.Errorf("failed to clean up artifact %s after %d attempts: %w", artifactId, m.maxAttempts, lastErr)
}

// CleanupUpload reclaims every outstanding artifact for an upload. Used for
// the cascading deletion on referential rejection, where partial cleanup is
// not acceptable: the first failure is returned after attempting the rest.
func (m *Manager) CleanupUpload(ctx context.Context, uploadId uuid.UUID) error {
	var artifacts []database.TrackedArtifact
	if err := m.db.WithContext(ctx).
		Where("upload_id = ? AND cleanup_required = ? AND cleaned_up = ?", uploadId, true, false).
		Find(&artifacts).Error; err != nil {
		return fmt.Errorf("error listing artifacts for upload %s: %w", uploadId, err)
	}

	var firstErr error
	for _, artifact := range artifacts {
		if err := m.cleanup(ctx, artifact.Id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OutstandingCount returns the number of artifacts still awaiting cleanup for
// an upload. A validation job must not report success while this is non-zero.
func (m *Manager) OutstandingCount(ctx context.Context, uploadId uuid.UUID) (int64, error) {
	var count int64
	if err := m.db.WithContext(ctx).
		Model(&database.TrackedArtifact{}).
		Where("upload_id = ? AND cleanup_required = ? AND cleaned_up = ?", uploadId, true, false).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("error counting outstanding artifacts: %w", err)
	}
	return count, nil
}

// Sweep reclaims artifacts older than the age threshold whose cleanup flag is
// still set. It is idempotent and is the safety net for process crashes that
// bypassed the scoped-acquisition path.
func (m *Manager) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var artifacts []database.TrackedArtifact
	if err := m.db.WithContext(ctx).
		Where("cleanup_required = ? AND cleaned_up = ? AND creation_time < ?", true, false, cutoff).
		Find(&artifacts).Error; err != nil {
		return 0, fmt.Errorf("error listing sweepable artifacts: %w", err)
	}

	swept := 0
	for _, artifact := range artifacts {
		if err := m.cleanup(ctx, artifact.Id); err != nil {
			slog.Error("sweep failed to reclaim artifact", "artifact_id", artifact.Id, "path", artifact.Path, "error", err)
			continue
		}
		swept++
	}

	slog.Info("artifact sweep finished", "eligible", len(artifacts), "swept", swept, "older_than", olderThan)

	return swept, nil
}

type VerifyReport struct {
	// Tracked artifacts whose path no longer exists; marked cleaned.
	MissingTracked []string
	// Paths present under the scratch root with no tracking record; flagged
	// for investigation, never deleted automatically.
	UntrackedPresent []string
}

// Verify cross-checks tracking records against the filesystem and fixes
// drift in both directions.
func (m *Manager) Verify(ctx context.Context) (VerifyReport, error) {
	var verifyReport VerifyReport

	var outstanding []database.TrackedArtifact
	if err := m.db.WithContext(ctx).
		Where("cleanup_required = ? AND cleaned_up = ?", true, false).
		Find(&outstanding).Error; err != nil {
		return verifyReport, fmt.Errorf("error listing tracked artifacts: %w", err)
	}

	tracked := make(map[string]struct{}, len(outstanding))
	for _, artifact := range outstanding {
		tracked[filepath.Clean(artifact.Path)] = struct{}{}

		if _, err := os.Stat(artifact.Path); os.IsNotExist(err) {
			updates := map[string]any{
				"cleaned_up":   true,
				"cleanup_time": time.Now().UTC(),
				"last_error":   sql.NullString{String: "path missing at verification", Valid: true},
			}
			if err := m.db.WithContext(ctx).Model(&database.TrackedArtifact{Id: artifact.Id}).Updates(updates).Error; err != nil {
				return verifyReport, fmt.Errorf("error reconciling artifact %s: %w", artifact.Id, err)
			}
			verifyReport.MissingTracked = append(verifyReport.MissingTracked, artifact.Path)
		}
	}

	// Also consider already-cleaned records as known paths so their leftovers
	// are not misflagged.
	var cleaned []database.TrackedArtifact
	if err := m.db.WithContext(ctx).Where("cleaned_up = ?", true).Find(&cleaned).Error; err != nil {
		return verifyReport, fmt.Errorf("error listing cleaned artifacts: %w", err)
	}
	for _, artifact := range cleaned {
		tracked[filepath.Clean(artifact.Path)] = struct{}{}
	}

	entries, err := os.ReadDir(m.scratchRoot)
	if os.IsNotExist(err) {
		return verifyReport, nil
	}
	if err != nil {
		return verifyReport, fmt.Errorf("error listing scratch root %s: %w", m.scratchRoot, err)
	}

	for _, entry := range entries {
		path := filepath.Clean(filepath.Join(m.scratchRoot, entry.Name()))
		if _, known := tracked[path]; known {
			continue
		}
		if m.hasTrackedDescendant(tracked, path) {
			continue
		}
		slog.Warn("untracked path found under scratch root", "path", path)
		verifyReport.UntrackedPresent = append(verifyReport.UntrackedPresent, path)
	}

	return verifyReport, nil
}

func (m *Manager) hasTrackedDescendant(tracked map[string]struct{}, dir string) bool {
	prefix := dir + string(filepath.Separator)
	for path := range tracked {
		if path == dir || strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
