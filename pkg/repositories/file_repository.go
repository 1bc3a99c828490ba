// Package repositories implements PostgreSQL data access for the pipeline.
// Every repository is constructed over a database.Querier, so the same code
// runs against the pool or inside a transaction.
package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/database"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
)

// FileRepository defines data access for the scouted file catalog.
type FileRepository interface {
	CreateBatch(ctx context.Context, files []*models.File) error
	GetByPath(ctx context.Context, runID, path string) (*models.File, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.FileStatus) error
	CountByStatus(ctx context.Context, runID string) (map[models.FileStatus]int, error)
}

type fileRepository struct {
	q database.Querier
}

// NewFileRepository creates a file repository over q.
func NewFileRepository(q database.Querier) FileRepository {
	return &fileRepository{q: q}
}

// CreateBatch inserts the scouted catalog. A duplicate (run_id, path) means
// the scout produced conflicting entries and aborts the run.
func (r *fileRepository) CreateBatch(ctx context.Context, files []*models.File) error {
	query := `
		INSERT INTO files (id, run_id, path, checksum, language, special_file_type, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	now := time.Now()
	for _, f := range files {
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		if f.Status == "" {
			f.Status = models.FileStatusDiscovered
		}
		f.CreatedAt = now

		_, err := r.q.Exec(ctx, query,
			f.ID, f.RunID, f.Path, f.Checksum, f.Language, f.SpecialFileType, f.Status, f.CreatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s", apperrors.ErrDuplicateFilePath, f.Path)
			}
			return fmt.Errorf("failed to insert file %s: %w", f.Path, err)
		}
	}
	return nil
}

// GetByPath retrieves one file by its run-scoped path.
func (r *fileRepository) GetByPath(ctx context.Context, runID, path string) (*models.File, error) {
	query := `
		SELECT id, run_id, path, checksum, language, special_file_type, status, created_at
		FROM files
		WHERE run_id = $1 AND path = $2`

	var f models.File
	err := r.q.QueryRow(ctx, query, runID, path).Scan(
		&f.ID, &f.RunID, &f.Path, &f.Checksum, &f.Language, &f.SpecialFileType, &f.Status, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return &f, nil
}

// UpdateStatus moves a file to ANALYZED or FAILED.
func (r *fileRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.FileStatus) error {
	tag, err := r.q.Exec(ctx, `UPDATE files SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update file status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// CountByStatus returns the per-status file counts for a run, used by the
// run summary.
func (r *fileRepository) CountByStatus(ctx context.Context, runID string) (map[models.FileStatus]int, error) {
	rows, err := r.q.Query(ctx,
		`SELECT status, COUNT(*) FROM files WHERE run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.FileStatus]int)
	for rows.Next() {
		var status models.FileStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan file count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
