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

// POIRepository defines data access for points of interest.
type POIRepository interface {
	CreateBatch(ctx context.Context, pois []*models.POI) error
	Get(ctx context.Context, id uuid.UUID) (*models.POI, error)
	GetByDirectory(ctx context.Context, runID, directory string) ([]*models.POI, error)
	GetByRun(ctx context.Context, runID string) ([]*models.POI, error)
	CountByRun(ctx context.Context, runID string) (int, error)
}

type poiRepository struct {
	q database.Querier
}

// NewPOIRepository creates a POI repository over q.
func NewPOIRepository(q database.Querier) POIRepository {
	return &poiRepository{q: q}
}

const poiColumns = `id, file_id, run_id, file_path, name, type, qualified_name, line_number, is_exported, created_at`

// CreateBatch inserts POIs, skipping qualified names already present in the
// run. POIs are immutable, so a conflict means a replayed job and the
// existing row wins.
func (r *poiRepository) CreateBatch(ctx context.Context, pois []*models.POI) error {
	query := `
		INSERT INTO pois (` + poiColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, qualified_name) DO NOTHING`

	now := time.Now()
	for _, p := range pois {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.CreatedAt = now

		_, err := r.q.Exec(ctx, query,
			p.ID, p.FileID, p.RunID, p.FilePath, p.Name, p.Type,
			p.QualifiedName, p.LineNumber, p.IsExported, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert poi %s: %w", p.QualifiedName, err)
		}
	}
	return nil
}

// Get retrieves one POI by ID.
func (r *poiRepository) Get(ctx context.Context, id uuid.UUID) (*models.POI, error) {
	row := r.q.QueryRow(ctx, `SELECT `+poiColumns+` FROM pois WHERE id = $1`, id)
	p, err := scanPOI(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get poi: %w", err)
	}
	return p, nil
}

// GetByDirectory returns every POI whose file sits directly in directory.
// The root directory is addressed as ".".
func (r *poiRepository) GetByDirectory(ctx context.Context, runID, directory string) ([]*models.POI, error) {
	var query string
	args := []any{runID}
	if directory == "." {
		query = `SELECT ` + poiColumns + ` FROM pois
			WHERE run_id = $1 AND position('/' in file_path) = 0
			ORDER BY qualified_name`
	} else {
		query = `SELECT ` + poiColumns + ` FROM pois
			WHERE run_id = $1 AND file_path LIKE $2 || '/%'
			AND position('/' in substring(file_path from length($2) + 2)) = 0
			ORDER BY qualified_name`
		args = append(args, directory)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pois by directory: %w", err)
	}
	defer rows.Close()

	return collectPOIs(rows)
}

// GetByRun returns every POI in a run ordered by qualified name.
func (r *poiRepository) GetByRun(ctx context.Context, runID string) ([]*models.POI, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+poiColumns+` FROM pois WHERE run_id = $1 ORDER BY qualified_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pois by run: %w", err)
	}
	defer rows.Close()

	return collectPOIs(rows)
}

// CountByRun returns the number of POIs in a run.
func (r *poiRepository) CountByRun(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM pois WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pois: %w", err)
	}
	return n, nil
}

func scanPOI(row pgx.Row) (*models.POI, error) {
	var p models.POI
	err := row.Scan(&p.ID, &p.FileID, &p.RunID, &p.FilePath, &p.Name, &p.Type,
		&p.QualifiedName, &p.LineNumber, &p.IsExported, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPOIs(rows pgx.Rows) ([]*models.POI, error) {
	var pois []*models.POI
	for rows.Next() {
		p, err := scanPOI(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan poi: %w", err)
		}
		pois = append(pois, p)
	}
	return pois, rows.Err()
}
