package db

import (
	"database/sql"
	"fmt"
)

// Store implements conductor state storage using SQLite.
type Store struct {
	db *DB
}

// NewStore creates a new SQLite-backed store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

// --- Designs ---

const designColumns = `id, description, stage, status, page_id, parent_key, review_attempts, created_at, updated_at`

// CreateDesign inserts a new design. Stage and status default to
// design/running when unset.
func (s *Store) CreateDesign(d *Design) error {
	if d.Stage == "" {
		d.Stage = StageDesign
	}
	if d.Status == "" {
		d.Status = StatusRunning
	}
	_, err := s.db.Exec(`
		INSERT INTO designs (id, description, stage, status)
		VALUES (?, ?, ?, ?)
	`, d.ID, d.Description, d.Stage, d.Status)
	if err != nil {
		return fmt.Errorf("failed to create design: %w", err)
	}
	return nil
}

// GetDesign retrieves a design by ID. Returns nil when not found.
func (s *Store) GetDesign(id string) (*Design, error) {
	row := s.db.QueryRow(`SELECT `+designColumns+` FROM designs WHERE id = ?`, id)
	d, err := scanDesign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get design: %w", err)
	}
	return d, nil
}

// GetDesignByPageID retrieves the design published to a document-store page.
func (s *Store) GetDesignByPageID(pageID string) (*Design, error) {
	row := s.db.QueryRow(`SELECT `+designColumns+` FROM designs WHERE page_id = ?`, pageID)
	d, err := scanDesign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get design by page: %w", err)
	}
	return d, nil
}

// ListDesignsByStatus retrieves all designs with the given status.
func (s *Store) ListDesignsByStatus(status Status) ([]Design, error) {
	rows, err := s.db.Query(`
		SELECT `+designColumns+` FROM designs WHERE status = ? ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query designs: %w", err)
	}
	defer rows.Close()

	var designs []Design
	for rows.Next() {
		d, err := scanDesign(rows)
		if err != nil {
			return nil, err
		}
		designs = append(designs, *d)
	}
	return designs, rows.Err()
}

// UpdateDesignStatus sets the status of a design.
func (s *Store) UpdateDesignStatus(id string, status Status) error {
	_, err := s.db.Exec(`
		UPDATE designs SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update design status: %w", err)
	}
	return nil
}

// UpdateDesignStage sets the pipeline stage of a design.
func (s *Store) UpdateDesignStage(id string, stage Stage) error {
	_, err := s.db.Exec(`
		UPDATE designs SET stage = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, stage, id)
	if err != nil {
		return fmt.Errorf("failed to update design stage: %w", err)
	}
	return nil
}

// SetPageID records the document-store page a design was published to.
func (s *Store) SetPageID(id, pageID string) error {
	_, err := s.db.Exec(`
		UPDATE designs SET page_id = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, pageID, id)
	if err != nil {
		return fmt.Errorf("failed to set page id: %w", err)
	}
	return nil
}

// SetParentKey records the parent tracker issue for a design.
func (s *Store) SetParentKey(id, parentKey string) error {
	_, err := s.db.Exec(`
		UPDATE designs SET parent_key = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, parentKey, id)
	if err != nil {
		return fmt.Errorf("failed to set parent key: %w", err)
	}
	return nil
}

// ResetDesignReviewAttempts zeroes the design review counter. Manual
// re-triggers of a failed design get a fresh budget.
func (s *Store) ResetDesignReviewAttempts(id string) error {
	_, err := s.db.Exec(`
		UPDATE designs SET review_attempts = 0,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset review attempts: %w", err)
	}
	return nil
}

// IncrementDesignReviewAttempts bumps the design review counter and returns
// the new value.
func (s *Store) IncrementDesignReviewAttempts(id string) (int, error) {
	_, err := s.db.Exec(`
		UPDATE designs SET review_attempts = review_attempts + 1,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment review attempts: %w", err)
	}
	var attempts int
	if err := s.db.QueryRow("SELECT review_attempts FROM designs WHERE id = ?", id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read review attempts: %w", err)
	}
	return attempts, nil
}

func scanDesign(sc scanner) (*Design, error) {
	var d Design
	var pageID, parentKey sql.NullString
	err := sc.Scan(&d.ID, &d.Description, &d.Stage, &d.Status,
		&pageID, &parentKey, &d.ReviewAttempts, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if pageID.Valid {
		d.PageID = pageID.String
	}
	if parentKey.Valid {
		d.ParentKey = parentKey.String
	}
	return &d, nil
}
