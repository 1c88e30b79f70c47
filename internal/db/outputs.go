package db

import (
	"database/sql"
	"fmt"
)

// --- Design outputs ---

// RecordOutput stores the path of an artifact under (design, key).
// Recording the same key again replaces the path.
func (s *Store) RecordOutput(designID, outputKey, path string) error {
	_, err := s.db.Exec(`
		INSERT INTO design_outputs (design_id, output_key, path)
		VALUES (?, ?, ?)
		ON CONFLICT(design_id, output_key) DO UPDATE SET path = excluded.path
	`, designID, outputKey, path)
	if err != nil {
		return fmt.Errorf("failed to record output: %w", err)
	}
	return nil
}

// GetOutput retrieves one artifact by (design, key). Returns nil when not found.
func (s *Store) GetOutput(designID, outputKey string) (*DesignOutput, error) {
	var o DesignOutput
	err := s.db.QueryRow(`
		SELECT design_id, output_key, path, created_at
		FROM design_outputs WHERE design_id = ? AND output_key = ?
	`, designID, outputKey).Scan(&o.DesignID, &o.OutputKey, &o.Path, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get output: %w", err)
	}
	return &o, nil
}

// ListOutputs retrieves all artifacts recorded for a design.
func (s *Store) ListOutputs(designID string) ([]DesignOutput, error) {
	rows, err := s.db.Query(`
		SELECT design_id, output_key, path, created_at
		FROM design_outputs WHERE design_id = ? ORDER BY created_at
	`, designID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outputs: %w", err)
	}
	defer rows.Close()

	var outputs []DesignOutput
	for rows.Next() {
		var o DesignOutput
		if err := rows.Scan(&o.DesignID, &o.OutputKey, &o.Path, &o.CreatedAt); err != nil {
			return nil, err
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}
