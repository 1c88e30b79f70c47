package db

import (
	"database/sql"
	"fmt"
)

// --- PR states ---

const prColumns = `pr_number, design_id, stage, issue_key, parent_key, feature, branch,
	ci_status, review_status, ci_attempts, review_attempts, created_at, updated_at`

// CreatePRState inserts a new pull-request row. CI and review gates default
// to pending.
func (s *Store) CreatePRState(p *PRState) error {
	if p.Stage == "" {
		p.Stage = PRStageImplementation
	}
	if p.CIStatus == "" {
		p.CIStatus = CheckPending
	}
	if p.ReviewStatus == "" {
		p.ReviewStatus = CheckPending
	}
	_, err := s.db.Exec(`
		INSERT INTO pr_states (pr_number, design_id, stage, issue_key, parent_key, feature, branch, ci_status, review_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.PRNumber, p.DesignID, p.Stage, p.IssueKey, p.ParentKey, p.Feature, p.Branch, p.CIStatus, p.ReviewStatus)
	if err != nil {
		return fmt.Errorf("failed to create pr state: %w", err)
	}
	return nil
}

// GetPRState retrieves a pull request by number. Returns nil when not found.
func (s *Store) GetPRState(prNumber int) (*PRState, error) {
	row := s.db.QueryRow(`SELECT `+prColumns+` FROM pr_states WHERE pr_number = ?`, prNumber)
	p, err := scanPRState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pr state: %w", err)
	}
	return p, nil
}

// GetPRStateByIssueKey retrieves the pull request tied to a tracker issue.
// Returns nil when not found.
func (s *Store) GetPRStateByIssueKey(issueKey string) (*PRState, error) {
	row := s.db.QueryRow(`SELECT `+prColumns+` FROM pr_states WHERE issue_key = ?`, issueKey)
	p, err := scanPRState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pr state by issue: %w", err)
	}
	return p, nil
}

// ListPRStatesByDesign retrieves all pull requests under a design.
func (s *Store) ListPRStatesByDesign(designID string) ([]PRState, error) {
	rows, err := s.db.Query(`
		SELECT `+prColumns+` FROM pr_states WHERE design_id = ? ORDER BY pr_number
	`, designID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pr states: %w", err)
	}
	defer rows.Close()

	var states []PRState
	for rows.Next() {
		p, err := scanPRState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *p)
	}
	return states, rows.Err()
}

// UpdatePRStage sets the lifecycle stage of a pull request.
func (s *Store) UpdatePRStage(prNumber int, stage PRStage) error {
	_, err := s.db.Exec(`
		UPDATE pr_states SET stage = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE pr_number = ?
	`, stage, prNumber)
	if err != nil {
		return fmt.Errorf("failed to update pr stage: %w", err)
	}
	return nil
}

// UpdateCIStatus sets the CI gate of a pull request.
func (s *Store) UpdateCIStatus(prNumber int, status CheckStatus) error {
	_, err := s.db.Exec(`
		UPDATE pr_states SET ci_status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE pr_number = ?
	`, status, prNumber)
	if err != nil {
		return fmt.Errorf("failed to update ci status: %w", err)
	}
	return nil
}

// UpdateReviewStatus sets the review gate of a pull request.
func (s *Store) UpdateReviewStatus(prNumber int, status CheckStatus) error {
	_, err := s.db.Exec(`
		UPDATE pr_states SET review_status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE pr_number = ?
	`, status, prNumber)
	if err != nil {
		return fmt.Errorf("failed to update review status: %w", err)
	}
	return nil
}

// IncrementCIAttempts bumps the CI fix counter and returns the new value.
func (s *Store) IncrementCIAttempts(prNumber int) (int, error) {
	return s.incrementPRCounter(prNumber, "ci_attempts")
}

// IncrementPRReviewAttempts bumps the review fix counter and returns the new value.
func (s *Store) IncrementPRReviewAttempts(prNumber int) (int, error) {
	return s.incrementPRCounter(prNumber, "review_attempts")
}

func (s *Store) incrementPRCounter(prNumber int, column string) (int, error) {
	_, err := s.db.Exec(`
		UPDATE pr_states SET `+column+` = `+column+` + 1,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE pr_number = ?
	`, prNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", column, err)
	}
	var attempts int
	if err := s.db.QueryRow(`SELECT `+column+` FROM pr_states WHERE pr_number = ?`, prNumber).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", column, err)
	}
	return attempts, nil
}

// ResetCIAttempts zeroes the CI fix counter (manual retry endpoint).
func (s *Store) ResetCIAttempts(prNumber int) error {
	return s.resetPRCounter(prNumber, "ci_attempts")
}

// ResetPRReviewAttempts zeroes the review fix counter (manual retry endpoint).
func (s *Store) ResetPRReviewAttempts(prNumber int) error {
	return s.resetPRCounter(prNumber, "review_attempts")
}

func (s *Store) resetPRCounter(prNumber int, column string) error {
	_, err := s.db.Exec(`
		UPDATE pr_states SET `+column+` = 0,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE pr_number = ?
	`, prNumber)
	if err != nil {
		return fmt.Errorf("failed to reset %s: %w", column, err)
	}
	return nil
}

// ReadyForHuman reports whether both gates pass: CI passing and review passing.
func (s *Store) ReadyForHuman(prNumber int) (bool, error) {
	var ci, review CheckStatus
	err := s.db.QueryRow(`
		SELECT ci_status, review_status FROM pr_states WHERE pr_number = ?
	`, prNumber).Scan(&ci, &review)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check ready for human: %w", err)
	}
	return ci == CheckPassing && review == CheckPassing, nil
}

// AllSiblingsMerged reports whether every pull request under a design has
// merged. A design with no pull requests yet reports false.
func (s *Store) AllSiblingsMerged(designID string) (bool, error) {
	var total, merged int
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(stage = ?), 0)
		FROM pr_states WHERE design_id = ?
	`, PRStageMerged, designID).Scan(&total, &merged)
	if err != nil {
		return false, fmt.Errorf("failed to check siblings: %w", err)
	}
	if total == 0 {
		return false, nil
	}
	return merged == total, nil
}

func scanPRState(sc scanner) (*PRState, error) {
	var p PRState
	var parentKey, feature, branch sql.NullString
	err := sc.Scan(&p.PRNumber, &p.DesignID, &p.Stage, &p.IssueKey,
		&parentKey, &feature, &branch,
		&p.CIStatus, &p.ReviewStatus, &p.CIAttempts, &p.ReviewAttempts,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if parentKey.Valid {
		p.ParentKey = parentKey.String
	}
	if feature.Valid {
		p.Feature = feature.String
	}
	if branch.Valid {
		p.Branch = branch.String
	}
	return &p, nil
}
