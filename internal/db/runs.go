package db

import (
	"database/sql"
	"fmt"
)

// --- Agent runs ---

// StartAgentRun records a supervised subprocess starting.
func (s *Store) StartAgentRun(r *AgentRun) error {
	if r.Status == "" {
		r.Status = "running"
	}
	_, err := s.db.Exec(`
		INSERT INTO agent_runs (id, design_id, agent, task, status, pr_number, output_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.DesignID, r.Agent, r.Task, r.Status, nullableInt(r.PRNumber), r.OutputKey)
	if err != nil {
		return fmt.Errorf("failed to start agent run: %w", err)
	}
	return nil
}

// FinishAgentRun closes a run with its outcome and accounting fields.
func (s *Store) FinishAgentRun(id string, success bool, costUSD float64, durationMS int64, numTurns int, sessionID string) error {
	status := "completed"
	if !success {
		status = "failed"
	}
	_, err := s.db.Exec(`
		UPDATE agent_runs SET status = ?, success = ?, cost_usd = ?, duration_ms = ?,
			num_turns = ?, session_id = ?,
			finished_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, status, success, costUSD, durationMS, numTurns, sessionID, id)
	if err != nil {
		return fmt.Errorf("failed to finish agent run: %w", err)
	}
	return nil
}

// CleanupOrphanRuns marks runs still in running state as failed. Called at
// startup; a run left running means the process died under it.
func (s *Store) CleanupOrphanRuns() (int, error) {
	res, err := s.db.Exec(`
		UPDATE agent_runs SET status = 'failed',
			finished_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = 'running'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up orphan runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// IsAgentActive reports whether a run for (design, agent) is currently marked
// running. Backs the one-job-per-stage rule.
func (s *Store) IsAgentActive(designID, agent string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM agent_runs
		WHERE design_id = ? AND agent = ? AND status = 'running'
	`, designID, agent).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check active runs: %w", err)
	}
	return n > 0, nil
}

// IsAgentActiveForPR reports whether any run is currently working a PR.
// Fix jobs for the same PR must not race each other in separate worktrees.
func (s *Store) IsAgentActiveForPR(prNumber int) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM agent_runs
		WHERE pr_number = ? AND status = 'running'
	`, prNumber).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check active runs for pr: %w", err)
	}
	return n > 0, nil
}

// ListAgentRuns retrieves the audit trail for a design, newest first.
func (s *Store) ListAgentRuns(designID string) ([]AgentRun, error) {
	rows, err := s.db.Query(`
		SELECT id, design_id, agent, task, status, success, pr_number, output_key,
			cost_usd, duration_ms, num_turns, session_id, started_at, finished_at
		FROM agent_runs WHERE design_id = ? ORDER BY started_at DESC
	`, designID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent runs: %w", err)
	}
	defer rows.Close()

	var runs []AgentRun
	for rows.Next() {
		var r AgentRun
		var prNumber sql.NullInt64
		var outputKey, sessionID, finishedAt sql.NullString
		err := rows.Scan(&r.ID, &r.DesignID, &r.Agent, &r.Task, &r.Status, &r.Success,
			&prNumber, &outputKey, &r.CostUSD, &r.DurationMS, &r.NumTurns,
			&sessionID, &r.StartedAt, &finishedAt)
		if err != nil {
			return nil, err
		}
		if prNumber.Valid {
			r.PRNumber = int(prNumber.Int64)
		}
		if outputKey.Valid {
			r.OutputKey = outputKey.String
		}
		if sessionID.Valid {
			r.SessionID = sessionID.String
		}
		if finishedAt.Valid {
			r.FinishedAt = finishedAt.String
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// nullableInt maps zero to NULL for optional integer columns.
func nullableInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
