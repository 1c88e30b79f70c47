package db

import (
	"database/sql"
	"fmt"
)

// --- Intakes ---

// CreateIntake stores the chat context a design arrived with.
func (s *Store) CreateIntake(i *Intake) error {
	_, err := s.db.Exec(`
		INSERT INTO intakes (design_id, channel, thread_ts, user_id, user_name)
		VALUES (?, ?, ?, ?, ?)
	`, i.DesignID, i.Channel, i.ThreadTS, i.UserID, i.UserName)
	if err != nil {
		return fmt.Errorf("failed to create intake: %w", err)
	}
	return nil
}

// GetIntake retrieves the intake context for a design. Returns nil when the
// design was started without chat context (manual trigger).
func (s *Store) GetIntake(designID string) (*Intake, error) {
	var i Intake
	var channel, threadTS, userID, userName sql.NullString
	err := s.db.QueryRow(`
		SELECT design_id, channel, thread_ts, user_id, user_name, created_at
		FROM intakes WHERE design_id = ?
	`, designID).Scan(&i.DesignID, &channel, &threadTS, &userID, &userName, &i.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intake: %w", err)
	}
	if channel.Valid {
		i.Channel = channel.String
	}
	if threadTS.Valid {
		i.ThreadTS = threadTS.String
	}
	if userID.Valid {
		i.UserID = userID.String
	}
	if userName.Valid {
		i.UserName = userName.String
	}
	return &i, nil
}
