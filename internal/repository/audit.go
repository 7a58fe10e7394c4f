package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lvdashuaibi/kioskvote/internal/model"
)

// InsertSessionEvent 追加一条会话审计日志
func (r *MySQLRepository) InsertSessionEvent(ctx context.Context, e model.SessionEvent) error {
	_, err := r.masterDB.ExecContext(ctx,
		`INSERT INTO voter_session_logs (voter_id, action, kiosk_id, user_agent, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.VoterID, string(e.Action), e.KioskID, e.UserAgent, e.Detail, e.Timestamp)
	if err != nil {
		return fmt.Errorf("写入会话日志失败: %w", err)
	}
	return nil
}

// InsertAuthAttempt 追加一条认证安全日志
func (r *MySQLRepository) InsertAuthAttempt(ctx context.Context, a model.AuthAttempt) error {
	var voterID sql.NullString
	if a.VoterID != "" {
		voterID = sql.NullString{String: a.VoterID, Valid: true}
	}
	var distance sql.NullFloat64
	if a.Distance != nil {
		distance = sql.NullFloat64{Float64: *a.Distance, Valid: true}
	}
	_, err := r.masterDB.ExecContext(ctx,
		`INSERT INTO auth_logs (event_type, voter_id, rfid_tag, distance_score, kiosk_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(a.EventType), voterID, a.RFIDTag, distance, a.KioskID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("写入认证日志失败: %w", err)
	}
	return nil
}

// SessionEvents 按时间倒序返回选民的会话日志
func (r *MySQLRepository) SessionEvents(ctx context.Context, voterID string, limit int) ([]model.SessionEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.slaveDB.QueryContext(ctx,
		`SELECT id, voter_id, action, kiosk_id, user_agent, detail, created_at
		 FROM voter_session_logs
		 WHERE voter_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, voterID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询会话日志失败: %w", err)
	}
	defer rows.Close()

	var events []model.SessionEvent
	for rows.Next() {
		var (
			e      model.SessionEvent
			action string
		)
		if err := rows.Scan(&e.ID, &e.VoterID, &action, &e.KioskID, &e.UserAgent, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("扫描会话日志失败: %w", err)
		}
		e.Action = model.SessionAction(action)
		events = append(events, e)
	}
	return events, rows.Err()
}
