package repository

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS voters (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		rfid_tag VARCHAR(64) NOT NULL,
		face_descriptor JSON NULL,
		first_name VARCHAR(128) NOT NULL DEFAULT '',
		last_name VARCHAR(128) NOT NULL DEFAULT '',
		year_level INT NULL,
		org_affiliations JSON NULL,
		UNIQUE KEY uk_voters_rfid (rfid_tag)
	)`,
	`CREATE TABLE IF NOT EXISTS elections (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		title VARCHAR(255) NOT NULL,
		start_date DATETIME(3) NOT NULL,
		end_date DATETIME(3) NOT NULL,
		is_active TINYINT(1) NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS candidates (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		election_id VARCHAR(64) NOT NULL,
		position VARCHAR(128) NOT NULL,
		position_order INT NOT NULL DEFAULT 0,
		name VARCHAR(255) NOT NULL,
		slate VARCHAR(128) NULL,
		display_order INT NULL,
		KEY idx_candidates_election (election_id, position_order, position, display_order)
	)`,
	`CREATE TABLE IF NOT EXISTS ballot_receipts (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		voter_id VARCHAR(64) NOT NULL,
		election_id VARCHAR(64) NOT NULL,
		kiosk_id VARCHAR(64) NOT NULL,
		digest CHAR(66) NOT NULL,
		signature VARCHAR(160) NOT NULL,
		created_at DATETIME(3) NOT NULL,
		UNIQUE KEY uk_receipts_voter_election (voter_id, election_id)
	)`,
	`CREATE TABLE IF NOT EXISTS votes (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		receipt_id VARCHAR(64) NOT NULL,
		election_id VARCHAR(64) NOT NULL,
		position VARCHAR(128) NOT NULL,
		candidate_id VARCHAR(64) NULL,
		voter_id VARCHAR(64) NOT NULL,
		is_abstain TINYINT(1) NOT NULL DEFAULT 0,
		cast_at DATETIME(3) NOT NULL,
		UNIQUE KEY uk_votes_voter_election_position (voter_id, election_id, position),
		KEY idx_votes_election (election_id, position, candidate_id)
	)`,
	`CREATE TABLE IF NOT EXISTS voter_session_logs (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		voter_id VARCHAR(64) NOT NULL,
		action VARCHAR(32) NOT NULL,
		kiosk_id VARCHAR(64) NOT NULL,
		user_agent VARCHAR(255) NOT NULL DEFAULT '',
		detail VARCHAR(255) NOT NULL DEFAULT '',
		created_at DATETIME(3) NOT NULL,
		KEY idx_session_logs_voter (voter_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS auth_logs (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		event_type VARCHAR(32) NOT NULL,
		voter_id VARCHAR(64) NULL,
		rfid_tag VARCHAR(64) NOT NULL,
		distance_score DOUBLE NULL,
		kiosk_id VARCHAR(64) NOT NULL,
		created_at DATETIME(3) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS anchor_blocks (
		idx BIGINT UNSIGNED NOT NULL PRIMARY KEY,
		job_id VARCHAR(64) NOT NULL,
		ts BIGINT NOT NULL,
		data BLOB NOT NULL,
		prev_hash VARBINARY(32) NOT NULL,
		hash VARBINARY(32) NOT NULL,
		created_at DATETIME(3) NOT NULL,
		UNIQUE KEY uk_anchor_job (job_id)
	)`,
}

// Migrate 创建缺失的表
func (r *MySQLRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("创建表失败: %w", err)
		}
	}
	return nil
}
