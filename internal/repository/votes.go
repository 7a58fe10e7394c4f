package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lvdashuaibi/kioskvote/internal/model"
)

// RecordElection 在一个事务中写入一场选举的回执和全部投票行
//
// ballot_receipts 在 (voter_id, election_id) 上唯一，重复提交时整场
// 选举回滚并返回 ErrAlreadyVoted，因此重试是安全的。
func (r *MySQLRepository) RecordElection(ctx context.Context, receipt model.BallotReceipt, votes []model.Vote) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ballot_receipts (id, voter_id, election_id, kiosk_id, digest, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		receipt.ID, receipt.VoterID, receipt.ElectionID, receipt.KioskID,
		receipt.Digest, receipt.Signature, receipt.CreatedAt,
	)
	if err != nil {
		tx.Rollback()
		if isDuplicateEntry(err) {
			return ErrAlreadyVoted
		}
		return fmt.Errorf("写入选票回执失败: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO votes (receipt_id, election_id, position, candidate_id, voter_id, is_abstain, cast_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("准备投票语句失败: %w", err)
	}
	defer stmt.Close()

	for _, v := range votes {
		var candidateID sql.NullString
		if v.CandidateID != nil {
			candidateID = sql.NullString{String: *v.CandidateID, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, receipt.ID, v.ElectionID, v.Position, candidateID,
			v.VoterID, v.IsAbstain, v.CastAt); err != nil {
			tx.Rollback()
			if isDuplicateEntry(err) {
				return ErrAlreadyVoted
			}
			return fmt.Errorf("写入投票失败: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// VotedElections 返回选民已投过票的选举ID
func (r *MySQLRepository) VotedElections(ctx context.Context, voterID string) ([]string, error) {
	rows, err := r.slaveDB.QueryContext(ctx,
		"SELECT election_id FROM ballot_receipts WHERE voter_id = ?", voterID)
	if err != nil {
		return nil, fmt.Errorf("查询投票记录失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("扫描投票记录失败: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Results 按职位和候选人统计票数，弃权单独成行
func (r *MySQLRepository) Results(ctx context.Context, electionID string) ([]model.ResultRow, error) {
	query := `SELECT v.position, COALESCE(v.candidate_id, ''), COALESCE(c.name, ''), v.is_abstain, COUNT(*)
			  FROM votes v
			  LEFT JOIN candidates c ON c.id = v.candidate_id
			  WHERE v.election_id = ?
			  GROUP BY v.position, v.candidate_id, c.name, v.is_abstain
			  ORDER BY v.position, COUNT(*) DESC`
	rows, err := r.slaveDB.QueryContext(ctx, query, electionID)
	if err != nil {
		return nil, fmt.Errorf("统计票数失败: %w", err)
	}
	defer rows.Close()

	var results []model.ResultRow
	for rows.Next() {
		row := model.ResultRow{ElectionID: electionID}
		if err := rows.Scan(&row.Position, &row.CandidateID, &row.CandidateName, &row.IsAbstain, &row.Votes); err != nil {
			return nil, fmt.Errorf("扫描统计结果失败: %w", err)
		}
		if row.IsAbstain {
			row.CandidateName = model.AbstainName
		}
		results = append(results, row)
	}
	return results, rows.Err()
}
