package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lvdashuaibi/kioskvote/internal/model"
)

const electionColumns = "id, title, start_date, end_date, is_active"

func scanElection(s rowScanner) (*model.Election, error) {
	var e model.Election
	if err := s.Scan(&e.ID, &e.Title, &e.StartDate, &e.EndDate, &e.IsActive); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	return &e, nil
}

// ListElections 返回全部选举，不合法的行被跳过并记录日志
func (r *MySQLRepository) ListElections(ctx context.Context) ([]model.Election, error) {
	query := "SELECT " + electionColumns + " FROM elections ORDER BY start_date"
	rows, err := r.slaveDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询选举失败: %w", err)
	}
	defer rows.Close()

	var elections []model.Election
	for rows.Next() {
		e, err := scanElection(rows)
		if err != nil {
			if errors.Is(err, ErrMalformedRow) {
				r.log.Sugar().Warnf("跳过不合法的选举行: %v", err)
				continue
			}
			return nil, fmt.Errorf("扫描选举失败: %w", err)
		}
		elections = append(elections, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代选举失败: %w", err)
	}
	return elections, nil
}

func (r *MySQLRepository) ElectionByID(ctx context.Context, id string) (*model.Election, error) {
	query := "SELECT " + electionColumns + " FROM elections WHERE id = ?"
	e, err := scanElection(r.slaveDB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询选举失败: %w", err)
	}
	return e, nil
}

// CandidatesForElection 按职位、显示顺序返回候选人
func (r *MySQLRepository) CandidatesForElection(ctx context.Context, electionID string) ([]model.Candidate, error) {
	query := `SELECT id, election_id, position, position_order, name, slate, display_order
			  FROM candidates
			  WHERE election_id = ?
			  ORDER BY position_order, position, display_order`
	rows, err := r.slaveDB.QueryContext(ctx, query, electionID)
	if err != nil {
		return nil, fmt.Errorf("查询候选人失败: %w", err)
	}
	defer rows.Close()

	var candidates []model.Candidate
	for rows.Next() {
		var (
			c            model.Candidate
			slate        sql.NullString
			displayOrder sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.ElectionID, &c.Position, &c.PositionOrder,
			&c.Name, &slate, &displayOrder); err != nil {
			return nil, fmt.Errorf("扫描候选人失败: %w", err)
		}
		c.Slate = slate.String
		c.DisplayOrder = int(displayOrder.Int64)
		if err := c.Validate(); err != nil {
			r.log.Sugar().Warnf("跳过不合法的候选人行: %v", err)
			continue
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代候选人失败: %w", err)
	}
	return candidates, nil
}
