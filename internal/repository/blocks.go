package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/kioskvote/internal/model"
)

// ErrBlockConflict 区块高度已被其他终端占用
var ErrBlockConflict = errors.New("anchor block index already taken")

// LatestBlock 返回链尾区块，空链时返回nil
func (r *MySQLRepository) LatestBlock(ctx context.Context) (*model.AnchorBlock, error) {
	row := r.masterDB.QueryRowContext(ctx,
		`SELECT idx, job_id, ts, data, prev_hash, hash, created_at
		 FROM anchor_blocks ORDER BY idx DESC LIMIT 1`)
	b, err := scanBlock(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询链尾区块失败: %w", err)
	}
	return b, nil
}

// AppendBlock 写入区块，高度冲突时返回ErrBlockConflict
func (r *MySQLRepository) AppendBlock(ctx context.Context, b *model.AnchorBlock) error {
	_, err := r.masterDB.ExecContext(ctx,
		`INSERT INTO anchor_blocks (idx, job_id, ts, data, prev_hash, hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.Index, b.JobID, b.Timestamp, b.Data, b.PrevHash, b.Hash, b.CreatedAt)
	if err != nil {
		if isDuplicateEntry(err) {
			return ErrBlockConflict
		}
		return fmt.Errorf("写入区块失败: %w", err)
	}
	return nil
}

// BlockByJob 按提交任务查找区块
func (r *MySQLRepository) BlockByJob(ctx context.Context, jobID string) (*model.AnchorBlock, error) {
	row := r.slaveDB.QueryRowContext(ctx,
		`SELECT idx, job_id, ts, data, prev_hash, hash, created_at
		 FROM anchor_blocks WHERE job_id = ?`, jobID)
	b, err := scanBlock(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询区块失败: %w", err)
	}
	return b, nil
}

// Blocks 按高度顺序返回区块
func (r *MySQLRepository) Blocks(ctx context.Context, from uint64, limit int) ([]model.AnchorBlock, error) {
	rows, err := r.slaveDB.QueryContext(ctx,
		`SELECT idx, job_id, ts, data, prev_hash, hash, created_at
		 FROM anchor_blocks WHERE idx >= ? ORDER BY idx LIMIT ?`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("查询区块失败: %w", err)
	}
	defer rows.Close()

	var blocks []model.AnchorBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描区块失败: %w", err)
		}
		blocks = append(blocks, *b)
	}
	return blocks, rows.Err()
}

func scanBlock(s rowScanner) (*model.AnchorBlock, error) {
	var (
		b         model.AnchorBlock
		createdAt time.Time
	)
	if err := s.Scan(&b.Index, &b.JobID, &b.Timestamp, &b.Data, &b.PrevHash, &b.Hash, &createdAt); err != nil {
		return nil, err
	}
	b.CreatedAt = createdAt
	return &b, nil
}
