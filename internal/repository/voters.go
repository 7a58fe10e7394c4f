package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lvdashuaibi/kioskvote/internal/model"
)

// voterRow 数据库中的选民行
type voterRow struct {
	ID             string
	RFIDTag        sql.NullString
	FaceDescriptor sql.NullString
	FirstName      string
	LastName       string
	YearLevel      sql.NullInt64
	Orgs           sql.NullString
}

// toModel 解码JSON字段并校验，不合法的行返回ErrMalformedRow
func (row voterRow) toModel() (*model.Voter, error) {
	v := &model.Voter{
		ID:        row.ID,
		RFIDTag:   row.RFIDTag.String,
		FirstName: row.FirstName,
		LastName:  row.LastName,
		YearLevel: int(row.YearLevel.Int64),
	}
	if row.FaceDescriptor.Valid && row.FaceDescriptor.String != "" && row.FaceDescriptor.String != "null" {
		if err := json.Unmarshal([]byte(row.FaceDescriptor.String), &v.FaceDescriptor); err != nil {
			return nil, fmt.Errorf("%w: 选民 %s 人脸模板无法解析: %v", ErrMalformedRow, row.ID, err)
		}
	}
	if row.Orgs.Valid && row.Orgs.String != "" && row.Orgs.String != "null" {
		if err := json.Unmarshal([]byte(row.Orgs.String), &v.Orgs); err != nil {
			return nil, fmt.Errorf("%w: 选民 %s 组织信息无法解析: %v", ErrMalformedRow, row.ID, err)
		}
	}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	return v, nil
}

const voterColumns = "id, rfid_tag, face_descriptor, first_name, last_name, year_level, org_affiliations"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVoter(s rowScanner) (*model.Voter, error) {
	var row voterRow
	if err := s.Scan(&row.ID, &row.RFIDTag, &row.FaceDescriptor, &row.FirstName,
		&row.LastName, &row.YearLevel, &row.Orgs); err != nil {
		return nil, err
	}
	return row.toModel()
}

// VoterByRFID 按RFID标签查找选民
func (r *MySQLRepository) VoterByRFID(ctx context.Context, tag string) (*model.Voter, error) {
	query := "SELECT " + voterColumns + " FROM voters WHERE rfid_tag = ?"
	v, err := scanVoter(r.slaveDB.QueryRowContext(ctx, query, tag))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询选民失败: %w", err)
	}
	return v, nil
}

// VoterByID 按ID查找选民
func (r *MySQLRepository) VoterByID(ctx context.Context, id string) (*model.Voter, error) {
	query := "SELECT " + voterColumns + " FROM voters WHERE id = ?"
	v, err := scanVoter(r.slaveDB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询选民失败: %w", err)
	}
	return v, nil
}

// VotersWithFaceData 返回所有登记了人脸模板的选民，用于管理员卡1:N检索
func (r *MySQLRepository) VotersWithFaceData(ctx context.Context) ([]model.Voter, error) {
	query := "SELECT " + voterColumns + " FROM voters WHERE face_descriptor IS NOT NULL"
	rows, err := r.slaveDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询选民人脸模板失败: %w", err)
	}
	defer rows.Close()

	var voters []model.Voter
	for rows.Next() {
		v, err := scanVoter(rows)
		if err != nil {
			if errors.Is(err, ErrMalformedRow) {
				r.log.Sugar().Warnf("跳过不合法的选民行: %v", err)
				continue
			}
			return nil, fmt.Errorf("扫描选民失败: %w", err)
		}
		if v.HasFaceData() {
			voters = append(voters, *v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代选民失败: %w", err)
	}
	return voters, nil
}
