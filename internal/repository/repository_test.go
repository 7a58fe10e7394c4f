package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/kioskvote/internal/model"
)

func TestIsDuplicateEntry(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if !isDuplicateEntry(dup) {
		t.Fatalf("expected 1062 to be duplicate")
	}
	if !isDuplicateEntry(fmt.Errorf("insert: %w", dup)) {
		t.Fatalf("expected wrapped 1062 to be duplicate")
	}
	if isDuplicateEntry(&mysql.MySQLError{Number: 1452}) {
		t.Fatalf("foreign key error is not a duplicate")
	}
	if isDuplicateEntry(errors.New("boom")) {
		t.Fatalf("plain error is not a duplicate")
	}
}

func TestVoterRowToModel(t *testing.T) {
	row := voterRow{
		ID:             "v1",
		RFIDTag:        sql.NullString{String: "1234567890", Valid: true},
		FaceDescriptor: sql.NullString{String: "[0.1,0.2,0.3]", Valid: true},
		FirstName:      "Ana",
		LastName:       "Cruz",
		YearLevel:      sql.NullInt64{Int64: 3, Valid: true},
		Orgs:           sql.NullString{String: `["ICPEP"]`, Valid: true},
	}
	v, err := row.toModel()
	if err != nil {
		t.Fatalf("toModel: %v", err)
	}
	if len(v.FaceDescriptor) != 3 || !v.HasFaceData() {
		t.Fatalf("descriptor not decoded: %v", v.FaceDescriptor)
	}
	if v.FullName() != "Ana Cruz" || v.YearLevel != 3 || len(v.Orgs) != 1 {
		t.Fatalf("unexpected voter %+v", v)
	}

	noFace := row
	noFace.FaceDescriptor = sql.NullString{}
	v, err = noFace.toModel()
	if err != nil || v.HasFaceData() {
		t.Fatalf("expected voter without face data, got %+v %v", v, err)
	}
}

func TestVoterRowRejectsMalformed(t *testing.T) {
	cases := map[string]voterRow{
		"bad descriptor": {ID: "v1", RFIDTag: sql.NullString{String: "1234", Valid: true},
			FaceDescriptor: sql.NullString{String: "{not json", Valid: true}},
		"missing tag": {ID: "v2"},
	}
	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := row.toModel(); !errors.Is(err, ErrMalformedRow) {
				t.Fatalf("expected ErrMalformedRow, got %v", err)
			}
		})
	}
}

func TestDecodeJob(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	data := map[string]string{
		"voterId":   "v1",
		"kioskId":   "kiosk-1",
		"status":    "anchored",
		"outcomes":  `[{"electionId":"e1","status":"recorded"}]`,
		"txHash":    "0xabc",
		"createdAt": created.Format(time.RFC3339Nano),
		"updatedAt": created.Add(time.Second).Format(time.RFC3339Nano),
	}
	job, err := decodeJob("job-1", data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != model.JobAnchored || job.TxHash != "0xabc" {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(job.Outcomes) != 1 || job.Outcomes[0].Status != model.OutcomeRecorded {
		t.Fatalf("unexpected outcomes %+v", job.Outcomes)
	}
	if !job.CreatedAt.Equal(created) {
		t.Fatalf("unexpected createdAt %s", job.CreatedAt)
	}

	data["status"] = "lost"
	if _, err := decodeJob("job-1", data); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("expected ErrMalformedRow for unknown status, got %v", err)
	}
}
