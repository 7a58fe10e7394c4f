package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AbstainID 弃权选择使用的候选人哨兵ID
const (
	AbstainID    = "ABSTAIN"
	AbstainName  = "ABSTAIN"
	AbstainSlate = "N/A"
)

// Voter 选民身份记录，终端只读
type Voter struct {
	ID             string    `json:"id"`
	RFIDTag        string    `json:"rfidTag"`
	FaceDescriptor []float64 `json:"-"`
	FirstName      string    `json:"firstName"`
	LastName       string    `json:"lastName"`
	YearLevel      int       `json:"yearLevel"`
	Orgs           []string  `json:"orgs"`
}

// HasFaceData 选民是否登记了人脸模板
func (v *Voter) HasFaceData() bool {
	return len(v.FaceDescriptor) > 0
}

func (v *Voter) FullName() string {
	return strings.TrimSpace(v.FirstName + " " + v.LastName)
}

func (v *Voter) Validate() error {
	if v.ID == "" {
		return errors.New("voter id为空")
	}
	if v.RFIDTag == "" {
		return fmt.Errorf("选民 %s 缺少rfid_tag", v.ID)
	}
	return nil
}

// Election 选举
type Election struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	IsActive  bool      `json:"isActive"`
}

// IsOpen 选举在now时刻是否可投票: start <= now < end
func (e *Election) IsOpen(now time.Time) bool {
	return e.IsActive && !now.Before(e.StartDate) && now.Before(e.EndDate)
}

// IsExpired 选举在now时刻是否已结束，end == now 视为已结束
func (e *Election) IsExpired(now time.Time) bool {
	return e.IsActive && !now.Before(e.EndDate)
}

func (e *Election) IsUpcoming(now time.Time) bool {
	return e.IsActive && now.Before(e.StartDate)
}

func (e *Election) Validate() error {
	if e.ID == "" {
		return errors.New("election id为空")
	}
	if e.Title == "" {
		return fmt.Errorf("选举 %s 缺少标题", e.ID)
	}
	if e.StartDate.IsZero() || e.EndDate.IsZero() {
		return fmt.Errorf("选举 %s 缺少起止时间", e.ID)
	}
	if !e.EndDate.After(e.StartDate) {
		return fmt.Errorf("选举 %s 结束时间早于开始时间", e.ID)
	}
	return nil
}

// Candidate 候选人
type Candidate struct {
	ID            string `json:"id"`
	ElectionID    string `json:"electionId"`
	Position      string `json:"position"`
	PositionOrder int    `json:"positionOrder"`
	Name          string `json:"name"`
	Slate         string `json:"slate"`
	DisplayOrder  int    `json:"displayOrder"`
}

func (c *Candidate) Validate() error {
	if c.ID == "" || c.ElectionID == "" {
		return errors.New("候选人缺少id或election_id")
	}
	if c.Position == "" {
		return fmt.Errorf("候选人 %s 缺少职位", c.ID)
	}
	if c.Name == "" {
		return fmt.Errorf("候选人 %s 缺少姓名", c.ID)
	}
	return nil
}

// PositionBallot 一个职位及其候选人
type PositionBallot struct {
	Position   string      `json:"position"`
	Candidates []Candidate `json:"candidates"`
}

// Ballot 一场选举的选票
type Ballot struct {
	ElectionID string           `json:"electionId"`
	Positions  []PositionBallot `json:"positions"`
}

// CandidateSelection 选民在某职位上的选择，仅保存在内存中
type CandidateSelection struct {
	ElectionID    string `json:"electionId"`
	Position      string `json:"position"`
	CandidateID   string `json:"candidateId"`
	CandidateName string `json:"candidateName"`
	Slate         string `json:"slate"`
}

func (s CandidateSelection) IsAbstain() bool {
	return s.CandidateID == AbstainID
}

// AbstainSelection 构造弃权选择
func AbstainSelection(electionID, position string) CandidateSelection {
	return CandidateSelection{
		ElectionID:    electionID,
		Position:      position,
		CandidateID:   AbstainID,
		CandidateName: AbstainName,
		Slate:         AbstainSlate,
	}
}

// VoterSession 选民当前的投票会话租约
type VoterSession struct {
	VoterID   string    `json:"voterId"`
	Token     string    `json:"token"`
	KioskID   string    `json:"kioskId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Vote 一行投票记录，弃权时CandidateID为nil
type Vote struct {
	ID          int64     `json:"id"`
	ElectionID  string    `json:"electionId"`
	Position    string    `json:"position"`
	CandidateID *string   `json:"candidateId"`
	VoterID     string    `json:"voterId"`
	IsAbstain   bool      `json:"isAbstain"`
	ReceiptID   string    `json:"receiptId"`
	CastAt      time.Time `json:"castAt"`
}

// VoteFromSelection 将内存选择转换为投票记录
func VoteFromSelection(voterID string, s CandidateSelection) Vote {
	v := Vote{
		ElectionID: s.ElectionID,
		Position:   s.Position,
		VoterID:    voterID,
		IsAbstain:  s.IsAbstain(),
	}
	if !v.IsAbstain {
		id := s.CandidateID
		v.CandidateID = &id
	}
	return v
}

// SessionAction 会话审计动作
type SessionAction string

const (
	ActionSessionStart      SessionAction = "session_start"
	ActionSessionExtend     SessionAction = "session_extend"
	ActionSessionEnd        SessionAction = "session_end"
	ActionSimultaneousBlock SessionAction = "simultaneous_block"
)

// SessionEvent 会话审计日志
type SessionEvent struct {
	ID        int64         `json:"id"`
	VoterID   string        `json:"voterId"`
	Action    SessionAction `json:"action"`
	KioskID   string        `json:"kioskId"`
	UserAgent string        `json:"userAgent"`
	Detail    string        `json:"detail,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// AuthEventType 认证失败或特权操作的安全日志类型
type AuthEventType string

const (
	AuthRFIDNotFound   AuthEventType = "RFID_NOT_FOUND"
	AuthNoFaceData     AuthEventType = "NO_FACE_DATA"
	AuthFaceMismatch   AuthEventType = "FACE_MISMATCH"
	AuthMasterOverride AuthEventType = "MASTER_OVERRIDE"
)

// AuthAttempt 认证安全日志
type AuthAttempt struct {
	ID        int64         `json:"id"`
	EventType AuthEventType `json:"eventType"`
	VoterID   string        `json:"voterId,omitempty"`
	RFIDTag   string        `json:"rfidTag"`
	Distance  *float64      `json:"distance,omitempty"`
	KioskID   string        `json:"kioskId"`
	CreatedAt time.Time     `json:"createdAt"`
}

// BallotReceipt 每个(选民, 选举)一张回执
type BallotReceipt struct {
	ID         string    `json:"id"`
	VoterID    string    `json:"voterId"`
	ElectionID string    `json:"electionId"`
	KioskID    string    `json:"kioskId"`
	Digest     string    `json:"digest"`
	Signature  string    `json:"signature"`
	CreatedAt  time.Time `json:"createdAt"`
}

// OutcomeStatus 单场选举的提交结果
type OutcomeStatus string

const (
	OutcomeRecorded     OutcomeStatus = "recorded"
	OutcomeAlreadyVoted OutcomeStatus = "already_voted"
	OutcomeFailed       OutcomeStatus = "failed"
)

type ElectionOutcome struct {
	ElectionID string        `json:"electionId"`
	Status     OutcomeStatus `json:"status"`
	ReceiptID  string        `json:"receiptId,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// JobStatus 提交任务状态
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRecorded  JobStatus = "recorded"
	JobAnchored  JobStatus = "anchored"
	JobConfirmed JobStatus = "confirmed"
	JobFailed    JobStatus = "failed"
)

// Rank 状态顺序，用于只前进的状态更新
func (s JobStatus) Rank() int {
	switch s {
	case JobPending:
		return 0
	case JobRecorded:
		return 1
	case JobAnchored:
		return 2
	case JobConfirmed:
		return 3
	case JobFailed:
		return 4
	}
	return -1
}

// Terminal 任务是否已结束
func (s JobStatus) Terminal() bool {
	return s == JobConfirmed || s == JobFailed
}

// SubmissionJob 最终提交任务
type SubmissionJob struct {
	ID        string            `json:"id"`
	VoterID   string            `json:"voterId"`
	KioskID   string            `json:"kioskId"`
	Status    JobStatus         `json:"status"`
	Outcomes  []ElectionOutcome `json:"outcomes"`
	TxHash    string            `json:"txHash,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// AnchorEvent Kafka锚定事件
type AnchorEvent struct {
	JobID      string    `json:"jobId"`
	VoterID    string    `json:"voterId"`
	KioskID    string    `json:"kioskId"`
	ReceiptIDs []string  `json:"receiptIds"`
	Digests    []string  `json:"digests"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AnchorBlock 账本中的一个区块
type AnchorBlock struct {
	Index     uint64    `json:"index"`
	Timestamp int64     `json:"timestamp"`
	JobID     string    `json:"jobId"`
	Data      []byte    `json:"data"`
	PrevHash  []byte    `json:"prevHash"`
	Hash      []byte    `json:"hash"`
	CreatedAt time.Time `json:"createdAt"`
}

// ResultRow 计票结果行，弃权行CandidateID为空
type ResultRow struct {
	ElectionID    string `json:"electionId"`
	Position      string `json:"position"`
	CandidateID   string `json:"candidateId"`
	CandidateName string `json:"candidateName"`
	Votes         int    `json:"votes"`
	IsAbstain     bool   `json:"isAbstain"`
}

// JobPatch 状态推进时附带写入的字段
type JobPatch struct {
	Outcomes []ElectionOutcome
	TxHash   string
	Error    string
	At       time.Time
}
