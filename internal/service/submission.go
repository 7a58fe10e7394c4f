package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/kioskvote/internal/ballot"
	"github.com/lvdashuaibi/kioskvote/internal/ledger"
	"github.com/lvdashuaibi/kioskvote/internal/metrics"
	"github.com/lvdashuaibi/kioskvote/internal/model"
	"github.com/lvdashuaibi/kioskvote/internal/repository"
	"go.uber.org/zap"
)

// JobStore 提交任务状态存储，AdvanceJob只允许状态前进
type JobStore interface {
	CreateJob(ctx context.Context, job *model.SubmissionJob) error
	AdvanceJob(ctx context.Context, id string, to model.JobStatus, patch model.JobPatch) (bool, error)
	GetJob(ctx context.Context, id string) (*model.SubmissionJob, error)
}

// VoteRecorder 一场选举的回执和投票在一个事务中写入
type VoteRecorder interface {
	RecordElection(ctx context.Context, receipt model.BallotReceipt, votes []model.Vote) error
}

type Anchorer interface {
	Anchor(ctx context.Context, jobID string, payload []byte) (*model.AnchorBlock, error)
}

// AnchorPublisher 把锚定任务交给消息队列
type AnchorPublisher interface {
	SendAnchorEvent(ctx context.Context, e *model.AnchorEvent) error
}

// Signer 终端对回执摘要签名
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// SubmissionService 最终提交: 逐场选举写入投票，随后异步锚定到账本
type SubmissionService struct {
	votes   VoteRecorder
	jobs    JobStore
	ledger  Anchorer
	signer  Signer
	pub     AnchorPublisher
	kioskID string
	now     func() time.Time
	metrics *metrics.Metrics
	log     *zap.Logger

	mu        sync.Mutex
	submitted map[string]submission // 选民ID -> 最近一次提交
	wg        sync.WaitGroup
}

type submission struct {
	fingerprint string
	jobID       string
}

// NewSubmissionService pub为nil时在进程内锚定
func NewSubmissionService(votes VoteRecorder, jobs JobStore, l Anchorer, signer Signer, pub AnchorPublisher,
	kioskID string, now func() time.Time, m *metrics.Metrics, log *zap.Logger) *SubmissionService {
	if now == nil {
		now = time.Now
	}
	return &SubmissionService{
		votes:     votes,
		jobs:      jobs,
		ledger:    l,
		signer:    signer,
		pub:       pub,
		kioskID:   kioskID,
		now:       now,
		metrics:   m,
		log:       log,
		submitted: make(map[string]submission),
	}
}

type electionBallot struct {
	electionID string
	selections []model.CandidateSelection
}

// groupByElection 保持选举首次出现的顺序
func groupByElection(selections []model.CandidateSelection) []electionBallot {
	var out []electionBallot
	index := make(map[string]int)
	for _, s := range selections {
		i, ok := index[s.ElectionID]
		if !ok {
			i = len(out)
			index[s.ElectionID] = i
			out = append(out, electionBallot{electionID: s.ElectionID})
		}
		out[i].selections = append(out[i].selections, s)
	}
	return out
}

func fingerprint(voterID string, groups []electionBallot) string {
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		parts = append(parts, ledger.Hex(ledger.ReceiptDigest(voterID, g.electionID, g.selections)))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Submit 写入全部选择并返回任务快照
//
// 每场选举独立成事务: 重复提交得到already_voted，其它错误得到failed，
// 互不影响。同一份选择重复提交时返回同一个任务。
func (s *SubmissionService) Submit(ctx context.Context, voterID string, selections []model.CandidateSelection) (*model.SubmissionJob, error) {
	if len(selections) == 0 {
		return nil, ballot.ErrNoSelection
	}
	groups := groupByElection(selections)
	fp := fingerprint(voterID, groups)

	s.mu.Lock()
	if prev, ok := s.submitted[voterID]; ok && prev.fingerprint == fp {
		s.mu.Unlock()
		s.log.Info("重复提交，返回已有任务", zap.String("voter", voterID), zap.String("job", prev.jobID))
		return s.jobs.GetJob(ctx, prev.jobID)
	}
	now := s.now()
	job := &model.SubmissionJob{
		ID:        uuid.NewString(),
		VoterID:   voterID,
		KioskID:   s.kioskID,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("创建提交任务失败: %w", err)
	}
	s.submitted[voterID] = submission{fingerprint: fp, jobID: job.ID}
	s.mu.Unlock()
	s.countJob(model.JobPending)

	event := &model.AnchorEvent{JobID: job.ID, VoterID: voterID, KioskID: s.kioskID, CreatedAt: now}
	outcomes := make([]model.ElectionOutcome, 0, len(groups))
	for _, g := range groups {
		outcome, receipt := s.recordElection(ctx, voterID, g)
		outcomes = append(outcomes, outcome)
		if receipt != nil {
			event.ReceiptIDs = append(event.ReceiptIDs, receipt.ID)
			event.Digests = append(event.Digests, receipt.Digest)
		}
	}

	job.Outcomes = outcomes
	job.Status = model.JobRecorded
	job.UpdatedAt = s.now()
	if _, err := s.jobs.AdvanceJob(ctx, job.ID, model.JobRecorded, model.JobPatch{Outcomes: outcomes, At: job.UpdatedAt}); err != nil {
		s.log.Error("更新任务状态失败", zap.String("job", job.ID), zap.Error(err))
	}
	s.countJob(model.JobRecorded)

	if len(event.ReceiptIDs) == 0 {
		// 没有新回执，不需要锚定
		s.finish(ctx, job.ID, outcomes, "")
		return s.jobs.GetJob(ctx, job.ID)
	}

	s.dispatch(ctx, event)
	return job, nil
}

func (s *SubmissionService) recordElection(ctx context.Context, voterID string, g electionBallot) (model.ElectionOutcome, *model.BallotReceipt) {
	outcome := model.ElectionOutcome{ElectionID: g.electionID}
	now := s.now()

	digest := ledger.ReceiptDigest(voterID, g.electionID, g.selections)
	sig, err := s.signer.Sign(digest)
	if err != nil {
		outcome.Status = model.OutcomeFailed
		outcome.Error = fmt.Sprintf("签名失败: %v", err)
		s.countVote(outcome.Status)
		return outcome, nil
	}

	receipt := model.BallotReceipt{
		ID:         uuid.NewString(),
		VoterID:    voterID,
		ElectionID: g.electionID,
		KioskID:    s.kioskID,
		Digest:     ledger.Hex(digest),
		Signature:  ledger.Hex(sig),
		CreatedAt:  now,
	}
	votes := make([]model.Vote, 0, len(g.selections))
	for _, sel := range g.selections {
		v := model.VoteFromSelection(voterID, sel)
		v.ReceiptID = receipt.ID
		v.CastAt = now
		votes = append(votes, v)
	}

	err = s.votes.RecordElection(ctx, receipt, votes)
	switch {
	case err == nil:
		outcome.Status = model.OutcomeRecorded
		outcome.ReceiptID = receipt.ID
	case errors.Is(err, repository.ErrAlreadyVoted):
		outcome.Status = model.OutcomeAlreadyVoted
		s.log.Warn("选民已在该选举投过票，忽略", zap.String("voter", voterID), zap.String("election", g.electionID))
	default:
		outcome.Status = model.OutcomeFailed
		outcome.Error = err.Error()
		s.log.Error("写入投票失败", zap.String("voter", voterID), zap.String("election", g.electionID), zap.Error(err))
	}
	s.countVote(outcome.Status)

	if outcome.Status != model.OutcomeRecorded {
		return outcome, nil
	}
	return outcome, &receipt
}

// dispatch 优先经Kafka锚定，发送失败或未配置时在进程内异步锚定
func (s *SubmissionService) dispatch(ctx context.Context, event *model.AnchorEvent) {
	if s.pub != nil {
		err := s.pub.SendAnchorEvent(ctx, event)
		if err == nil {
			return
		}
		s.log.Warn("发送锚定事件失败，改为本地锚定", zap.String("job", event.JobID), zap.Error(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.ProcessAnchorEvent(actx, event); err != nil {
			s.log.Error("本地锚定失败", zap.String("job", event.JobID), zap.Error(err))
		}
	}()
}

// ProcessAnchorEvent 把回执摘要写入账本并推进任务到终态（消费者使用）
func (s *SubmissionService) ProcessAnchorEvent(ctx context.Context, event *model.AnchorEvent) error {
	job, err := s.jobs.GetJob(ctx, event.JobID)
	if err != nil {
		return fmt.Errorf("读取任务 %s 失败: %w", event.JobID, err)
	}
	if job.Status.Terminal() {
		return nil
	}

	payload, err := json.Marshal(struct {
		VoterID    string   `json:"voterId"`
		KioskID    string   `json:"kioskId"`
		ReceiptIDs []string `json:"receiptIds"`
		Digests    []string `json:"digests"`
	}{event.VoterID, event.KioskID, event.ReceiptIDs, event.Digests})
	if err != nil {
		return fmt.Errorf("序列化锚定数据失败: %w", err)
	}

	block, err := s.ledger.Anchor(ctx, event.JobID, payload)
	if err != nil {
		s.advance(ctx, event.JobID, model.JobFailed, model.JobPatch{Error: fmt.Sprintf("锚定失败: %v", err)})
		return err
	}

	txHash := ledger.Hex(block.Hash)
	s.advance(ctx, event.JobID, model.JobAnchored, model.JobPatch{TxHash: txHash})
	s.finish(ctx, event.JobID, job.Outcomes, txHash)
	s.log.Info("选票回执已锚定",
		zap.String("job", event.JobID), zap.Uint64("block", block.Index), zap.String("tx", txHash))
	return nil
}

// finish 任意一场选举失败则任务失败
func (s *SubmissionService) finish(ctx context.Context, jobID string, outcomes []model.ElectionOutcome, txHash string) {
	var failed []string
	for _, o := range outcomes {
		if o.Status == model.OutcomeFailed {
			failed = append(failed, o.ElectionID)
		}
	}
	if len(failed) > 0 {
		s.advance(ctx, jobID, model.JobFailed, model.JobPatch{
			TxHash: txHash,
			Error:  fmt.Sprintf("%d 场选举写入失败: %s", len(failed), strings.Join(failed, ",")),
		})
		return
	}
	s.advance(ctx, jobID, model.JobConfirmed, model.JobPatch{TxHash: txHash})
}

func (s *SubmissionService) advance(ctx context.Context, jobID string, to model.JobStatus, patch model.JobPatch) {
	patch.At = s.now()
	ok, err := s.jobs.AdvanceJob(ctx, jobID, to, patch)
	if err != nil {
		s.log.Error("更新任务状态失败", zap.String("job", jobID), zap.String("to", string(to)), zap.Error(err))
		return
	}
	if ok {
		s.countJob(to)
	}
}

// Forget 会话结束后丢弃该选民的去重记录
func (s *SubmissionService) Forget(voterID string) {
	s.mu.Lock()
	delete(s.submitted, voterID)
	s.mu.Unlock()
}

// Job 查询任务状态
func (s *SubmissionService) Job(ctx context.Context, id string) (*model.SubmissionJob, error) {
	return s.jobs.GetJob(ctx, id)
}

// Wait 等待进程内的锚定协程结束
func (s *SubmissionService) Wait() {
	s.wg.Wait()
}

func (s *SubmissionService) countVote(o model.OutcomeStatus) {
	if s.metrics != nil {
		s.metrics.VoteOutcomes.WithLabelValues(string(o)).Inc()
	}
}

func (s *SubmissionService) countJob(st model.JobStatus) {
	if s.metrics != nil {
		s.metrics.JobStatus.WithLabelValues(string(st)).Inc()
	}
}
