package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/kioskvote/internal/auth"
	"github.com/lvdashuaibi/kioskvote/internal/ballot"
	"github.com/lvdashuaibi/kioskvote/internal/biometric"
	"github.com/lvdashuaibi/kioskvote/internal/catalog"
	"github.com/lvdashuaibi/kioskvote/internal/metrics"
	"github.com/lvdashuaibi/kioskvote/internal/model"
	"github.com/lvdashuaibi/kioskvote/internal/session"
	"go.uber.org/zap"
)

var (
	ErrElectionCompleted = errors.New("election already completed by this voter")
	ErrElectionNotOpen   = errors.New("election is not open for voting")
	ErrNoScan            = errors.New("scan an rfid tag first")
)

// 重置原因，写入session_end日志的detail
const (
	ReasonUser      = "user_reset"
	ReasonComplete  = "complete"
	ReasonTimeout   = "hard_timeout"
	ReasonLeaseLost = "lease_lost"
	ReasonError     = "error"
)

type Authenticator interface {
	Identify(ctx context.Context, tag string) (*auth.Identity, error)
	Verify(ctx context.Context, id *auth.Identity, live biometric.Descriptor, userAgent string) (*auth.Result, error)
}

type ElectionResolver interface {
	Resolve(ctx context.Context) (catalog.Catalog, error)
}

type BallotLoader interface {
	Load(ctx context.Context, electionID string) (*model.Ballot, error)
}

type Submitter interface {
	Submit(ctx context.Context, voterID string, selections []model.CandidateSelection) (*model.SubmissionJob, error)
	Job(ctx context.Context, id string) (*model.SubmissionJob, error)
	Forget(voterID string)
}

// SessionLeases 服务端会话租约
type SessionLeases interface {
	Extend(ctx context.Context, sess *model.VoterSession, ttl time.Duration) error
	Delete(ctx context.Context, sess *model.VoterSession) error
}

// VoteHistory 选民已投票的选举
type VoteHistory interface {
	VotedElections(ctx context.Context, voterID string) ([]string, error)
}

type Auditor interface {
	Session(ctx context.Context, voterID string, action model.SessionAction, userAgent, detail string)
}

// Deps 控制器依赖
type Deps struct {
	Gate      Authenticator
	Elections ElectionResolver
	Ballots   BallotLoader
	Submitter Submitter
	Sessions  SessionLeases
	History   VoteHistory
	Audit     Auditor
}

type Config struct {
	BaseSessionDuration  time.Duration
	PerElectionAllowance time.Duration
	GraceExtension       time.Duration
	MaxGraceExtensions   int
	HeartbeatSlack       time.Duration
	CompleteResetAfter   time.Duration
	ErrorResetAfter      time.Duration
}

// Controller 单个终端的投票状态机，所有操作串行执行
type Controller struct {
	deps    Deps
	cfg     Config
	clock   session.Clock
	metrics *metrics.Metrics
	log     *zap.Logger

	mu          sync.Mutex
	step        Step
	stepEntered time.Time

	identity  *auth.Identity
	voter     *model.Voter
	sess      *model.VoterSession
	userAgent string

	catalog   catalog.Catalog
	completed map[string]bool

	selected  *model.Election // 仅在ballot步骤非空
	reviewing *model.Election
	collector *ballot.Collector
	all       []model.CandidateSelection

	timer *session.Timer
	job   *model.SubmissionJob
	fault *Fault
}

// Fault 错误页内容
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewController(deps Deps, cfg Config, clock session.Clock, m *metrics.Metrics, log *zap.Logger) *Controller {
	if clock == nil {
		clock = session.SystemClock{}
	}
	c := &Controller{
		deps:    deps,
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		log:     log,
		timer:   session.NewTimer(cfg.PerElectionAllowance, cfg.GraceExtension, cfg.MaxGraceExtensions),
	}
	c.clearLocked()
	c.setStep(StepAuth)
	return c
}

func (c *Controller) clearLocked() {
	c.identity = nil
	c.voter = nil
	c.sess = nil
	c.userAgent = ""
	c.catalog = catalog.Catalog{}
	c.completed = make(map[string]bool)
	c.selected = nil
	c.reviewing = nil
	c.collector = nil
	c.all = nil
	c.timer.Reset()
	c.job = nil
	c.fault = nil
}

func (c *Controller) setStep(s Step) {
	c.step = s
	c.stepEntered = c.clock.Now()
	if c.metrics != nil {
		c.metrics.SetStep(string(s), stepNames())
	}
}

func (c *Controller) moveTo(to Step) error {
	if err := checkTransition(c.step, to); err != nil {
		return err
	}
	c.setStep(to)
	return nil
}

func (c *Controller) require(steps ...Step) error {
	for _, s := range steps {
		if c.step == s {
			return nil
		}
	}
	return fmt.Errorf("%w: 当前步骤 %s 不能执行该操作", ErrInvalidTransition, c.step)
}

// Step 当前步骤
func (c *Controller) Step() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// failLocked 进入错误页，倒计时后自动回到认证页
func (c *Controller) failLocked(err error) error {
	c.fault = &Fault{Code: ErrorCode(err), Message: ErrorMessage(err)}
	c.identity = nil
	if CanTransition(c.step, StepError) {
		c.setStep(StepError)
	}
	return err
}

// ScanTag 刷卡
func (c *Controller) ScanTag(ctx context.Context, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(StepAuth); err != nil {
		return err
	}

	id, err := c.deps.Gate.Identify(ctx, tag)
	if err != nil {
		return c.failLocked(err)
	}
	c.identity = id
	return nil
}

// VerifyFace 人脸比对，成功后进入选举选择或直接进入唯一的选票
func (c *Controller) VerifyFace(ctx context.Context, live biometric.Descriptor, userAgent string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(StepAuth); err != nil {
		return err
	}
	if c.identity == nil {
		return ErrNoScan
	}

	res, err := c.deps.Gate.Verify(ctx, c.identity, live, userAgent)
	if err != nil {
		return c.failLocked(err)
	}
	c.identity = nil
	c.voter = &res.Voter
	c.sess = res.Session
	c.userAgent = userAgent

	cat, err := c.deps.Elections.Resolve(ctx)
	if err != nil {
		return c.failLocked(err)
	}
	c.catalog = cat

	if c.deps.History != nil {
		voted, err := c.deps.History.VotedElections(ctx, c.voter.ID)
		if err != nil {
			c.log.Warn("读取投票记录失败", zap.String("voter", c.voter.ID), zap.Error(err))
		}
		for _, id := range voted {
			c.completed[id] = true
		}
	}

	if len(cat.Active) == 1 && !c.completed[cat.Active[0].ID] {
		return c.openBallotLocked(ctx, cat.Active[0])
	}
	return c.moveTo(StepElectionSelect)
}

// SelectElection 选择一场进行中的选举
func (c *Controller) SelectElection(ctx context.Context, electionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(StepElectionSelect); err != nil {
		return err
	}

	e, ok := c.catalog.Find(electionID)
	if !ok || !e.IsOpen(c.clock.Now()) {
		return fmt.Errorf("%w: %s", ErrElectionNotOpen, electionID)
	}
	if c.completed[electionID] {
		return fmt.Errorf("%w: %s", ErrElectionCompleted, electionID)
	}
	return c.openBallotLocked(ctx, e)
}

func (c *Controller) openBallotLocked(ctx context.Context, e model.Election) error {
	b, err := c.deps.Ballots.Load(ctx, e.ID)
	if err != nil {
		return c.failLocked(err)
	}
	if err := c.moveTo(StepBallot); err != nil {
		return err
	}
	c.selected = &e
	c.reviewing = nil
	c.collector = ballot.NewCollector(b, c.all)

	// 首次进入选票页才开始计时
	if c.timer.Start(len(c.catalog.Active)) {
		if err := c.extendLocked(ctx, c.timer.Remaining(), "countdown_start"); err != nil {
			return err
		}
	}
	return nil
}

// extendLocked 把服务端租约延长到倒计时剩余时间之后，并记录session_extend
func (c *Controller) extendLocked(ctx context.Context, remaining time.Duration, detail string) error {
	if c.sess == nil {
		return nil
	}
	if err := c.deps.Sessions.Extend(ctx, c.sess, remaining+c.cfg.HeartbeatSlack); err != nil {
		return c.leaseFailureLocked(ctx, err)
	}
	c.deps.Audit.Session(ctx, c.voter.ID, model.ActionSessionExtend, c.userAgent, detail)
	return nil
}

func (c *Controller) leaseFailureLocked(ctx context.Context, err error) error {
	if errors.Is(err, session.ErrSessionLost) {
		if c.metrics != nil {
			c.metrics.LeaseLost.Inc()
		}
		c.log.Warn("会话租约已丢失，强制重置", zap.String("voter", c.voter.ID))
		c.resetLocked(ctx, ReasonLeaseLost)
		c.fault = &Fault{Code: ErrorCode(err), Message: ErrorMessage(err)}
		c.setStep(StepError)
		return err
	}
	// 网络抖动时保留本地状态，下一次心跳再试
	c.log.Warn("延长会话租约失败", zap.String("voter", c.voter.ID), zap.Error(err))
	return nil
}

// Choose 在当前选票上选择候选人
func (c *Controller) Choose(position, candidateID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(StepBallot); err != nil {
		return err
	}
	return c.collector.Choose(position, candidateID)
}

// RequestAbstain 弃权前的确认弹窗
func (c *Controller) RequestAbstain(position string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(StepBallot); err != nil {
		return err
	}
	return c.collector.RequestAbstain(position)
}

func (c *Controller) ConfirmAbstain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(StepBallot); err != nil {
		return err
	}
	_, err := c.collector.ConfirmAbstain()
	return err
}

func (c *Controller) CancelAbstain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(StepBallot); err != nil {
		return err
	}
	c.collector.CancelAbstain()
	return nil
}

// SubmitBallot 当前选票进入单场复核，同一选举的旧选择被替换
func (c *Controller) SubmitBallot() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(StepBallot); err != nil {
		return err
	}

	sel, err := c.collector.Submit()
	if err != nil {
		return err
	}
	if err := c.moveTo(StepReview); err != nil {
		return err
	}

	electionID := c.selected.ID
	kept := c.all[:0:0]
	for _, s := range c.all {
		if s.ElectionID != electionID {
			kept = append(kept, s)
		}
	}
	c.all = append(kept, sel...)
	c.reviewing = c.selected
	c.selected = nil
	return nil
}

// EditBallot 从复核返回修改，已有选择保留
func (c *Controller) EditBallot() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(StepReview); err != nil {
		return err
	}
	if err := c.moveTo(StepBallot); err != nil {
		return err
	}
	c.selected = c.reviewing
	c.reviewing = nil
	return nil
}

// ConfirmReview 确认单场选举；还有未投的选举时先显示过渡页
func (c *Controller) ConfirmReview() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(StepReview); err != nil {
		return err
	}

	c.completed[c.reviewing.ID] = true
	c.reviewing = nil
	c.collector = nil

	if c.remainingLocked() > 0 {
		return c.moveTo(StepElectionFinished)
	}
	return c.moveTo(StepReviewFinal)
}

// remainingLocked 尚未完成的进行中选举数量
func (c *Controller) remainingLocked() int {
	n := 0
	for _, e := range c.catalog.Active {
		if !c.completed[e.ID] {
			n++
		}
	}
	return n
}

// Continue 过渡页返回选举选择
func (c *Controller) Continue() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(StepElectionFinished); err != nil {
		return err
	}
	return c.moveTo(StepElectionSelect)
}

// ConfirmFinal 最终提交。提交期间不计时、不心跳、不可重置。
func (c *Controller) ConfirmFinal(ctx context.Context) error {
	c.mu.Lock()
	if err := c.require(StepReviewFinal); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.moveTo(StepSubmitting); err != nil {
		c.mu.Unlock()
		return err
	}
	voterID := c.voter.ID
	selections := append([]model.CandidateSelection(nil), c.all...)
	c.mu.Unlock()

	job, err := c.deps.Submitter.Submit(ctx, voterID, selections)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Error("提交选票失败", zap.String("voter", voterID), zap.Error(err))
		return c.failLocked(err)
	}
	c.job = job
	c.timer.DismissWarning()
	return c.moveTo(StepComplete)
}

// DismissWarning 关闭超时提示
func (c *Controller) DismissWarning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer.DismissWarning()
}

// Reset 结束会话回到认证页，提交进行中时拒绝
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step == StepSubmitting {
		return fmt.Errorf("%w: 提交进行中不能重置", ErrInvalidTransition)
	}
	reason := ReasonUser
	if c.step == StepComplete {
		reason = ReasonComplete
	}
	c.resetLocked(ctx, reason)
	return nil
}

// resetLocked 删除服务端会话、记录session_end并清空全部内存状态
func (c *Controller) resetLocked(ctx context.Context, reason string) {
	if c.sess != nil {
		if err := c.deps.Sessions.Delete(ctx, c.sess); err != nil {
			c.log.Warn("删除选民会话失败", zap.String("voter", c.sess.VoterID), zap.Error(err))
		}
		c.deps.Audit.Session(ctx, c.sess.VoterID, model.ActionSessionEnd, c.userAgent, reason)
		c.deps.Submitter.Forget(c.sess.VoterID)
		c.log.Info("选民会话结束", zap.String("voter", c.sess.VoterID), zap.String("reason", reason))
	}
	c.clearLocked()
	c.setStep(StepAuth)
}

// Tick 推进倒计时一次，并处理完成页和错误页的自动返回
func (c *Controller) Tick(ctx context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.step {
	case StepSubmitting:
		return
	case StepComplete:
		if c.clock.Now().Sub(c.stepEntered) >= c.cfg.CompleteResetAfter {
			c.resetLocked(ctx, ReasonComplete)
		}
		return
	case StepError:
		if c.clock.Now().Sub(c.stepEntered) >= c.cfg.ErrorResetAfter {
			c.resetLocked(ctx, ReasonError)
		}
		return
	}

	switch c.timer.Tick(d) {
	case session.TickGrace:
		if c.metrics != nil {
			c.metrics.GraceExtensions.Inc()
		}
		c.log.Info("倒计时归零，授予宽限时间",
			zap.String("voter", c.voter.ID), zap.Duration("grace", c.timer.GraceAmount()))
		c.extendLocked(ctx, c.timer.Remaining(), "grace")
	case session.TickExpired:
		if c.metrics != nil {
			c.metrics.HardTimeouts.Inc()
		}
		c.log.Warn("宽限时间已用完，强制结束会话", zap.String("voter", c.voter.ID))
		c.resetLocked(ctx, ReasonTimeout)
	}
}

// Heartbeat 按倒计时剩余时间刷新服务端租约，不记录日志
func (c *Controller) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return nil
	}
	switch c.step {
	case StepSubmitting, StepComplete, StepError, StepAuth:
		return nil
	}

	ttl := c.cfg.BaseSessionDuration
	if c.timer.Started() {
		ttl = c.timer.Remaining() + c.cfg.HeartbeatSlack
	}
	if err := c.deps.Sessions.Extend(ctx, c.sess, ttl); err != nil {
		return c.leaseFailureLocked(ctx, err)
	}
	return nil
}

// ErrorCode 错误对应的稳定代码
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, auth.ErrNoBiometricData):
		return "no_biometric_data"
	case errors.Is(err, auth.ErrFaceMismatch):
		return "face_mismatch"
	case errors.Is(err, session.ErrSessionActive):
		return "session_active"
	case errors.Is(err, session.ErrSessionLost):
		return "session_lost"
	case errors.Is(err, ballot.ErrNoSelection):
		return "no_selection"
	case errors.Is(err, ballot.ErrUnknownPosition), errors.Is(err, ballot.ErrUnknownCandidate):
		return "unknown_candidate"
	case errors.Is(err, ballot.ErrAbstainNotPending):
		return "abstain_not_pending"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNoScan):
		return "invalid_transition"
	case errors.Is(err, ErrElectionCompleted):
		return "election_completed"
	case errors.Is(err, ErrElectionNotOpen):
		return "election_not_open"
	}
	return "server_error"
}

// ErrorMessage 面向选民的提示
func ErrorMessage(err error) string {
	switch ErrorCode(err) {
	case "not_registered":
		return "RFID not registered. Please register first."
	case "no_biometric_data":
		return "No face data registered for this RFID. Please complete registration."
	case "face_mismatch":
		return "Face verification failed. Please try again or contact election staff."
	case "session_active":
		return "You already have an active voting session on another kiosk."
	case "session_lost":
		return "Your voting session has ended. Please start again."
	case "server_error":
		return "Something went wrong. Please try again."
	}
	return err.Error()
}
