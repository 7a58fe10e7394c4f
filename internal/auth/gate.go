package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/kioskvote/internal/biometric"
	"github.com/lvdashuaibi/kioskvote/internal/metrics"
	"github.com/lvdashuaibi/kioskvote/internal/model"
	"github.com/lvdashuaibi/kioskvote/internal/repository"
	"github.com/lvdashuaibi/kioskvote/internal/session"
	"go.uber.org/zap"
)

var (
	ErrNotRegistered    = errors.New("rfid tag is not registered")
	ErrNoBiometricData  = errors.New("no face data registered for this rfid tag")
	ErrFaceMismatch     = errors.New("face does not match the registered template")
	ErrStoreUnavailable = errors.New("voter store unavailable")
)

// VoterDirectory 选民只读目录
type VoterDirectory interface {
	VoterByRFID(ctx context.Context, tag string) (*model.Voter, error)
	VotersWithFaceData(ctx context.Context) ([]model.Voter, error)
}

// SessionCreator 原子创建选民会话
type SessionCreator interface {
	Create(ctx context.Context, voterID string, ttl time.Duration) (*model.VoterSession, error)
}

// Auditor 审计记录
type Auditor interface {
	Session(ctx context.Context, voterID string, action model.SessionAction, userAgent, detail string)
	AuthAttempt(ctx context.Context, eventType model.AuthEventType, voterID, tag string, distance *float64)
}

// Identity 刷卡后识别出的身份，Master为true时尚未确定选民
type Identity struct {
	Tag    string
	Voter  *model.Voter
	Master bool
}

// Result 认证成功的结果
type Result struct {
	Voter    model.Voter
	Session  *model.VoterSession
	Distance float64
	Master   bool
}

type Config struct {
	MasterTag           string
	BaseSessionDuration time.Duration
}

// Gate 认证门: RFID + 人脸比对 + 单会话互斥
type Gate struct {
	voters   VoterDirectory
	matcher  biometric.Matcher
	sessions SessionCreator
	audit    Auditor
	cfg      Config
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewGate(voters VoterDirectory, matcher biometric.Matcher, sessions SessionCreator, audit Auditor,
	cfg Config, m *metrics.Metrics, log *zap.Logger) *Gate {
	return &Gate{
		voters:   voters,
		matcher:  matcher,
		sessions: sessions,
		audit:    audit,
		cfg:      cfg,
		metrics:  m,
		log:      log,
	}
}

func (g *Gate) outcome(label string) {
	if g.metrics != nil {
		g.metrics.AuthOutcomes.WithLabelValues(label).Inc()
	}
}

// Authenticate 完整认证流程
func (g *Gate) Authenticate(ctx context.Context, tag string, live biometric.Descriptor, userAgent string) (*Result, error) {
	id, err := g.Identify(ctx, tag)
	if err != nil {
		return nil, err
	}
	return g.Verify(ctx, id, live, userAgent)
}

// Identify 按RFID查找选民并确认有人脸模板；管理员卡直接进入人脸环节
func (g *Gate) Identify(ctx context.Context, tag string) (*Identity, error) {
	if g.cfg.MasterTag != "" && tag == g.cfg.MasterTag {
		g.log.Info("管理员卡刷卡，进入人脸检索", zap.String("tag", biometric.MaskTag(tag)))
		g.audit.AuthAttempt(ctx, model.AuthMasterOverride, "", tag, nil)
		return &Identity{Tag: tag, Master: true}, nil
	}

	voter, err := g.voters.VoterByRFID(ctx, tag)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			g.audit.AuthAttempt(ctx, model.AuthRFIDNotFound, "", tag, nil)
			g.outcome("not_registered")
			return nil, ErrNotRegistered
		}
		g.outcome("error")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !voter.HasFaceData() {
		g.audit.AuthAttempt(ctx, model.AuthNoFaceData, voter.ID, tag, nil)
		g.outcome("no_biometric")
		return nil, ErrNoBiometricData
	}

	return &Identity{Tag: tag, Voter: voter}, nil
}

// Verify 人脸比对后原子地创建会话
func (g *Gate) Verify(ctx context.Context, id *Identity, live biometric.Descriptor, userAgent string) (*Result, error) {
	var (
		voter    model.Voter
		distance float64
	)

	if id.Master {
		v, d, err := g.searchFace(ctx, id, live)
		if err != nil {
			return nil, err
		}
		voter, distance = v, d
	} else {
		match, err := g.matcher.Compare(id.Voter.FaceDescriptor, live)
		if err != nil || !match.Matched {
			var dist *float64
			if err == nil {
				dist = &match.Distance
			}
			g.audit.AuthAttempt(ctx, model.AuthFaceMismatch, id.Voter.ID, id.Tag, dist)
			g.outcome("face_mismatch")
			g.log.Warn("人脸比对失败，疑似冒用",
				zap.String("voter", id.Voter.ID), zap.Float64("distance", match.Distance), zap.Error(err))
			return nil, ErrFaceMismatch
		}
		voter, distance = *id.Voter, match.Distance
	}

	sess, err := g.sessions.Create(ctx, voter.ID, g.cfg.BaseSessionDuration)
	if err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			g.audit.Session(ctx, voter.ID, model.ActionSimultaneousBlock, userAgent, err.Error())
			g.outcome("session_active")
			return nil, err
		}
		g.outcome("error")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	g.audit.Session(ctx, voter.ID, model.ActionSessionStart, userAgent, "")
	g.outcome("success")
	g.log.Info("选民认证成功",
		zap.String("voter", voter.ID), zap.Float64("distance", distance), zap.Bool("master", id.Master))

	return &Result{Voter: voter, Session: sess, Distance: distance, Master: id.Master}, nil
}

// searchFace 管理员卡路径: 在全部模板中1:N检索
func (g *Gate) searchFace(ctx context.Context, id *Identity, live biometric.Descriptor) (model.Voter, float64, error) {
	voters, err := g.voters.VotersWithFaceData(ctx)
	if err != nil {
		g.outcome("error")
		return model.Voter{}, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	candidates := make([]biometric.Candidate, 0, len(voters))
	byID := make(map[string]model.Voter, len(voters))
	for _, v := range voters {
		candidates = append(candidates, biometric.Candidate{ID: v.ID, Descriptor: v.FaceDescriptor})
		byID[v.ID] = v
	}

	voterID, best, ok := biometric.BestMatch(g.matcher, live, candidates)
	if !ok {
		g.audit.AuthAttempt(ctx, model.AuthFaceMismatch, "", id.Tag, nil)
		g.outcome("face_mismatch")
		return model.Voter{}, 0, ErrFaceMismatch
	}
	return byID[voterID], best.Distance, nil
}
