package audit

import (
	"context"
	"time"

	"github.com/lvdashuaibi/kioskvote/internal/biometric"
	"github.com/lvdashuaibi/kioskvote/internal/metrics"
	"github.com/lvdashuaibi/kioskvote/internal/model"
	"go.uber.org/zap"
)

// Sink 审计日志的持久化存储
type Sink interface {
	InsertSessionEvent(ctx context.Context, e model.SessionEvent) error
	InsertAuthAttempt(ctx context.Context, a model.AuthAttempt) error
}

// Publisher 会话事件的下游广播
type Publisher interface {
	SendSessionEvent(ctx context.Context, e *model.SessionEvent) error
}

// Recorder 只写的审计记录器，写入失败只记录日志，不影响投票流程
type Recorder struct {
	sink    Sink
	pub     Publisher
	kioskID string
	now     func() time.Time
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewRecorder pub可以为nil
func NewRecorder(sink Sink, pub Publisher, kioskID string, now func() time.Time, m *metrics.Metrics, log *zap.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{sink: sink, pub: pub, kioskID: kioskID, now: now, metrics: m, log: log}
}

// Session 记录会话事件
func (r *Recorder) Session(ctx context.Context, voterID string, action model.SessionAction, userAgent, detail string) {
	e := model.SessionEvent{
		VoterID:   voterID,
		Action:    action,
		KioskID:   r.kioskID,
		UserAgent: userAgent,
		Detail:    detail,
		Timestamp: r.now(),
	}
	if err := r.sink.InsertSessionEvent(ctx, e); err != nil {
		r.log.Error("写入会话日志失败",
			zap.String("voter", voterID), zap.String("action", string(action)), zap.Error(err))
	}
	if r.metrics != nil {
		r.metrics.SessionEvents.WithLabelValues(string(action)).Inc()
	}
	if r.pub != nil {
		if err := r.pub.SendSessionEvent(ctx, &e); err != nil {
			r.log.Warn("发送会话事件失败", zap.String("voter", voterID), zap.Error(err))
		}
	}
}

// AuthAttempt 记录认证安全日志，标签只保留后四位
func (r *Recorder) AuthAttempt(ctx context.Context, eventType model.AuthEventType, voterID, tag string, distance *float64) {
	a := model.AuthAttempt{
		EventType: eventType,
		VoterID:   voterID,
		RFIDTag:   biometric.MaskTag(tag),
		Distance:  distance,
		KioskID:   r.kioskID,
		CreatedAt: r.now(),
	}
	if err := r.sink.InsertAuthAttempt(ctx, a); err != nil {
		r.log.Error("写入认证日志失败", zap.String("event", string(eventType)), zap.Error(err))
	}
}
