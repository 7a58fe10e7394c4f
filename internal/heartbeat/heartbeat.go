package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/kioskvote/internal/lock"
	"go.uber.org/zap"
)

const claimPrefix = "kiosk:claim:"

// ErrKioskInUse 同一个kiosk_id已被另一个进程占用
var ErrKioskInUse = errors.New("kiosk id is claimed by another process")

// Target 由后台循环驱动的状态机
type Target interface {
	Tick(ctx context.Context, d time.Duration)
	Heartbeat(ctx context.Context) error
}

type Config struct {
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	ClaimTTL          time.Duration
}

// Service 倒计时、会话心跳和kiosk_id占用三个后台循环
type Service struct {
	target  Target
	lock    lock.Lock
	kioskID string
	token   string
	cfg     Config
	log     *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func New(target Target, l lock.Lock, kioskID string, cfg Config, log *zap.Logger) *Service {
	return &Service{
		target:   target,
		lock:     l,
		kioskID:  kioskID,
		token:    uuid.NewString(),
		cfg:      cfg,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

func (s *Service) claimName() string {
	return claimPrefix + s.kioskID
}

// Claim 启动时占用kiosk_id，防止两个进程以同一身份写会话
func (s *Service) Claim(ctx context.Context) error {
	ok, err := s.lock.TryAcquire(ctx, s.claimName(), s.token, s.cfg.ClaimTTL)
	if err != nil {
		return fmt.Errorf("占用kiosk_id失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrKioskInUse, s.kioskID)
	}
	return nil
}

// Start 启动后台循环
func (s *Service) Start() {
	s.wg.Add(3)
	go s.loop(s.cfg.TickInterval, func(ctx context.Context) {
		s.target.Tick(ctx, s.cfg.TickInterval)
	})
	go s.loop(s.cfg.HeartbeatInterval, func(ctx context.Context) {
		if err := s.target.Heartbeat(ctx); err != nil {
			s.log.Warn("会话心跳失败", zap.Error(err))
		}
	})
	// 每隔一半的占用时长续期一次
	go s.loop(s.cfg.ClaimTTL/2, s.maintainClaim)

	s.log.Info("后台循环已启动",
		zap.Duration("tick", s.cfg.TickInterval),
		zap.Duration("heartbeat", s.cfg.HeartbeatInterval),
		zap.Duration("claim_ttl", s.cfg.ClaimTTL))
}

func (s *Service) loop(interval time.Duration, fn func(ctx context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			fn(ctx)
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// maintainClaim 续期占用；丢失后尝试重新获取
func (s *Service) maintainClaim(ctx context.Context) {
	ok, err := s.lock.Refresh(ctx, s.claimName(), s.token, s.cfg.ClaimTTL)
	if err != nil {
		s.log.Warn("续期kiosk_id占用失败", zap.Error(err))
		return
	}
	if ok {
		return
	}

	acquired, err := s.lock.TryAcquire(ctx, s.claimName(), s.token, s.cfg.ClaimTTL)
	if err != nil {
		s.log.Warn("重新占用kiosk_id失败", zap.Error(err))
		return
	}
	if !acquired {
		s.log.Error("kiosk_id已被其他进程占用", zap.String("kiosk", s.kioskID))
		return
	}
	s.log.Info("重新占用kiosk_id成功", zap.String("kiosk", s.kioskID))
}

// Stop 停止全部循环并释放占用
func (s *Service) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.lock.Release(ctx, s.claimName(), s.token); err != nil {
			s.log.Warn("释放kiosk_id占用失败", zap.Error(err))
		}
		s.log.Info("后台循环已停止")
	})
}
