package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/kioskvote/internal/lock"
	"github.com/lvdashuaibi/kioskvote/internal/model"
)

var (
	// ErrSessionActive 选民已有未过期的会话
	ErrSessionActive = errors.New("voter already has an active session")
	// ErrSessionLost 会话租约已过期或被其他终端接管
	ErrSessionLost = errors.New("voter session lease lost")
)

// ActiveSessionError 携带已存在会话的信息
type ActiveSessionError struct {
	Existing model.VoterSession
}

func (e *ActiveSessionError) Error() string {
	return fmt.Sprintf("选民 %s 已在终端 %s 上有会话，至 %s 过期",
		e.Existing.VoterID, e.Existing.KioskID, e.Existing.ExpiresAt.Format(time.RFC3339))
}

func (e *ActiveSessionError) Unwrap() error { return ErrSessionActive }

// Store 选民会话存储，每个voter_id至多一个存活会话
//
// 会话以锁的形式保存: 键为 prefix+voterID，值为 "kioskID/uuid"。
// 创建是单次条件写入，不存在先读后写的窗口。
type Store struct {
	lock    lock.Lock
	prefix  string
	kioskID string
	clock   Clock
}

func NewStore(l lock.Lock, prefix, kioskID string, clock Clock) *Store {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Store{lock: l, prefix: prefix, kioskID: kioskID, clock: clock}
}

func (s *Store) name(voterID string) string {
	return s.prefix + voterID
}

func (s *Store) newToken() string {
	return s.kioskID + "/" + uuid.NewString()
}

func kioskFromToken(token string) string {
	if i := strings.LastIndex(token, "/"); i > 0 {
		return token[:i]
	}
	return ""
}

// Create 原子地创建会话，已有会话时返回 *ActiveSessionError
func (s *Store) Create(ctx context.Context, voterID string, ttl time.Duration) (*model.VoterSession, error) {
	token := s.newToken()
	now := s.clock.Now()

	ok, err := s.lock.TryAcquire(ctx, s.name(voterID), token, ttl)
	if err != nil {
		return nil, fmt.Errorf("创建选民会话失败: %w", err)
	}
	if !ok {
		existing := model.VoterSession{VoterID: voterID}
		// 读取失败不影响拒绝结果，只是提示里缺少持有终端
		if cur, err := s.Get(ctx, voterID); err == nil && cur != nil {
			existing = *cur
		}
		return nil, &ActiveSessionError{Existing: existing}
	}

	return &model.VoterSession{
		VoterID:   voterID,
		Token:     token,
		KioskID:   s.kioskID,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Get 读取选民当前会话，没有时返回nil
func (s *Store) Get(ctx context.Context, voterID string) (*model.VoterSession, error) {
	holder, remaining, err := s.lock.Holder(ctx, s.name(voterID))
	if err != nil {
		return nil, fmt.Errorf("读取选民会话失败: %w", err)
	}
	if holder == "" {
		return nil, nil
	}
	return &model.VoterSession{
		VoterID:   voterID,
		Token:     holder,
		KioskID:   kioskFromToken(holder),
		ExpiresAt: s.clock.Now().Add(remaining),
	}, nil
}

// Extend 把会话过期时间设为 now+ttl，仅当本终端仍持有该会话
func (s *Store) Extend(ctx context.Context, sess *model.VoterSession, ttl time.Duration) error {
	ok, err := s.lock.Refresh(ctx, s.name(sess.VoterID), sess.Token, ttl)
	if err != nil {
		return fmt.Errorf("延长选民会话失败: %w", err)
	}
	if !ok {
		return ErrSessionLost
	}
	sess.ExpiresAt = s.clock.Now().Add(ttl)
	return nil
}

// Delete 删除会话，会话已不属于本终端时不做任何事
func (s *Store) Delete(ctx context.Context, sess *model.VoterSession) error {
	if err := s.lock.Release(ctx, s.name(sess.VoterID), sess.Token); err != nil {
		return fmt.Errorf("删除选民会话失败: %w", err)
	}
	return nil
}
