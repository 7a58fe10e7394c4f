package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lvdashuaibi/kioskvote/internal/model"
	"github.com/lvdashuaibi/kioskvote/internal/repository"
)

const appendRetries = 5

// BlockStore 区块持久化
type BlockStore interface {
	LatestBlock(ctx context.Context) (*model.AnchorBlock, error)
	AppendBlock(ctx context.Context, b *model.AnchorBlock) error
	BlockByJob(ctx context.Context, jobID string) (*model.AnchorBlock, error)
}

// Ledger 哈希链账本，每个提交任务对应一个区块
type Ledger struct {
	store BlockStore
	now   func() time.Time
	mu    sync.Mutex
}

func New(store BlockStore, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// HashBlock Keccak256(index || timestamp || jobID || data || prevHash)
func HashBlock(b *model.AnchorBlock) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, b.Index)
	binary.Write(buf, binary.BigEndian, b.Timestamp)
	buf.WriteString(b.JobID)
	buf.Write(b.Data)
	buf.Write(b.PrevHash)
	return crypto.Keccak256(buf.Bytes())
}

// Anchor 把payload追加为新区块；同一任务重复锚定时返回已有区块
func (l *Ledger) Anchor(ctx context.Context, jobID string, payload []byte) (*model.AnchorBlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, err := l.store.BlockByJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("查询已有区块失败: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	for attempt := 0; attempt < appendRetries; attempt++ {
		prev, err := l.store.LatestBlock(ctx)
		if err != nil {
			return nil, fmt.Errorf("查询链尾失败: %w", err)
		}

		now := l.now()
		b := &model.AnchorBlock{
			Timestamp: now.UnixNano(),
			JobID:     jobID,
			Data:      payload,
			PrevHash:  make([]byte, 32),
			CreatedAt: now,
		}
		if prev != nil {
			b.Index = prev.Index + 1
			b.PrevHash = prev.Hash
			if b.Timestamp <= prev.Timestamp {
				b.Timestamp = prev.Timestamp + 1
			}
		}
		b.Hash = HashBlock(b)

		err = l.store.AppendBlock(ctx, b)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, repository.ErrBlockConflict) {
			return nil, fmt.Errorf("追加区块失败: %w", err)
		}
		// 其他终端抢先写入了同一高度，重新读取链尾
	}
	return nil, fmt.Errorf("追加区块失败: 连续 %d 次高度冲突", appendRetries)
}

// ValidateChain 校验哈希、前驱链接、高度和时间戳单调
func ValidateChain(blocks []model.AnchorBlock) error {
	for i := range blocks {
		b := &blocks[i]
		if !bytes.Equal(HashBlock(b), b.Hash) {
			return fmt.Errorf("区块 %d 哈希不匹配", b.Index)
		}
		if i == 0 {
			continue
		}
		prev := &blocks[i-1]
		if !bytes.Equal(b.PrevHash, prev.Hash) {
			return fmt.Errorf("区块 %d 前驱哈希不匹配", b.Index)
		}
		if b.Index != prev.Index+1 {
			return fmt.Errorf("区块 %d 高度不连续", b.Index)
		}
		if b.Timestamp <= prev.Timestamp {
			return fmt.Errorf("区块 %d 时间戳不递增", b.Index)
		}
	}
	return nil
}

// MemoryStore 内存区块存储
type MemoryStore struct {
	mu     sync.Mutex
	blocks []model.AnchorBlock
}

func (m *MemoryStore) LatestBlock(context.Context) (*model.AnchorBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blocks) == 0 {
		return nil, nil
	}
	b := m.blocks[len(m.blocks)-1]
	return &b, nil
}

func (m *MemoryStore) AppendBlock(_ context.Context, b *model.AnchorBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(len(m.blocks)) != b.Index {
		return repository.ErrBlockConflict
	}
	m.blocks = append(m.blocks, *b)
	return nil
}

func (m *MemoryStore) BlockByJob(_ context.Context, jobID string) (*model.AnchorBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if b.JobID == jobID {
			b := b
			return &b, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) Blocks() []model.AnchorBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AnchorBlock(nil), m.blocks...)
}
