package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/kioskvote/config"
	"go.uber.org/zap"
)

const (
	// 仅当值等于token时续期
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	// 仅当值等于token时删除
	releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

// RedLock 基于多个独立Redis节点的多数派锁
type RedLock struct {
	clients []*redis.Client
	addrs   []string
	retries int
	log     *zap.Logger
}

// NewRedLock 为每个锁节点创建独立客户端；lock_addresses为空时退化为数据节点单点
func NewRedLock(cfg config.RedisConfig, log *zap.Logger) (*RedLock, error) {
	addrs := cfg.LockAddresses
	if len(addrs) == 0 {
		addrs = []string{cfg.DataAddress}
	}

	var clients []*redis.Client
	for _, addr := range addrs {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}

		clients = append(clients, client)
	}

	return newRedLock(clients, addrs, log), nil
}

func newRedLock(clients []*redis.Client, addrs []string, log *zap.Logger) *RedLock {
	return &RedLock{
		clients: clients,
		addrs:   addrs,
		retries: 1,
		log:     log,
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

// unreachable 出错节点过多，剩余节点已无法构成多数派
func (r *RedLock) unreachable(failures int) bool {
	return failures > len(r.clients)-r.quorum()
}

// TryAcquire Redlock算法: 在多数节点上SET NX PX成功才算获取
func (r *RedLock) TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	for attempt := 0; attempt < r.retries; attempt++ {
		success, failures := 0, 0
		start := time.Now()

		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, name, token, ttl).Result()
			if err != nil {
				failures++
				r.log.Warn("在节点获取锁失败",
					zap.String("node", r.addrs[i]), zap.String("lock", name), zap.Error(err))
				continue
			}
			if ok {
				success++
			}
		}

		validity := ttl - time.Since(start)
		if success >= r.quorum() && validity > 0 {
			return true, nil
		}

		// 未达到多数派，回滚已写入的节点
		r.unlockAll(ctx, name, token)

		if err := ctx.Err(); err != nil {
			return false, err
		}
		if r.unreachable(failures) {
			return false, fmt.Errorf("%w: 获取锁 %s 时 %d/%d 个节点出错", ErrUnavailable, name, failures, len(r.clients))
		}
	}

	return false, nil
}

// Refresh 使用Lua脚本刷新，确保只刷新自己持有的锁
func (r *RedLock) Refresh(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	success, failures := 0, 0
	for i, client := range r.clients {
		result, err := client.Eval(ctx, refreshScript, []string{name}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			failures++
			r.log.Warn("在节点刷新锁失败",
				zap.String("node", r.addrs[i]), zap.String("lock", name), zap.Error(err))
			continue
		}
		if result == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}
	if r.unreachable(failures) {
		return false, fmt.Errorf("%w: 刷新锁 %s 时 %d/%d 个节点出错", ErrUnavailable, name, failures, len(r.clients))
	}
	return false, nil
}

func (r *RedLock) Release(ctx context.Context, name, token string) error {
	r.unlockAll(ctx, name, token)
	return nil
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(ctx context.Context, name, token string) {
	for i, client := range r.clients {
		if err := client.Eval(ctx, releaseScript, []string{name}, token).Err(); err != nil {
			r.log.Warn("在节点释放锁失败",
				zap.String("node", r.addrs[i]), zap.String("lock", name), zap.Error(err))
		}
	}
}

// Holder 返回在多数节点上一致的持有者
func (r *RedLock) Holder(ctx context.Context, name string) (string, time.Duration, error) {
	votes := make(map[string]int)
	ttls := make(map[string]time.Duration)
	failures := 0

	for i, client := range r.clients {
		token, err := client.Get(ctx, name).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			failures++
			r.log.Warn("在节点读取锁失败",
				zap.String("node", r.addrs[i]), zap.String("lock", name), zap.Error(err))
			continue
		}
		ttl, err := client.PTTL(ctx, name).Result()
		if err != nil || ttl <= 0 {
			continue
		}
		votes[token]++
		if cur, ok := ttls[token]; !ok || ttl < cur {
			ttls[token] = ttl
		}
	}

	if r.unreachable(failures) {
		return "", 0, fmt.Errorf("%w: 读取锁 %s 失败", ErrUnavailable, name)
	}
	for token, n := range votes {
		if n >= r.quorum() {
			return token, ttls[token], nil
		}
	}
	return "", 0, nil
}

// Close 关闭所有Redis客户端
func (r *RedLock) Close() error {
	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			r.log.Warn("关闭Redis客户端失败", zap.Error(err))
		}
	}
	return nil
}
