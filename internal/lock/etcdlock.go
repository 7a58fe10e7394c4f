package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/kioskvote/config"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdLock 基于etcd事务和租约的锁实现
type EtcdLock struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // 本实例持有的锁对应的租约
}

func NewETCDLock(cfg config.ETCDConfig, log *zap.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &EtcdLock{
		client: cli,
		prefix: "/locks/",
		log:    log,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (el *EtcdLock) key(name string) string {
	return el.prefix + name
}

// ttlSeconds etcd租约以秒为单位，不足一秒按一秒计
func ttlSeconds(ttl time.Duration) int64 {
	s := int64((ttl + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (el *EtcdLock) TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	key := el.key(name)

	grantResp, err := el.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, token, clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		el.revoke(grantResp.ID)
		return false, fmt.Errorf("事务执行失败: %w", err)
	}
	if !txnResp.Succeeded {
		el.revoke(grantResp.ID)
		return false, nil
	}

	el.mu.Lock()
	el.leases[name] = grantResp.ID
	el.mu.Unlock()
	return true, nil
}

// Refresh 授予新租约并在值仍为token时切换过去，旧租约随后回收
func (el *EtcdLock) Refresh(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	key := el.key(name)

	grantResp, err := el.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", token)).
		Then(clientv3.OpPut(key, token, clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		el.revoke(grantResp.ID)
		return false, fmt.Errorf("续约失败: %w", err)
	}

	el.mu.Lock()
	old, hadOld := el.leases[name]
	if txnResp.Succeeded {
		el.leases[name] = grantResp.ID
	} else {
		delete(el.leases, name)
	}
	el.mu.Unlock()

	if !txnResp.Succeeded {
		el.revoke(grantResp.ID)
		return false, nil
	}
	if hadOld && old != grantResp.ID {
		el.revoke(old)
	}
	return true, nil
}

func (el *EtcdLock) Release(ctx context.Context, name, token string) error {
	key := el.key(name)
	_, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", token)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return fmt.Errorf("删除键失败: %w", err)
	}

	el.mu.Lock()
	leaseID, ok := el.leases[name]
	delete(el.leases, name)
	el.mu.Unlock()
	if ok {
		el.revoke(leaseID)
	}
	return nil
}

func (el *EtcdLock) Holder(ctx context.Context, name string) (string, time.Duration, error) {
	resp, err := el.client.Get(ctx, el.key(name))
	if err != nil {
		return "", 0, fmt.Errorf("读取锁失败: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", 0, nil
	}
	kv := resp.Kvs[0]
	if kv.Lease == 0 {
		return string(kv.Value), 0, nil
	}

	ttlResp, err := el.client.TimeToLive(ctx, clientv3.LeaseID(kv.Lease))
	if err != nil {
		if err == rpctypes.ErrLeaseNotFound {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("查询租约失败: %w", err)
	}
	if ttlResp.TTL <= 0 {
		return "", 0, nil
	}
	return string(kv.Value), time.Duration(ttlResp.TTL) * time.Second, nil
}

func (el *EtcdLock) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := el.client.Revoke(ctx, id); err != nil && err != rpctypes.ErrLeaseNotFound {
		el.log.Warn("释放租约失败", zap.Int64("lease", int64(id)), zap.Error(err))
	}
}

// Close 回收本实例持有的全部租约并关闭客户端
func (el *EtcdLock) Close() error {
	el.mu.Lock()
	leases := el.leases
	el.leases = make(map[string]clientv3.LeaseID)
	el.mu.Unlock()

	for _, id := range leases {
		el.revoke(id)
	}
	return el.client.Close()
}
