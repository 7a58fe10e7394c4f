package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/kioskvote/config"
	"github.com/lvdashuaibi/kioskvote/internal/model"
)

const (
	// Redis键前缀
	BallotCacheKey = "kiosk:ballot:"
	JobKey         = "kiosk:job:"

	jobTTL = 24 * time.Hour

	// AdvanceJobScript 只允许状态向前推进，终态不可更改
	AdvanceJobScript = `
		local ranks = {pending = 0, recorded = 1, anchored = 2, confirmed = 3, failed = 4}
		local cur = redis.call('HGET', KEYS[1], 'status')
		if not cur then
			return {-1, "任务不存在"}
		end
		if cur == 'confirmed' or cur == 'failed' then
			return {1, cur}
		end
		local target = ranks[ARGV[1]]
		if not target or target <= ranks[cur] then
			return {1, cur}
		end
		redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updatedAt', ARGV[2])
		for i = 3, #ARGV, 2 do
			redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
		end
		return {0, ARGV[1]}
	`
)

type RedisRepository struct {
	client       *redis.Client
	ballotTTL    time.Duration
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository(cfg config.RedisConfig) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		ballotTTL:    cfg.BallotTTL,
		scriptHashes: make(map[string]string),
	}
	if err := repo.preloadScripts(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}
	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	sha1, err := r.client.ScriptLoad(ctx, AdvanceJobScript).Result()
	if err != nil {
		return fmt.Errorf("加载任务状态脚本失败: %w", err)
	}
	r.scriptHashes["advanceJob"] = sha1
	return nil
}

// CachedCandidates 从缓存读取候选人，未命中时ok为false
func (r *RedisRepository) CachedCandidates(ctx context.Context, electionID string) ([]model.Candidate, bool, error) {
	data, err := r.client.Get(ctx, BallotCacheKey+electionID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("获取选票缓存失败: %w", err)
	}

	var candidates []model.Candidate
	if err := json.Unmarshal([]byte(data), &candidates); err != nil {
		return nil, false, fmt.Errorf("解析选票缓存失败: %w", err)
	}
	return candidates, true, nil
}

func (r *RedisRepository) CacheCandidates(ctx context.Context, electionID string, candidates []model.Candidate) error {
	data, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("序列化候选人失败: %w", err)
	}
	if err := r.client.Set(ctx, BallotCacheKey+electionID, data, r.ballotTTL).Err(); err != nil {
		return fmt.Errorf("设置选票缓存失败: %w", err)
	}
	return nil
}

// CreateJob 保存新的提交任务
func (r *RedisRepository) CreateJob(ctx context.Context, job *model.SubmissionJob) error {
	outcomes, err := json.Marshal(job.Outcomes)
	if err != nil {
		return fmt.Errorf("序列化任务结果失败: %w", err)
	}
	key := JobKey + job.ID
	data := map[string]interface{}{
		"voterId":   job.VoterID,
		"kioskId":   job.KioskID,
		"status":    string(job.Status),
		"outcomes":  string(outcomes),
		"txHash":    job.TxHash,
		"error":     job.Error,
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, data)
	pipe.Expire(ctx, key, jobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("创建提交任务失败: %w", err)
	}
	return nil
}

// AdvanceJob 使用预加载的Lua脚本推进任务状态，保证原子性
func (r *RedisRepository) AdvanceJob(ctx context.Context, id string, to model.JobStatus, patch model.JobPatch) (bool, error) {
	args := []interface{}{string(to), patch.At.Format(time.RFC3339Nano)}
	if patch.Outcomes != nil {
		outcomes, err := json.Marshal(patch.Outcomes)
		if err != nil {
			return false, fmt.Errorf("序列化任务结果失败: %w", err)
		}
		args = append(args, "outcomes", string(outcomes))
	}
	if patch.TxHash != "" {
		args = append(args, "txHash", patch.TxHash)
	}
	if patch.Error != "" {
		args = append(args, "error", patch.Error)
	}

	keys := []string{JobKey + id}
	result, err := r.client.EvalSha(ctx, r.scriptHashes["advanceJob"], keys, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		// 脚本缓存被清空，重新加载后再试一次
		if err = r.preloadScripts(ctx); err != nil {
			return false, err
		}
		result, err = r.client.EvalSha(ctx, r.scriptHashes["advanceJob"], keys, args...).Result()
	}
	if err != nil {
		return false, fmt.Errorf("执行任务状态脚本失败: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 2 {
		return false, fmt.Errorf("LUA脚本返回格式错误")
	}
	status, ok := resultSlice[0].(int64)
	if !ok {
		return false, fmt.Errorf("LUA脚本返回状态码类型错误")
	}
	switch status {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, ErrNotFound
	}
}

// GetJob 读取提交任务
func (r *RedisRepository) GetJob(ctx context.Context, id string) (*model.SubmissionJob, error) {
	data, err := r.client.HGetAll(ctx, JobKey+id).Result()
	if err != nil {
		return nil, fmt.Errorf("获取提交任务失败: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return decodeJob(id, data)
}

// decodeJob 把哈希字段还原为任务
func decodeJob(id string, data map[string]string) (*model.SubmissionJob, error) {
	job := &model.SubmissionJob{
		ID:      id,
		VoterID: data["voterId"],
		KioskID: data["kioskId"],
		Status:  model.JobStatus(data["status"]),
		TxHash:  data["txHash"],
		Error:   data["error"],
	}
	if job.Status.Rank() < 0 {
		return nil, fmt.Errorf("%w: 任务 %s 状态 %q", ErrMalformedRow, id, data["status"])
	}
	if raw := data["outcomes"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &job.Outcomes); err != nil {
			return nil, fmt.Errorf("%w: 任务 %s 结果无法解析", ErrMalformedRow, id)
		}
	}
	for field, dst := range map[string]*time.Time{"createdAt": &job.CreatedAt, "updatedAt": &job.UpdatedAt} {
		if raw := data[field]; raw != "" {
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, fmt.Errorf("%w: 任务 %s 时间字段 %s 无法解析", ErrMalformedRow, id, field)
			}
			*dst = t
		}
	}
	return job, nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
