package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/promocoupon/config"
	"github.com/lvdashuaibi/promocoupon/internal/model"
)

const (
	// Redis键前缀
	PromotionKey       = "promotion"
	PromotionAmountKey = "promotion:amount"
	LockKey            = "lock"
	// ScheduleKey 待计算容量的活动，score为预约窗口结束的毫秒时间戳
	ScheduleKey = "promotion:schedule"
	// ScheduleClaimedKey 已认领容量计算的活动
	ScheduleClaimedKey = "promotion:schedule:claimed"
)

// PromotionHashKey 活动预约记录哈希 promotion:{activityId}
func PromotionHashKey(activityID string) string {
	return strings.Join([]string{PromotionKey, activityID}, ":")
}

// AmountKey 活动剩余数量 promotion:amount:{activityId}
func AmountKey(activityID string) string {
	return strings.Join([]string{PromotionAmountKey, activityID}, ":")
}

// ActivityLockKey 活动锁 lock:{activityId}
func ActivityLockKey(activityID string) string {
	return strings.Join([]string{LockKey, activityID}, ":")
}

type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(ctx context.Context, cfg config.RedisConfig) (*RedisRepository, error) {
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

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	return &RedisRepository{client: client}, nil
}

// NewRedisRepositoryFromClient 使用已有客户端
func NewRedisRepositoryFromClient(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

// Client 底层客户端，活动锁与数据共用同一个Redis
func (r *RedisRepository) Client() *redis.Client {
	return r.client
}

// GetPromotion 获取用户在活动中的记录，不存在时返回nil
func (r *RedisRepository) GetPromotion(ctx context.Context, activityID, userID string) (*model.Promotion, error) {
	data, err := r.client.HGet(ctx, PromotionHashKey(activityID), userID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("获取优惠记录失败: %w", err)
	}
	if data == "" {
		return nil, nil
	}

	var promotion model.Promotion
	if err := json.Unmarshal([]byte(data), &promotion); err != nil {
		return nil, fmt.Errorf("解析优惠记录失败: %w", err)
	}
	return &promotion, nil
}

// CreatePromotion 仅在字段不存在时写入记录，返回是否写入
func (r *RedisRepository) CreatePromotion(ctx context.Context, promotion *model.Promotion) (bool, error) {
	data, err := json.Marshal(promotion)
	if err != nil {
		return false, fmt.Errorf("序列化优惠记录失败: %w", err)
	}

	ok, err := r.client.HSetNX(ctx, PromotionHashKey(promotion.Activity), promotion.User, data).Result()
	if err != nil {
		return false, fmt.Errorf("写入预约记录失败: %w", err)
	}
	return ok, nil
}

// SavePromotion 覆盖写入记录，返回本次是否新建了字段(true表示此前记录不存在)
func (r *RedisRepository) SavePromotion(ctx context.Context, promotion *model.Promotion) (bool, error) {
	data, err := json.Marshal(promotion)
	if err != nil {
		return false, fmt.Errorf("序列化优惠记录失败: %w", err)
	}

	created, err := r.client.HSet(ctx, PromotionHashKey(promotion.Activity), promotion.User, data).Result()
	if err != nil {
		return false, fmt.Errorf("更新优惠记录失败: %w", err)
	}
	return created > 0, nil
}

// DeletePromotion 删除记录，返回删除的数量
func (r *RedisRepository) DeletePromotion(ctx context.Context, activityID, userID string) (int64, error) {
	n, err := r.client.HDel(ctx, PromotionHashKey(activityID), userID).Result()
	if err != nil {
		return 0, fmt.Errorf("删除优惠记录失败: %w", err)
	}
	return n, nil
}

// CountPromotions 统计活动的预约数量
func (r *RedisRepository) CountPromotions(ctx context.Context, activityID string) (int64, error) {
	n, err := r.client.HLen(ctx, PromotionHashKey(activityID)).Result()
	if err != nil {
		return 0, fmt.Errorf("统计预约数量失败: %w", err)
	}
	return n, nil
}

// GetAmount 获取剩余数量，第二个返回值表示是否存在
func (r *RedisRepository) GetAmount(ctx context.Context, activityID string) (int64, bool, error) {
	value, err := r.client.Get(ctx, AmountKey(activityID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("获取剩余数量失败: %w", err)
	}
	if value == "" {
		return 0, false, nil
	}

	amount, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("解析剩余数量 %q 失败: %w", value, err)
	}
	return amount, true, nil
}

// SetAmount 写入剩余数量，不设过期时间
func (r *RedisRepository) SetAmount(ctx context.Context, activityID string, amount int64) error {
	if err := r.client.Set(ctx, AmountKey(activityID), strconv.FormatInt(amount, 10), 0).Err(); err != nil {
		return fmt.Errorf("设置剩余数量失败: %w", err)
	}
	return nil
}

// 已认领的活动不再登记
var addScheduleScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
	return 0
end
return redis.call("ZADD", KEYS[1], "NX", ARGV[2], ARGV[1])
`)

// 只有仍在待计算集合中的活动可以认领
var claimScheduleScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

var restoreScheduleScript = redis.NewScript(`
redis.call("SREM", KEYS[2], ARGV[1])
return redis.call("ZADD", KEYS[1], "NX", ARGV[2], ARGV[1])
`)

func scheduleKeys() []string {
	return []string{ScheduleKey, ScheduleClaimedKey}
}

// AddSchedule 登记活动的容量计算时间，已登记时保留原时间，已认领时忽略
func (r *RedisRepository) AddSchedule(ctx context.Context, activityID string, deadline time.Time) error {
	if err := addScheduleScript.Run(ctx, r.client, scheduleKeys(), activityID, deadline.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("登记容量计算失败: %w", err)
	}
	return nil
}

// PendingSchedules 所有尚未认领的活动及其计算时间
func (r *RedisRepository) PendingSchedules(ctx context.Context) (map[string]time.Time, error) {
	entries, err := r.client.ZRangeWithScores(ctx, ScheduleKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("获取待计算活动失败: %w", err)
	}

	pending := make(map[string]time.Time, len(entries))
	for _, z := range entries {
		activityID, ok := z.Member.(string)
		if !ok {
			continue
		}
		pending[activityID] = time.UnixMilli(int64(z.Score))
	}
	return pending, nil
}

// ClaimSchedule 认领活动的容量计算，返回true表示由本次调用取得计算权
func (r *RedisRepository) ClaimSchedule(ctx context.Context, activityID string) (bool, error) {
	n, err := claimScheduleScript.Run(ctx, r.client, scheduleKeys(), activityID).Int64()
	if err != nil {
		return false, fmt.Errorf("认领容量计算失败: %w", err)
	}
	return n == 1, nil
}

// RestoreSchedule 计算失败时交还计算权，活动重新进入待计算集合
func (r *RedisRepository) RestoreSchedule(ctx context.Context, activityID string, deadline time.Time) error {
	if err := restoreScheduleScript.Run(ctx, r.client, scheduleKeys(), activityID, deadline.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("交还容量计算失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
