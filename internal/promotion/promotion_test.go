package promotion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/promocoupon/internal/errs"
	"github.com/lvdashuaibi/promocoupon/internal/lock"
	"github.com/lvdashuaibi/promocoupon/internal/model"
	"github.com/lvdashuaibi/promocoupon/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type PromotionTestSuite struct {
	suite.Suite
	mr          *miniredis.Miniredis
	client      *redis.Client
	repo        *repository.RedisRepository
	locker      *lock.ActivityLock
	ledger      *Ledger
	estimator   *CapacityEstimator
	coordinator *Coordinator
	ctx         context.Context
}

func (s *PromotionTestSuite) SetupTest() {
	s.mr = miniredis.RunT(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: s.mr.Addr(), PoolSize: 64})
	s.repo = repository.NewRedisRepositoryFromClient(s.client)
	s.locker = lock.NewActivityLock(s.client, lock.DefaultActivityLockTTL)
	s.ledger = NewLedger(s.repo)
	s.estimator = NewCapacityEstimator(s.repo, s.ledger, s.locker, DefaultCapacityRatio, nil)
	s.coordinator = NewCoordinator(s.repo, s.ledger, s.locker, nil)
	s.ctx = context.Background()
}

func (s *PromotionTestSuite) TearDownTest() {
	s.client.Close()
}

func TestPromotionTestSuite(t *testing.T) {
	suite.Run(t, new(PromotionTestSuite))
}

func (s *PromotionTestSuite) reserveUsers(activityID string, n int) {
	for i := 0; i < n; i++ {
		_, err := s.coordinator.Reserve(s.ctx, activityID, fmt.Sprintf("user-%03d", i))
		s.Require().NoError(err)
	}
}

func (s *PromotionTestSuite) amount(activityID string) int64 {
	amount, err := s.ledger.Amount(s.ctx, activityID)
	s.Require().NoError(err)
	return amount
}

func (s *PromotionTestSuite) TestReserveIsIdempotent() {
	first, err := s.coordinator.Reserve(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.NotEmpty(first.ID)
	s.False(first.Issued())

	second, err := s.coordinator.Reserve(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)
	s.True(first.ReservedTime.Equal(second.ReservedTime))

	other, err := s.coordinator.Reserve(s.ctx, "summer2024", "bob")
	s.Require().NoError(err)
	s.NotEqual(first.ID, other.ID)
}

func (s *PromotionTestSuite) TestReserveLostRace() {
	racing := &racingCreateStore{RedisRepository: s.repo}
	coordinator := NewCoordinator(racing, s.ledger, s.locker, nil)

	_, err := coordinator.Reserve(s.ctx, "summer2024", "alice")
	s.ErrorIs(err, errs.ErrReserveFailed)
}

func (s *PromotionTestSuite) TestIssueWithoutReservation() {
	s.Require().NoError(s.ledger.Set(s.ctx, "summer2024", 10))

	_, err := s.coordinator.Issue(s.ctx, "summer2024", "alice")
	s.ErrorIs(err, errs.ErrNoReservation)
	s.Equal(int64(10), s.amount("summer2024"))
	s.False(s.mr.Exists("lock:summer2024"))
}

func (s *PromotionTestSuite) TestIssueBeforeCapacityComputed() {
	_, err := s.coordinator.Reserve(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)

	_, err = s.coordinator.Issue(s.ctx, "summer2024", "alice")
	s.ErrorIs(err, errs.ErrCapacityNotComputed)
	s.False(s.mr.Exists("lock:summer2024"), "失败路径也要释放锁")
}

func (s *PromotionTestSuite) TestIssueTwice() {
	reserved, err := s.coordinator.Reserve(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Require().NoError(s.ledger.Set(s.ctx, "summer2024", 3))

	issued, err := s.coordinator.Issue(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Equal(reserved.ID, issued.ID)
	s.Len(issued.Code, codeLength)
	s.Require().NotNil(issued.IssuedTime)
	s.Equal(int64(2), s.amount("summer2024"))

	_, err = s.coordinator.Issue(s.ctx, "summer2024", "alice")
	s.ErrorIs(err, errs.ErrDuplicatedIssue)
	s.Equal(int64(2), s.amount("summer2024"))

	stored, err := s.coordinator.Get(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Equal(issued.Code, stored.Code)
	s.True(issued.IssuedTime.Equal(*stored.IssuedTime))
}

func (s *PromotionTestSuite) TestIssueLockContention() {
	_, err := s.coordinator.Reserve(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Require().NoError(s.ledger.Set(s.ctx, "summer2024", 1))

	ok, err := s.locker.Acquire(s.ctx, "summer2024", "bob")
	s.Require().NoError(err)
	s.Require().True(ok)

	_, err = s.coordinator.Issue(s.ctx, "summer2024", "alice")
	s.ErrorIs(err, errs.ErrLockContention)
	s.Equal(int64(1), s.amount("summer2024"))

	// 持有者的锁不能被失败的请求释放
	owner, err := s.mr.Get("lock:summer2024")
	s.Require().NoError(err)
	s.Equal("bob", owner)

	// 锁过期后可继续领取
	s.mr.FastForward(lock.DefaultActivityLockTTL + time.Millisecond)
	_, err = s.coordinator.Issue(s.ctx, "summer2024", "alice")
	s.NoError(err)
}

func (s *PromotionTestSuite) TestIssueRecordVanishedIsReclaimed() {
	_, err := s.coordinator.Reserve(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Require().NoError(s.ledger.Set(s.ctx, "summer2024", 5))

	vanishing := &vanishingSaveStore{RedisRepository: s.repo}
	coordinator := NewCoordinator(vanishing, s.ledger, s.locker, nil)

	_, err = coordinator.Issue(s.ctx, "summer2024", "alice")
	s.ErrorIs(err, errs.ErrIssueFailed)
	s.Equal(int64(5), s.amount("summer2024"), "回收后数量应恢复")

	got, err := s.coordinator.Get(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Nil(got)
	s.False(s.mr.Exists("lock:summer2024"))
}

func (s *PromotionTestSuite) TestIssueSurvivesClientCancel() {
	_, err := s.coordinator.Reserve(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Require().NoError(s.ledger.Set(s.ctx, "summer2024", 5))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	// 扣减写入后客户端断开
	ledger := NewLedger(&cancellingAmountStore{RedisRepository: s.repo, cancel: cancel})
	coordinator := NewCoordinator(s.repo, ledger, s.locker, nil)

	issued, err := coordinator.Issue(ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.True(issued.Issued())
	s.Error(ctx.Err())
	s.Equal(int64(4), s.amount("summer2024"))

	got, err := s.coordinator.Get(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.True(got.Issued())
	s.Equal(issued.Code, got.Code)
	s.False(s.mr.Exists("lock:summer2024"))
}

func (s *PromotionTestSuite) TestReserveSurvivesClientCancel() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	reserved, err := s.coordinator.Reserve(ctx, "summer2024", "alice")
	s.Require().NoError(err)

	got, err := s.coordinator.Get(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(reserved.ID, got.ID)
}

func (s *PromotionTestSuite) TestReclaimWithoutRecordIsNoop() {
	s.Require().NoError(s.ledger.Set(s.ctx, "summer2024", 4))

	s.Require().NoError(s.coordinator.Reclaim(s.ctx, "summer2024", "ghost"))
	s.Equal(int64(4), s.amount("summer2024"))
}

func (s *PromotionTestSuite) TestReclaimRestoresAmount() {
	_, err := s.coordinator.Reserve(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Require().NoError(s.ledger.Set(s.ctx, "summer2024", 0))

	s.Require().NoError(s.coordinator.Reclaim(s.ctx, "summer2024", "alice"))
	s.Equal(int64(1), s.amount("summer2024"))
}

func (s *PromotionTestSuite) TestSummerActivityExample() {
	s.reserveUsers("summer2024", 50)

	amount, err := s.estimator.ComputeCapacity(s.ctx, "summer2024", "1")
	s.Require().NoError(err)
	s.Equal(int64(10), amount)
	s.False(s.mr.Exists("lock:summer2024"))

	for i := 0; i < 10; i++ {
		_, err := s.coordinator.Issue(s.ctx, "summer2024", fmt.Sprintf("user-%03d", i))
		s.Require().NoError(err)
	}
	s.Equal(int64(0), s.amount("summer2024"))

	_, err = s.coordinator.Issue(s.ctx, "summer2024", "user-010")
	s.ErrorIs(err, errs.ErrOutOfStock)
	s.Equal(int64(0), s.amount("summer2024"))
}

func (s *PromotionTestSuite) TestConcurrentIssueNeverOversells() {
	const (
		users = 40
		stock = 7
	)
	s.reserveUsers("flash", users)
	s.Require().NoError(s.ledger.Set(s.ctx, "flash", stock))

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		succeeded  int
		outOfStock int
		unexpected []error
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for {
				_, err := s.coordinator.Issue(s.ctx, "flash", user)
				if errs.Is(err, errs.ErrLockContention) {
					// 客户端重新提交
					time.Sleep(time.Millisecond)
					continue
				}
				mu.Lock()
				switch {
				case err == nil:
					succeeded++
				case errs.Is(err, errs.ErrOutOfStock):
					outOfStock++
				default:
					unexpected = append(unexpected, err)
				}
				mu.Unlock()
				return
			}
		}(fmt.Sprintf("user-%03d", i))
	}
	wg.Wait()

	s.Empty(unexpected)
	s.Equal(stock, succeeded)
	s.Equal(users-stock, outOfStock)
	s.Equal(int64(0), s.amount("flash"))
}

func (s *PromotionTestSuite) TestComputeCapacityLockContention() {
	s.reserveUsers("summer2024", 5)
	ok, err := s.locker.Acquire(s.ctx, "summer2024", "alice")
	s.Require().NoError(err)
	s.Require().True(ok)

	_, err = s.estimator.ComputeCapacity(s.ctx, "summer2024", "1")
	s.ErrorIs(err, errs.ErrLockContention)

	_, err = s.ledger.Amount(s.ctx, "summer2024")
	s.ErrorIs(err, errs.ErrCapacityNotComputed)
}

func (s *PromotionTestSuite) TestComputeCapacityOwnerTag() {
	s.reserveUsers("summer2024", 3)
	tracking := &ownerTrackingLocker{Locker: s.locker}
	estimator := NewCapacityEstimator(s.repo, s.ledger, tracking, 0, nil)

	amount, err := estimator.ComputeCapacity(s.ctx, "summer2024", "42")
	s.Require().NoError(err)
	s.Equal(int64(1), amount)
	s.Equal("promotion-timer-42", tracking.owner)
}

func TestLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ledger := NewLedger(repository.NewRedisRepositoryFromClient(client))
	ctx := context.Background()

	_, err := ledger.Decrement(ctx, "a")
	assert.ErrorIs(t, err, errs.ErrCapacityNotComputed)
	_, err = ledger.Increment(ctx, "a")
	assert.ErrorIs(t, err, errs.ErrCapacityNotComputed)

	require.NoError(t, ledger.Set(ctx, "a", 1))
	n, err := ledger.Decrement(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = ledger.Decrement(ctx, "a")
	assert.ErrorIs(t, err, errs.ErrOutOfStock)

	n, err = ledger.Increment(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 外部写入了负数，归还时先归零
	require.NoError(t, mr.Set("promotion:amount:a", "-3"))
	n, err = ledger.Increment(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, mr.Set("promotion:amount:a", "-3"))
	_, err = ledger.Decrement(ctx, "a")
	assert.ErrorIs(t, err, errs.ErrOutOfStock)

	// Set 不写入负数
	require.NoError(t, ledger.Set(ctx, "b", -2))
	n, err = ledger.Amount(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCapacity(t *testing.T) {
	cases := []struct {
		count int64
		want  int64
	}{
		{0, 0},
		{2, 0},
		{3, 1},
		{7, 1},
		{8, 2},
		{50, 10},
		{52, 10},
		{53, 11},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Capacity(tc.count, 0.2), "count=%d", tc.count)
	}
}

func TestRandomCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		code := RandomCode()
		require.Len(t, code, codeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, r), "code %q", code)
		}
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "1")
		assert.NotContains(t, code, "O")
		assert.NotContains(t, code, "o")
		assert.NotContains(t, code, "l")
		assert.NotContains(t, code, "I")
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 990)
}

// racingCreateStore 模拟并发预约抢先写入
type racingCreateStore struct {
	*repository.RedisRepository
}

func (r *racingCreateStore) CreatePromotion(ctx context.Context, promotion *model.Promotion) (bool, error) {
	winner := *promotion
	winner.ID = "winner"
	if _, err := r.RedisRepository.CreatePromotion(ctx, &winner); err != nil {
		return false, err
	}
	return r.RedisRepository.CreatePromotion(ctx, promotion)
}

// vanishingSaveStore 模拟读写之间记录被删除
type vanishingSaveStore struct {
	*repository.RedisRepository
}

func (v *vanishingSaveStore) SavePromotion(ctx context.Context, promotion *model.Promotion) (bool, error) {
	if _, err := v.RedisRepository.DeletePromotion(ctx, promotion.Activity, promotion.User); err != nil {
		return false, err
	}
	return v.RedisRepository.SavePromotion(ctx, promotion)
}

// cancellingAmountStore 写入剩余数量后取消调用方的上下文
type cancellingAmountStore struct {
	*repository.RedisRepository
	cancel context.CancelFunc
}

func (c *cancellingAmountStore) SetAmount(ctx context.Context, activityID string, amount int64) error {
	err := c.RedisRepository.SetAmount(ctx, activityID, amount)
	c.cancel()
	return err
}

type ownerTrackingLocker struct {
	lock.Locker
	owner string
}

func (o *ownerTrackingLocker) Acquire(ctx context.Context, activityID, owner string) (bool, error) {
	o.owner = owner
	return o.Locker.Acquire(ctx, activityID, owner)
}
