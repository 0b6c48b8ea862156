package errs

import (
	cr "github.com/cockroachdb/errors"
)

// 领域错误：对外返回403及错误信息
var (
	ErrNoReservation       = cr.New("用户尚未预约该活动")
	ErrDuplicatedIssue     = cr.New("优惠券已发放，不能重复领取")
	ErrOutOfStock          = cr.New("优惠券已发放完毕")
	ErrCapacityNotComputed = cr.New("活动发放总量尚未计算")
	ErrReserveFailed       = cr.New("预约失败")
	ErrIssueFailed         = cr.New("发放优惠券失败")
	ErrLockContention      = cr.New("活动正忙，请稍后重试")
	ErrLockRelease         = cr.New("释放活动锁失败")
	ErrNotAvailable        = cr.New("当前不在活动时间内")
)

// ErrInvalidRequest 请求参数错误，对外返回400
var ErrInvalidRequest = cr.New("请求参数错误")

var domainErrors = []error{
	ErrNoReservation,
	ErrDuplicatedIssue,
	ErrOutOfStock,
	ErrCapacityNotComputed,
	ErrReserveFailed,
	ErrIssueFailed,
	ErrLockContention,
	ErrLockRelease,
	ErrNotAvailable,
}

// IsDomain 判断是否为领域错误
func IsDomain(err error) bool {
	if err == nil {
		return false
	}
	return cr.IsAny(err, domainErrors...)
}

// Message 返回面向客户端的错误信息，领域错误取其自身信息，不暴露包装链
func Message(err error) string {
	for _, target := range domainErrors {
		if cr.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}

func Is(err, target error) bool {
	return cr.Is(err, target)
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return cr.Wrapf(err, format, args...)
}

func New(msg string) error {
	return cr.New(msg)
}

// Mark 给 err 打上领域错误标记，保留原始信息
func Mark(err error, markErr error) error {
	if err == nil {
		return markErr
	}
	return cr.Mark(err, markErr)
}
