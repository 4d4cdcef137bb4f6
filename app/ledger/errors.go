package ledger

import (
	"errors"
	"fmt"

	"plex-kiosk/app/model"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("media request not found")
	// ErrInvalidTransition 状态图不允许的转换
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicateRequest 同一媒体已有未失败的请求
	ErrDuplicateRequest = errors.New("media already requested")
	// ErrQuotaExceeded 请求者当天的请求数已达上限
	ErrQuotaExceeded = errors.New("daily request quota exceeded")
	// ErrDuplicateTaskID 任务ID已被其他请求占用
	ErrDuplicateTaskID = errors.New("task id already bound to another request")
	// ErrNotDispatchable 当前状态或任务ID不满足分发前置条件
	ErrNotDispatchable = errors.New("request is not dispatchable")
	// ErrDispatchInProgress 另一个分发者持有租约
	ErrDispatchInProgress = errors.New("dispatch already in progress")

	errVersionConflict = errors.New("version conflict")
)

// ValidationError 载荷校验失败，未写入账本
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid request payload: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// QuotaExceededError 请求者超出每日限额
type QuotaExceededError struct {
	RequestedBy string
	Limit       int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("requester %q reached the daily limit of %d requests", e.RequestedBy, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// InvalidTransitionError 描述被拒绝的转换
type InvalidTransitionError struct {
	RequestID uint
	From      model.RequestStatus
	To        model.RequestStatus
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("request %d: cannot transition %s -> %s", e.RequestID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
