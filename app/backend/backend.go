// Package backend submits work to the asynchronous execution backend and
// reads task state back from it.
package backend

import (
	"context"
	"errors"
	"fmt"

	"plex-kiosk/app/config"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/model"
)

// TaskState 任务状态，与 Celery 的状态名一致
type TaskState string

const (
	StatePending TaskState = "PENDING"
	StateStarted TaskState = "STARTED"
	StateRetry   TaskState = "RETRY"
	StateSuccess TaskState = "SUCCESS"
	StateFailure TaskState = "FAILURE"
	StateRevoked TaskState = "REVOKED"
)

// Terminal 任务是否已结束
func (s TaskState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	}
	return false
}

func (s TaskState) valid() bool {
	switch s {
	case StatePending, StateStarted, StateRetry, StateSuccess, StateFailure, StateRevoked:
		return true
	}
	return false
}

var (
	// ErrUnavailable 后端不可达或拒绝提交
	ErrUnavailable = errors.New("execution backend unavailable")
	// ErrTaskNotFound 后端不认识该任务ID
	ErrTaskNotFound = errors.New("task not found in backend")
	// ErrMalformedResult 信号缺少必要字段
	ErrMalformedResult = errors.New("malformed task result")
)

// Work 一次提交的内容
type Work struct {
	Name          string         // 任务名
	Queue         string         // 队列
	RequestID     uint           // 媒体请求ID
	Args          map[string]any // 随任务传递的请求信息
	CallbackURL   string         // 任务结束后回调地址
	CallbackToken string         // 回调令牌
}

// TaskResult 后端报告的任务状态
type TaskResult struct {
	TaskID string         `json:"task_id"`
	State  TaskState      `json:"state"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Validate 校验信号
func (r TaskResult) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("%w: empty task id", ErrMalformedResult)
	}
	if len(r.TaskID) > model.TaskIDMaxLen {
		return fmt.Errorf("%w: task id longer than %d chars", ErrMalformedResult, model.TaskIDMaxLen)
	}
	if !r.State.valid() {
		return fmt.Errorf("%w: unknown state %q", ErrMalformedResult, r.State)
	}
	return nil
}

// Backend 异步执行后端
type Backend interface {
	Name() string
	// Submit 提交任务，返回后端分配的任务ID
	Submit(ctx context.Context, work Work) (string, error)
	// Status 查询任务当前状态
	Status(ctx context.Context, taskID string) (*TaskResult, error)
	Ping(ctx context.Context) error
}

// Subscriber 能主动推送任务状态的后端
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan TaskResult, error)
}

// New 按配置创建后端
func New(cfg *config.Config, log *logger.Logger) (Backend, error) {
	switch cfg.Backend.Type {
	case "memory", "":
		return NewMemory(cfg.Backend.ResultTTL, log), nil
	case "flower":
		return NewFlower(cfg.Backend, log), nil
	case "redis":
		return NewRedis(cfg.Redis, cfg.Backend.ResultTTL, log)
	default:
		return nil, fmt.Errorf("不支持的后端类型: %s", cfg.Backend.Type)
	}
}

// Close 释放后端持有的连接
func Close(b Backend) error {
	if c, ok := b.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
