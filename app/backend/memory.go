package backend

import (
	"context"
	"sync"
	"time"

	"plex-kiosk/app/logger"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// 保留最近提交的数量
const memorySubmittedLimit = 256

// Memory 进程内后端，只在 debug 模式和测试中使用
// 它不执行任务，状态由 Complete/Fail 或回调写入，任务结果在 ttl 后过期
type Memory struct {
	tasks *cache.Cache
	log   *logger.Logger

	mu          sync.RWMutex
	unavailable error
	submitted   []Work
	subscribers map[*memorySubscriber]struct{}
}

type memorySubscriber struct {
	ch       chan TaskResult
	ctx      context.Context
	inflight sync.WaitGroup
}

// NewMemory 创建进程内后端
func NewMemory(ttl time.Duration, log *logger.Logger) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Memory{
		tasks:       cache.New(ttl, ttl/2),
		log:         log,
		subscribers: make(map[*memorySubscriber]struct{}),
	}
}

func (m *Memory) Name() string { return "memory" }

// Submit 记录任务并分配ID
func (m *Memory) Submit(ctx context.Context, work Work) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.unavailable != nil {
		err := m.unavailable
		m.mu.Unlock()
		return "", err
	}
	m.submitted = append(m.submitted, work)
	if len(m.submitted) > memorySubmittedLimit {
		m.submitted = append(m.submitted[:0:0], m.submitted[len(m.submitted)-memorySubmittedLimit:]...)
	}
	m.mu.Unlock()

	id := uuid.NewString()
	m.tasks.Set(id, &TaskResult{TaskID: id, State: StatePending}, cache.DefaultExpiration)
	m.log.Debugf("内存后端接收任务: TaskID=%s, RequestID=%d", id, work.RequestID)
	return id, nil
}

func (m *Memory) Status(ctx context.Context, taskID string) (*TaskResult, error) {
	v, ok := m.tasks.Get(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	r := *v.(*TaskResult)
	return &r, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unavailable
}

// SetUnavailable 模拟后端不可达，nil 恢复
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	m.unavailable = err
	m.mu.Unlock()
}

// Submitted 返回最近接收的提交
func (m *Memory) Submitted() []Work {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Work, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// Report 写入任务状态并推送给订阅者
func (m *Memory) Report(ctx context.Context, r TaskResult) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if _, ok := m.tasks.Get(r.TaskID); !ok {
		return ErrTaskNotFound
	}
	m.tasks.Set(r.TaskID, &r, cache.DefaultExpiration)

	// 订阅者可能在处理事件时回调 Submit，发送时不能持有锁
	m.mu.RLock()
	subs := make([]*memorySubscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		sub.inflight.Add(1)
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	var err error
	for _, sub := range subs {
		if err == nil {
			select {
			case sub.ch <- r:
			case <-sub.ctx.Done():
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		sub.inflight.Done()
	}
	return err
}

// Complete 标记任务成功
func (m *Memory) Complete(ctx context.Context, taskID string, result map[string]any) error {
	return m.Report(ctx, TaskResult{TaskID: taskID, State: StateSuccess, Result: result})
}

// Fail 标记任务失败
func (m *Memory) Fail(ctx context.Context, taskID, reason string) error {
	return m.Report(ctx, TaskResult{TaskID: taskID, State: StateFailure, Error: reason})
}

// Subscribe 订阅状态推送，ctx 结束时关闭通道
func (m *Memory) Subscribe(ctx context.Context) (<-chan TaskResult, error) {
	sub := &memorySubscriber{ch: make(chan TaskResult, 16), ctx: ctx}
	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subscribers, sub)
		m.mu.Unlock()
		// 等待进行中的发送结束后再关闭
		sub.inflight.Wait()
		close(sub.ch)
	}()
	return sub.ch, nil
}
