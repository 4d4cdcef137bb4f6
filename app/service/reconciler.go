package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"plex-kiosk/app/backend"
	"plex-kiosk/app/ledger"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/model"
)

var (
	// ErrMalformedNotification 无法处理的任务通知
	ErrMalformedNotification = errors.New("malformed task notification")
	// ErrForeignTask 回调令牌与任务所属请求不一致
	ErrForeignTask = errors.New("task belongs to another request")
)

// 订阅断开后的重连间隔
const resubscribeDelay = 5 * time.Second

// Reconciler 根据执行后端的信号推进请求状态
type Reconciler struct {
	ledger     *ledger.Ledger
	backend    backend.Backend
	dispatcher *Dispatcher
	policy     *Policy
	notifier   Notifier
	log        *logger.Logger
	now        func() time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// SweepReport 一次扫描的结果
type SweepReport struct {
	Polled       int `json:"polled"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	TimedOut     int `json:"timed_out"`
	Redispatched int `json:"redispatched"`
}

// NewReconciler 创建对账器
func NewReconciler(l *ledger.Ledger, b backend.Backend, d *Dispatcher, policy *Policy, n Notifier, log *logger.Logger) *Reconciler {
	if n == nil {
		n = nopNotifier{}
	}
	return &Reconciler{
		ledger:     l,
		backend:    b,
		dispatcher: d,
		policy:     policy,
		notifier:   n,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换超时判断使用的时间源
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Handle 处理一条任务信号，重复或过期的信号不产生任何效果
func (r *Reconciler) Handle(ctx context.Context, res backend.TaskResult) error {
	_, err := r.handle(ctx, res, 0)
	return err
}

// HandleCallback 处理回调，任务必须属于令牌中的请求
func (r *Reconciler) HandleCallback(ctx context.Context, requestID uint, res backend.TaskResult) error {
	_, err := r.handle(ctx, res, requestID)
	return err
}

// handle 返回信号是否改变了账本
func (r *Reconciler) handle(ctx context.Context, res backend.TaskResult, requestID uint) (bool, error) {
	if err := res.Validate(); err != nil {
		r.log.Warnf("丢弃无效的任务通知: %v", err)
		return false, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	req, err := r.ledger.FindByTaskID(ctx, res.TaskID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			// 任务ID已被重试清除，或从未被记录
			r.log.Debugf("忽略未知任务的通知: TaskID=%s, State=%s", res.TaskID, res.State)
			return false, nil
		}
		return false, err
	}
	if requestID != 0 && req.ID != requestID {
		r.log.Warnf("回调令牌与任务不匹配: TaskID=%s, 令牌RequestID=%d, 实际RequestID=%d", res.TaskID, requestID, req.ID)
		return false, ErrForeignTask
	}

	switch res.State {
	case backend.StateSuccess:
		return r.complete(ctx, req, res)
	case backend.StateFailure, backend.StateRevoked:
		reason := res.Error
		if reason == "" {
			reason = "task " + string(res.State)
		}
		return r.fail(ctx, req, reason)
	default:
		return false, nil
	}
}

func (r *Reconciler) complete(ctx context.Context, req *model.MediaRequest, res backend.TaskResult) (bool, error) {
	out, err := r.ledger.Transition(ctx, req.ID, model.RequestStatusCompleted, ledger.TransitionMeta{
		Source:       "reconciler",
		ExpectTaskID: res.TaskID,
		Result:       res.Result,
		Message:      "completed",
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}

	r.log.Infof("请求已完成: RequestID=%d, TaskID=%s", out.ID, res.TaskID)
	r.notifier.Notify(ctx, out)
	return true, nil
}

// fail 标记失败，未用尽预算时在同一事务里进入 retrying 并立即重新分发
func (r *Reconciler) fail(ctx context.Context, req *model.MediaRequest, reason string) (bool, error) {
	pol := r.policy.Get()
	exhausted := req.RetryCount >= pol.MaxRetries
	msg := reason
	if exhausted {
		msg = fmt.Sprintf("%s; retry budget exhausted (%d/%d)", reason, req.RetryCount, pol.MaxRetries)
	}

	steps := []ledger.Step{{
		To: model.RequestStatusFailed,
		Meta: ledger.TransitionMeta{
			Source:       "reconciler",
			ExpectTaskID: req.CurrentTaskID(),
			Message:      msg,
		},
	}}
	if !exhausted {
		steps = append(steps, ledger.Step{
			To: model.RequestStatusRetrying,
			Meta: ledger.TransitionMeta{
				Source:     "reconciler",
				CountRetry: true,
				Message:    fmt.Sprintf("automatic retry %d/%d", req.RetryCount+1, pol.MaxRetries),
			},
		})
	}

	out, err := r.ledger.TransitionChain(ctx, req.ID, steps...)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	r.log.Warnf("请求失败: RequestID=%d, TaskID=%s, 原因: %s", out.ID, req.CurrentTaskID(), msg)

	if exhausted {
		r.notifier.Notify(ctx, out)
		return true, nil
	}
	if _, err := r.dispatcher.Dispatch(ctx, out.ID); err != nil {
		r.log.Warnf("重新分发失败，等待下次扫描: RequestID=%d, 错误: %v", out.ID, err)
	}
	return true, nil
}

// Retry 手动重试终态失败的请求，不受自动重试次数限制
func (r *Reconciler) Retry(ctx context.Context, id uint) (*model.MediaRequest, error) {
	if _, err := r.ledger.Transition(ctx, id, model.RequestStatusRetrying, ledger.TransitionMeta{
		Source:  "api",
		Message: "manual retry",
	}); err != nil {
		return nil, err
	}

	_, dispatchErr := r.dispatcher.Dispatch(ctx, id)
	req, err := r.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return req, dispatchErr
}

// Sweep 轮询已分发的任务、处理超时并补发遗留的请求
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	pol := r.policy.Get()
	now := r.now()

	dispatched, err := r.ledger.ListDispatched(ctx, pol.SweepBatch)
	if err != nil {
		return report, fmt.Errorf("查询已分发请求失败: %w", err)
	}
	for i := range dispatched {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		req := &dispatched[i]
		report.Polled++

		st, err := r.backend.Status(ctx, req.CurrentTaskID())
		switch {
		case err == nil && st.State.Terminal():
			applied, herr := r.handle(ctx, *st, 0)
			if herr != nil {
				r.log.Errorf("处理轮询结果失败: RequestID=%d, 错误: %v", req.ID, herr)
			}
			if applied {
				if st.State == backend.StateSuccess {
					report.Completed++
				} else {
					report.Failed++
				}
				continue
			}
		case err != nil && !errors.Is(err, backend.ErrTaskNotFound):
			r.log.Warnf("查询任务状态失败: RequestID=%d, TaskID=%s, 错误: %v", req.ID, req.CurrentTaskID(), err)
		}

		if req.DispatchedAt != nil && now.Sub(*req.DispatchedAt) > pol.SignalTimeout {
			applied, ferr := r.fail(ctx, req, fmt.Sprintf("timeout: no signal within %v", pol.SignalTimeout))
			if ferr != nil {
				r.log.Errorf("标记超时失败: RequestID=%d, 错误: %v", req.ID, ferr)
			}
			if applied {
				report.TimedOut++
			}
		}
	}

	due, err := r.ledger.ListRedispatchable(ctx, now.Add(-pol.PendingGrace), pol.SweepBatch)
	if err != nil {
		return report, fmt.Errorf("查询待补发请求失败: %w", err)
	}
	for _, req := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := r.dispatcher.Dispatch(ctx, req.ID); err != nil {
			r.log.Warnf("补发请求失败: RequestID=%d, 错误: %v", req.ID, err)
			continue
		}
		report.Redispatched++
	}

	if report != (SweepReport{}) {
		r.log.Infof("扫描完成: 轮询=%d, 完成=%d, 失败=%d, 超时=%d, 补发=%d",
			report.Polled, report.Completed, report.Failed, report.TimedOut, report.Redispatched)
	}
	return report, nil
}

// Start 启动推送信号的消费协程，后端不支持推送时只依赖扫描
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	sub, ok := r.backend.(backend.Subscriber)
	if !ok {
		r.log.Infof("后端 %s 不支持推送，仅使用轮询对账", r.backend.Name())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go r.consume(ctx, sub)

	r.log.Info("对账器已启动")
}

// Stop 停止消费协程
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false
	r.cancel()
	r.wg.Wait()

	r.log.Info("对账器已停止")
}

func (r *Reconciler) consume(ctx context.Context, sub backend.Subscriber) {
	defer r.wg.Done()

	for {
		events, err := sub.Subscribe(ctx)
		if err != nil {
			r.log.Errorf("订阅任务事件失败: %v", err)
		} else {
			for ev := range events {
				r.safeHandle(ctx, ev)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (r *Reconciler) safeHandle(ctx context.Context, ev backend.TaskResult) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorf("处理任务事件时发生panic: TaskID=%s, %v", ev.TaskID, p)
		}
	}()

	if err := r.Handle(ctx, ev); err != nil && !errors.Is(err, ErrMalformedNotification) {
		r.log.Errorf("处理任务事件失败: TaskID=%s, 错误: %v", ev.TaskID, err)
	}
}
