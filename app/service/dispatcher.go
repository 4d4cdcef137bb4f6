package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"plex-kiosk/app/auth"
	"plex-kiosk/app/backend"
	"plex-kiosk/app/config"
	"plex-kiosk/app/ledger"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/model"
)

// ErrDispatcherStopped 分发器已停止
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// DispatchError 分发失败，请求保持可分发状态
type DispatchError struct {
	RequestID uint
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch request %d: %v", e.RequestID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Dispatcher 把媒体请求提交到执行后端
type Dispatcher struct {
	ledger      *ledger.Ledger
	backend     backend.Backend
	tokens      *auth.CallbackTokenService
	policy      *Policy
	taskName    string
	queue       string
	callbackURL string
	log         *logger.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewDispatcher 创建分发器
func NewDispatcher(l *ledger.Ledger, b backend.Backend, tokens *auth.CallbackTokenService, policy *Policy, cfg *config.Config, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		ledger:      l,
		backend:     b,
		tokens:      tokens,
		policy:      policy,
		taskName:    cfg.Backend.TaskName,
		queue:       cfg.Backend.Queue,
		callbackURL: cfg.Callback.BaseURL,
		log:         log,
	}
}

type dispatchOutcome struct {
	taskID string
	err    error
}

// Dispatch 提交请求并记录任务ID
// 提交和账本写入由分发器自己的 goroutine 完成，ctx 取消只结束调用方的等待
func (d *Dispatcher) Dispatch(ctx context.Context, id uint) (string, error) {
	pol := d.policy.Get()

	req, err := d.ledger.ClaimDispatch(ctx, id, pol.DispatchLease)
	if err != nil {
		if errors.Is(err, ledger.ErrNotDispatchable) || errors.Is(err, ledger.ErrDispatchInProgress) {
			return "", &DispatchError{RequestID: id, Err: err}
		}
		return "", err
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.release(id)
		return "", &DispatchError{RequestID: id, Err: ErrDispatcherStopped}
	}
	d.wg.Add(1)
	d.mu.Unlock()

	done := make(chan dispatchOutcome, 1)
	go func() {
		defer d.wg.Done()
		taskID, err := d.submit(req, pol)
		done <- dispatchOutcome{taskID: taskID, err: err}
	}()

	select {
	case out := <-done:
		return out.taskID, out.err
	case <-ctx.Done():
		d.log.Debugf("调用方放弃等待分发结果: RequestID=%d", id)
		return "", ctx.Err()
	}
}

func (d *Dispatcher) submit(req *model.MediaRequest, pol config.PipelineConfig) (string, error) {
	token, err := d.tokens.GenerateToken(req.ID)
	if err != nil {
		d.release(req.ID)
		return "", &DispatchError{RequestID: req.ID, Err: fmt.Errorf("签发回调令牌失败: %w", err)}
	}

	work := backend.Work{
		Name:          d.taskName,
		Queue:         d.queue,
		RequestID:     req.ID,
		Args:          workArgs(req),
		CallbackURL:   d.callbackURL,
		CallbackToken: token,
	}

	ctx, cancel := context.WithTimeout(context.Background(), pol.SubmitTimeout)
	taskID, err := d.backend.Submit(ctx, work)
	cancel()
	if err != nil {
		d.log.Warnf("提交任务失败: RequestID=%d, Backend=%s, 错误: %v", req.ID, d.backend.Name(), err)
		d.release(req.ID)
		return "", &DispatchError{RequestID: req.ID, Err: err}
	}
	if taskID == "" || len(taskID) > model.TaskIDMaxLen {
		d.log.Errorf("后端返回的任务ID无效: RequestID=%d, TaskID=%q", req.ID, taskID)
		d.release(req.ID)
		return "", &DispatchError{RequestID: req.ID, Err: fmt.Errorf("backend returned invalid task id %q", taskID)}
	}

	if err := d.record(req.ID, taskID, pol); err != nil {
		return "", err
	}
	d.log.Infof("请求已分发: RequestID=%d, TaskID=%s, Backend=%s", req.ID, taskID, d.backend.Name())
	return taskID, nil
}

// record 写入任务ID，失败时按退避重试，不重新提交
// 每次等待前续期租约，记录完成前其他分发者不会再次提交
func (d *Dispatcher) record(id uint, taskID string, pol config.PipelineConfig) error {
	var err error
	for attempt := 1; attempt <= pol.LedgerWriteAttempts; attempt++ {
		_, err = d.ledger.Transition(context.Background(), id, model.RequestStatusDispatched, ledger.TransitionMeta{
			Source: "dispatcher",
			TaskID: taskID,
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrInvalidTransition) || errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrDuplicateTaskID) {
			break
		}
		if attempt == pol.LedgerWriteAttempts {
			break
		}

		backoff := pol.LedgerWriteBackoffAt(attempt)
		if lerr := d.ledger.ExtendDispatch(context.Background(), id, backoff+pol.DispatchLease); lerr != nil {
			d.log.Warnf("续期分发租约失败: RequestID=%d, 错误: %v", id, lerr)
		}
		d.log.Warnf("写入任务ID失败，%v 后重试: RequestID=%d, TaskID=%s, 第%d次, 错误: %v", backoff, id, taskID, attempt, err)
		time.Sleep(backoff)
	}

	d.log.Errorf("任务已提交但无法记录: RequestID=%d, TaskID=%s, 错误: %v", id, taskID, err)
	return fmt.Errorf("request %d: task %s submitted but not recorded: %w", id, taskID, err)
}

func (d *Dispatcher) release(id uint) {
	if err := d.ledger.ReleaseDispatch(context.Background(), id); err != nil {
		d.log.Errorf("释放分发租约失败: RequestID=%d, 错误: %v", id, err)
	}
}

// Stop 拒绝新的分发并等待进行中的提交结束
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("分发器已停止")
}

func workArgs(req *model.MediaRequest) map[string]any {
	args := map[string]any{
		"media_type":         string(req.MediaType),
		"external_id":        req.ExternalID,
		"source":             req.Source,
		"title":              req.Title,
		"quality_preference": req.QualityPreference,
	}
	if req.Year > 0 {
		args["year"] = req.Year
	}
	if req.IsSeries() && req.SeasonsRequested != "" {
		args["seasons_requested"] = req.SeasonsRequested
	}
	return args
}
