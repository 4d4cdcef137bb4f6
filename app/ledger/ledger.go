// Package ledger is the authoritative store of media requests and their
// lifecycle. Every status change goes through Transition, which checks the
// transition graph and serializes writers per record with an optimistic
// version column.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plex-kiosk/app/logger"
	"plex-kiosk/app/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 乐观锁冲突时的重读次数
const defaultConflictRetries = 8

// Ledger 媒体请求账本
type Ledger struct {
	db              *gorm.DB
	log             *logger.Logger
	now             func() time.Time
	dailyLimit      func() int
	conflictRetries int
}

// TransitionMeta 随转换一起写入的附加信息
type TransitionMeta struct {
	Source       string         // 触发方：dispatcher、reconciler、api
	Message      string         // 写入 status_message
	TaskID       string         // → dispatched 时绑定的新任务ID
	ExpectTaskID string         // 非空时要求当前任务ID与之相同，用于丢弃过期信号
	CountRetry   bool           // retry_count 加一
	Result       map[string]any // → completed 时附带的结果
}

// Step 链式转换中的一步
type Step struct {
	To   model.RequestStatus
	Meta TransitionMeta
}

// ListFilter 列表查询条件
type ListFilter struct {
	Status      model.RequestStatus
	MediaType   model.MediaType
	Query       string
	RequestedBy string
	Page        int
	PageSize    int
}

// New 创建账本
func New(db *gorm.DB, log *logger.Logger) *Ledger {
	return &Ledger{
		db:              db,
		log:             log,
		now:             func() time.Time { return time.Now().UTC() },
		conflictRetries: defaultConflictRetries,
	}
}

// SetClock 替换时间源
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// SetDailyLimit 设置每个请求者每天可创建的请求数，返回 0 表示不限
func (l *Ledger) SetDailyLimit(limit func() int) {
	l.dailyLimit = limit
}

// Create 校验载荷并插入 pending 状态的请求
func (l *Ledger) Create(ctx context.Context, payload model.RequestPayload) (*model.MediaRequest, error) {
	if err := payload.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}

	req := payload.ToRequest()
	req.CreatedAt = l.now()
	req.UpdatedAt = req.CreatedAt
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.checkDailyLimit(tx, req.RequestedBy); err != nil {
			return err
		}

		// 同一媒体只允许一个未失败的请求
		var count int64
		if err := tx.Model(&model.MediaRequest{}).
			Where("external_id = ? AND source = ? AND status <> ?", req.ExternalID, req.Source, model.RequestStatusFailed).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateRequest
		}

		if err := tx.Create(req).Error; err != nil {
			return err
		}
		return tx.Create(&model.RequestTransition{
			RequestID: req.ID,
			To:        model.RequestStatusPending,
			Source:    "api",
			Message:   "request created",
		}).Error
	})
	if err != nil {
		return nil, err
	}

	l.log.Infof("媒体请求已创建: ID=%d, Title=%s, ExternalID=%s/%s", req.ID, req.Title, req.Source, req.ExternalID)
	return req, nil
}

// checkDailyLimit 统计请求者当天（UTC）已创建的请求
func (l *Ledger) checkDailyLimit(tx *gorm.DB, requestedBy string) error {
	if requestedBy == "" || l.dailyLimit == nil {
		return nil
	}
	limit := l.dailyLimit()
	if limit <= 0 {
		return nil
	}

	dayStart := l.now().Truncate(24 * time.Hour)
	var count int64
	if err := tx.Model(&model.MediaRequest{}).
		Where("requested_by = ? AND created_at >= ?", requestedBy, dayStart).
		Count(&count).Error; err != nil {
		return err
	}
	if count >= int64(limit) {
		return &QuotaExceededError{RequestedBy: requestedBy, Limit: limit}
	}
	return nil
}

// Get 按ID获取请求
func (l *Ledger) Get(ctx context.Context, id uint) (*model.MediaRequest, error) {
	var req model.MediaRequest
	if err := l.db.WithContext(ctx).First(&req, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

// FindByTaskID 按执行后端任务ID反查请求
func (l *Ledger) FindByTaskID(ctx context.Context, taskID string) (*model.MediaRequest, error) {
	if taskID == "" {
		return nil, ErrNotFound
	}
	var req model.MediaRequest
	if err := l.db.WithContext(ctx).Where("celery_task_id = ?", taskID).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

// List 分页查询请求
func (l *Ledger) List(ctx context.Context, f ListFilter) ([]model.MediaRequest, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 20
	}

	query := l.db.WithContext(ctx).Model(&model.MediaRequest{})
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.MediaType != "" {
		query = query.Where("media_type = ?", f.MediaType)
	}
	if f.RequestedBy != "" {
		query = query.Where("requested_by = ?", f.RequestedBy)
	}
	if f.Query != "" {
		query = query.Where("title_key LIKE ?", "%"+model.NormalizeTitle(f.Query)+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []model.MediaRequest
	if err := query.Order("created_at DESC, id DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Transition 按状态图执行转换
// 并发写入同一记录时，版本冲突的一方重读后重新判断转换是否仍然合法
func (l *Ledger) Transition(ctx context.Context, id uint, to model.RequestStatus, meta TransitionMeta) (*model.MediaRequest, error) {
	return l.TransitionChain(ctx, id, Step{To: to, Meta: meta})
}

// TransitionChain 在一个事务里依次执行多步转换，任何一步失败时全部回滚
func (l *Ledger) TransitionChain(ctx context.Context, id uint, steps ...Step) (*model.MediaRequest, error) {
	if len(steps) == 0 {
		return l.Get(ctx, id)
	}
	for _, st := range steps {
		if !st.To.Valid() {
			return nil, &InvalidTransitionError{RequestID: id, To: st.To, Reason: "unknown status"}
		}
		if len(st.Meta.TaskID) > model.TaskIDMaxLen {
			return nil, &InvalidTransitionError{RequestID: id, To: st.To, Reason: fmt.Sprintf("task id longer than %d chars", model.TaskIDMaxLen)}
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := l.applySteps(ctx, id, steps)
		if !errors.Is(err, errVersionConflict) {
			if err != nil && errors.Is(err, ErrInvalidTransition) {
				l.log.Warnf("拒绝状态转换: %v", err)
			}
			return req, err
		}
		if attempt >= l.conflictRetries {
			return nil, fmt.Errorf("request %d: %w after %d attempts", id, err, attempt+1)
		}
		l.log.Debugf("状态转换版本冲突，重试: RequestID=%d, To=%s, Attempt=%d", id, steps[len(steps)-1].To, attempt+1)
	}
}

func (l *Ledger) applySteps(ctx context.Context, id uint, steps []Step) (*model.MediaRequest, error) {
	var req model.MediaRequest
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&req, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		for _, st := range steps {
			if err := l.applyStep(tx, &req, st.To, st.Meta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// applyStep 在事务内执行一步转换，成功后 req 为写入后的记录
func (l *Ledger) applyStep(tx *gorm.DB, req *model.MediaRequest, to model.RequestStatus, meta TransitionMeta) error {
	id := req.ID
	from := req.Status
	reject := func(reason string) error {
		return &InvalidTransitionError{RequestID: id, From: from, To: to, Reason: reason}
	}
	if !from.CanTransitionTo(to) {
		return reject("")
	}
	if meta.ExpectTaskID != "" && req.CurrentTaskID() != meta.ExpectTaskID {
		return reject(fmt.Sprintf("stale task id %s, current %q", meta.ExpectTaskID, req.CurrentTaskID()))
	}

	now := l.now()
	updates := map[string]any{
		"status":     to,
		"version":    req.Version + 1,
		"updated_at": now,
	}
	taskID := req.CurrentTaskID()

	switch to {
	case model.RequestStatusDispatched:
		if meta.TaskID == "" {
			return reject("task id required")
		}
		if req.TaskID != nil {
			return reject("task id already set")
		}
		taskID = meta.TaskID
		updates["celery_task_id"] = meta.TaskID
		updates["dispatched_at"] = now
		updates["dispatch_lease_until"] = nil
		updates["completed_at"] = nil
	case model.RequestStatusCompleted:
		updates["completed_at"] = now
		if meta.Result != nil {
			updates["result"] = datatypes.JSONMap(meta.Result)
		}
	case model.RequestStatusFailed:
		updates["completed_at"] = now
	case model.RequestStatusRetrying:
		// 旧任务已失效，清除后才能重新分发
		updates["celery_task_id"] = nil
		updates["previous_task_id"] = req.CurrentTaskID()
		updates["completed_at"] = nil
	}
	if meta.CountRetry {
		updates["retry_count"] = req.RetryCount + 1
	}
	if meta.Message != "" {
		updates["status_message"] = meta.Message
	}

	res := tx.Model(&model.MediaRequest{}).
		Where("id = ? AND version = ?", id, req.Version).
		Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicateTaskID
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errVersionConflict
	}

	if err := tx.Create(&model.RequestTransition{
		RequestID: id,
		From:      from,
		To:        to,
		TaskID:    taskID,
		Source:    meta.Source,
		Message:   meta.Message,
	}).Error; err != nil {
		return err
	}

	*req = model.MediaRequest{}
	return tx.First(req, id).Error
}

// ClaimDispatch 获取分发租约
// 只有 pending/retrying、未绑定任务ID且无有效租约的请求可以被领取
func (l *Ledger) ClaimDispatch(ctx context.Context, id uint, lease time.Duration) (*model.MediaRequest, error) {
	now := l.now()
	res := l.db.WithContext(ctx).Model(&model.MediaRequest{}).
		Where("id = ? AND status IN ? AND celery_task_id IS NULL AND (dispatch_lease_until IS NULL OR dispatch_lease_until < ?)",
			id, []model.RequestStatus{model.RequestStatusPending, model.RequestStatusRetrying}, now).
		UpdateColumn("dispatch_lease_until", now.Add(lease))
	if res.Error != nil {
		return nil, res.Error
	}

	req, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 1 {
		return req, nil
	}

	if !req.Status.Dispatchable() || req.TaskID != nil {
		return nil, fmt.Errorf("request %d in status %s with task %q: %w", id, req.Status, req.CurrentTaskID(), ErrNotDispatchable)
	}
	return nil, fmt.Errorf("request %d: %w", id, ErrDispatchInProgress)
}

// ExtendDispatch 续期尚未绑定任务ID的分发租约
func (l *Ledger) ExtendDispatch(ctx context.Context, id uint, lease time.Duration) error {
	res := l.db.WithContext(ctx).Model(&model.MediaRequest{}).
		Where("id = ? AND celery_task_id IS NULL AND dispatch_lease_until IS NOT NULL", id).
		UpdateColumn("dispatch_lease_until", l.now().Add(lease))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("request %d: %w", id, ErrNotDispatchable)
	}
	return nil
}

// ReleaseDispatch 提交失败后释放租约，请求保持可分发
func (l *Ledger) ReleaseDispatch(ctx context.Context, id uint) error {
	return l.db.WithContext(ctx).Model(&model.MediaRequest{}).
		Where("id = ? AND celery_task_id IS NULL", id).
		UpdateColumn("dispatch_lease_until", nil).Error
}

// ListDispatched 返回等待信号的请求，最早分发的在前
func (l *Ledger) ListDispatched(ctx context.Context, limit int) ([]model.MediaRequest, error) {
	var items []model.MediaRequest
	err := l.db.WithContext(ctx).
		Where("status = ?", model.RequestStatusDispatched).
		Order("dispatched_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// ListRedispatchable 返回需要补发的请求：所有 retrying，以及创建早于 pendingBefore 的 pending
func (l *Ledger) ListRedispatchable(ctx context.Context, pendingBefore time.Time, limit int) ([]model.MediaRequest, error) {
	now := l.now()
	var items []model.MediaRequest
	err := l.db.WithContext(ctx).
		Where("(status = ? OR (status = ? AND created_at < ?))", model.RequestStatusRetrying, model.RequestStatusPending, pendingBefore.UTC()).
		Where("celery_task_id IS NULL AND (dispatch_lease_until IS NULL OR dispatch_lease_until < ?)", now).
		Order("updated_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// Stats 按状态统计请求数量
func (l *Ledger) Stats(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := l.db.WithContext(ctx).Model(&model.MediaRequest{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := make(map[string]int64, len(model.AllRequestStatuses))
	for _, s := range model.AllRequestStatuses {
		stats[string(s)] = 0
	}
	for _, r := range rows {
		stats[r.Status] = r.Count
	}
	return stats, nil
}

// History 返回请求的状态转换记录
func (l *Ledger) History(ctx context.Context, id uint) ([]model.RequestTransition, error) {
	if _, err := l.Get(ctx, id); err != nil {
		return nil, err
	}
	var items []model.RequestTransition
	err := l.db.WithContext(ctx).
		Where("request_id = ?", id).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

// PruneHistory 删除早于 before 的转换记录，请求本身不删除
func (l *Ledger) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&model.RequestTransition{})
	return res.RowsAffected, res.Error
}
