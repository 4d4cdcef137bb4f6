// Package scheduler runs the periodic reconciliation sweep and history cleanup.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"plex-kiosk/app/config"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/service"

	"github.com/robfig/cron/v3"
)

// 单次任务的最长执行时间
const jobTimeout = 5 * time.Minute

// Sweeper 对账扫描
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepReport, error)
}

// HistoryPruner 清理状态转换记录
type HistoryPruner interface {
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler 定时任务调度器
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	pruner  HistoryPruner
	policy  *service.Policy
	log     *logger.Logger
	now     func() time.Time

	mu          sync.Mutex
	started     bool
	sweepID     cron.EntryID
	sweepSpec   string
	cleanupID   cron.EntryID
	cleanupSpec string
}

// New 创建调度器
func New(sweeper Sweeper, pruner HistoryPruner, policy *service.Policy, log *logger.Logger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeper: sweeper,
		pruner:  pruner,
		policy:  policy,
		log:     log,
		now:     time.Now,
	}
}

// Start 注册任务并启动
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.register(s.policy.Get()); err != nil {
		return err
	}
	s.cron.Start()
	s.started = true
	s.log.Infof("调度器已启动: 扫描=%s, 清理=%s", s.sweepSpec, s.cleanupSpec)
	return nil
}

// Reload 按当前策略重新注册表达式有变化的任务，未启动时不做任何事
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	sweep, cleanup := s.sweepSpec, s.cleanupSpec
	if err := s.register(s.policy.Get()); err != nil {
		return err
	}
	if sweep != s.sweepSpec || cleanup != s.cleanupSpec {
		s.log.Infof("调度任务已更新: 扫描=%s, 清理=%s", s.sweepSpec, s.cleanupSpec)
	}
	return nil
}

// register 先添加新任务再移除旧任务，表达式无效时保留原有任务
func (s *Scheduler) register(pol config.PipelineConfig) error {
	if pol.SweepSpec != s.sweepSpec || s.sweepID == 0 {
		id, err := s.cron.AddFunc(pol.SweepSpec, s.runSweep)
		if err != nil {
			return fmt.Errorf("无效的扫描表达式 %q: %w", pol.SweepSpec, err)
		}
		if s.sweepID != 0 {
			s.cron.Remove(s.sweepID)
		}
		s.sweepID, s.sweepSpec = id, pol.SweepSpec
	}

	if pol.CleanupSpec != s.cleanupSpec {
		var id cron.EntryID
		if pol.CleanupSpec != "" {
			var err error
			if id, err = s.cron.AddFunc(pol.CleanupSpec, s.runCleanup); err != nil {
				return fmt.Errorf("无效的清理表达式 %q: %w", pol.CleanupSpec, err)
			}
		}
		if s.cleanupID != 0 {
			s.cron.Remove(s.cleanupID)
		}
		s.cleanupID, s.cleanupSpec = id, pol.CleanupSpec
	}
	return nil
}

// Stop 停止调度并等待正在执行的任务
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("调度器已停止")
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.sweeper.Sweep(ctx); err != nil {
		s.log.Errorf("对账扫描失败: %v", err)
	}
}

func (s *Scheduler) runCleanup() {
	retention := s.policy.Get().HistoryRetention
	if retention <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	before := s.now().Add(-retention)
	n, err := s.pruner.PruneHistory(ctx, before)
	if err != nil {
		s.log.Errorf("清理状态记录失败: %v", err)
		return
	}
	if n > 0 {
		s.log.Infof("已清理 %d 条早于 %s 的状态记录", n, before.Format(time.DateTime))
	}
}

// cronLogger 把 cron 的日志转到 zap
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
