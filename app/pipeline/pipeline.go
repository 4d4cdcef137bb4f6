// Package pipeline assembles the ledger, dispatcher, reconciler and scheduler
// from configuration. Every command builds its process from one Pipeline.
package pipeline

import (
	"fmt"

	"plex-kiosk/app/auth"
	"plex-kiosk/app/backend"
	"plex-kiosk/app/config"
	"plex-kiosk/app/database"
	"plex-kiosk/app/ledger"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/scheduler"
	"plex-kiosk/app/service"

	"gorm.io/gorm"
)

// Pipeline 请求处理链路的全部组件
type Pipeline struct {
	DB         *gorm.DB
	Ledger     *ledger.Ledger
	Backend    backend.Backend
	Tokens     *auth.CallbackTokenService
	Policy     *service.Policy
	Notifier   service.Notifier
	Dispatcher *service.Dispatcher
	Reconciler *service.Reconciler
	Scheduler  *scheduler.Scheduler

	log *logger.Logger
}

// Open 按配置创建各组件，不启动后台协程
func Open(cfg *config.Config, log *logger.Logger) (*Pipeline, error) {
	db, err := database.Open(cfg.Database, log.Named("database"))
	if err != nil {
		return nil, fmt.Errorf("数据库初始化失败: %w", err)
	}

	b, err := backend.New(cfg, log.Named("backend"))
	if err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("执行后端初始化失败: %w", err)
	}

	p := &Pipeline{
		DB:       db,
		Ledger:   ledger.New(db, log.Named("ledger")),
		Backend:  b,
		Tokens:   auth.NewCallbackTokenService(cfg.Callback),
		Policy:   service.NewPolicy(cfg.Pipeline),
		Notifier: service.NewNotifier(cfg.Notify, log.Named("notify")),
		log:      log,
	}
	p.Ledger.SetDailyLimit(func() int { return p.Policy.Get().MaxRequestsPerDay })
	p.Dispatcher = service.NewDispatcher(p.Ledger, p.Backend, p.Tokens, p.Policy, cfg, log.Named("dispatcher"))
	p.Reconciler = service.NewReconciler(p.Ledger, p.Backend, p.Dispatcher, p.Policy, p.Notifier, log.Named("reconciler"))
	p.Scheduler = scheduler.New(p.Reconciler, p.Ledger, p.Policy, log.Named("scheduler"))

	log.Infof("请求链路已初始化: backend=%s, max_retries=%d, signal_timeout=%v",
		b.Name(), cfg.Pipeline.MaxRetries, cfg.Pipeline.SignalTimeout)
	return p, nil
}

// Start 启动信号订阅与定时扫描
func (p *Pipeline) Start() error {
	p.Reconciler.Start()
	if err := p.Scheduler.Start(); err != nil {
		p.Reconciler.Stop()
		return err
	}
	return nil
}

// ApplyConfig 热更新分发策略
func (p *Pipeline) ApplyConfig(cfg *config.Config) {
	if err := p.Policy.Update(cfg.Pipeline); err != nil {
		p.log.Warnf("新的分发策略无效，保留旧配置: %v", err)
		return
	}
	p.log.Infof("分发策略已更新: max_retries=%d, signal_timeout=%v", cfg.Pipeline.MaxRetries, cfg.Pipeline.SignalTimeout)
	if err := p.Scheduler.Reload(); err != nil {
		p.log.Errorf("重新注册定时任务失败: %v", err)
	}
}

// Close 按依赖的逆序停止组件
func (p *Pipeline) Close() error {
	p.Scheduler.Stop()
	p.Reconciler.Stop()
	p.Dispatcher.Stop()

	if c, ok := p.Notifier.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if err := backend.Close(p.Backend); err != nil {
		p.log.Errorf("关闭执行后端失败: %v", err)
	}
	return database.Close(p.DB)
}
