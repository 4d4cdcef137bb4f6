package service

import (
	"sync/atomic"

	"plex-kiosk/app/config"
)

// Policy 分发与对账策略，配置文件变化时整体替换
type Policy struct {
	current atomic.Pointer[config.PipelineConfig]
}

// NewPolicy 创建策略
func NewPolicy(cfg config.PipelineConfig) *Policy {
	p := &Policy{}
	p.current.Store(&cfg)
	return p
}

// Get 返回当前策略的副本
func (p *Policy) Get() config.PipelineConfig {
	return *p.current.Load()
}

// Update 校验后替换策略，校验失败时保留旧值
func (p *Policy) Update(cfg config.PipelineConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.current.Store(&cfg)
	return nil
}
