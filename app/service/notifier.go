package service

import (
	"context"
	"time"

	"plex-kiosk/app/config"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/model"

	"resty.dev/v3"
)

// Notifier 请求进入终态时的外部通知
type Notifier interface {
	Notify(ctx context.Context, req *model.MediaRequest)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *model.MediaRequest) {}

// WebhookNotifier 以 JSON POST 通知外部地址
type WebhookNotifier struct {
	client *resty.Client
	url    string
	log    *logger.Logger
}

type notification struct {
	Event   string              `json:"event"`
	Request *model.MediaRequest `json:"request"`
	SentAt  time.Time           `json:"sent_at"`
}

// NewNotifier 未配置地址时返回空实现
func NewNotifier(cfg config.NotifyConfig, log *logger.Logger) Notifier {
	if cfg.WebhookURL == "" {
		return nopNotifier{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New()
	client.SetTimeout(timeout)
	return &WebhookNotifier{client: client, url: cfg.WebhookURL, log: log}
}

// Notify 发送通知，失败只记录日志
func (n *WebhookNotifier) Notify(ctx context.Context, req *model.MediaRequest) {
	event := "request." + string(req.Status)
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(notification{Event: event, Request: req, SentAt: time.Now().UTC()}).
		Post(n.url)
	if err != nil {
		n.log.Warnf("发送通知失败: RequestID=%d, Event=%s, 错误: %v", req.ID, event, err)
		return
	}
	if resp.IsError() {
		n.log.Warnf("通知地址返回错误: RequestID=%d, 状态码: %d, 响应: %s", req.ID, resp.StatusCode(), resp.String())
		return
	}
	n.log.Debugf("已发送通知: RequestID=%d, Event=%s", req.ID, event)
}

func (n *WebhookNotifier) Close() error {
	return n.client.Close()
}
