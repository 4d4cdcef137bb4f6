package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"plex-kiosk/app/config"
	"plex-kiosk/app/logger"

	"resty.dev/v3"
)

// Flower 通过 Flower REST API 向 Celery 提交任务
type Flower struct {
	client   *resty.Client
	taskName string
	queue    string
	log      *logger.Logger
}

type flowerApplyRequest struct {
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type flowerTaskResponse struct {
	TaskID string    `json:"task-id"`
	State  TaskState `json:"state"`
	Result any       `json:"result"`
}

// NewFlower 创建 Flower 后端
func NewFlower(cfg config.BackendConfig, log *logger.Logger) *Flower {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(cfg.FlowerURL)
	client.SetTimeout(timeout)
	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}

	return &Flower{
		client:   client,
		taskName: cfg.TaskName,
		queue:    cfg.Queue,
		log:      log,
	}
}

func (f *Flower) Name() string { return "flower" }

// Submit 调用 async-apply 提交任务
func (f *Flower) Submit(ctx context.Context, work Work) (string, error) {
	name := work.Name
	if name == "" {
		name = f.taskName
	}
	queue := work.Queue
	if queue == "" {
		queue = f.queue
	}

	kwargs := make(map[string]any, len(work.Args)+2)
	for k, v := range work.Args {
		kwargs[k] = v
	}
	if work.CallbackURL != "" {
		kwargs["callback_url"] = work.CallbackURL
		kwargs["callback_token"] = work.CallbackToken
	}
	body := flowerApplyRequest{
		Args:   []any{work.RequestID},
		Kwargs: kwargs,
	}
	if queue != "" {
		body.Options = map[string]any{"queue": queue}
	}

	var out flowerTaskResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetPathParam("name", name).
		Post("/api/task/async-apply/{name}")
	if err != nil {
		return "", fmt.Errorf("%w: 提交任务失败: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%w: 提交任务失败，状态码: %d, 响应: %s", ErrUnavailable, resp.StatusCode(), resp.String())
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("%w: 响应中缺少 task-id: %s", ErrUnavailable, resp.String())
	}

	f.log.Debugf("Flower 已接收任务: TaskID=%s, Task=%s, RequestID=%d", out.TaskID, name, work.RequestID)
	return out.TaskID, nil
}

// Status 查询任务结果
func (f *Flower) Status(ctx context.Context, taskID string) (*TaskResult, error) {
	var out flowerTaskResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("id", taskID).
		Get("/api/task/result/{id}")
	if err != nil {
		return nil, fmt.Errorf("%w: 查询任务失败: %v", ErrUnavailable, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrTaskNotFound
	default:
		return nil, fmt.Errorf("%w: 查询任务失败，状态码: %d, 响应: %s", ErrUnavailable, resp.StatusCode(), resp.String())
	}

	r := &TaskResult{TaskID: taskID, State: out.State}
	switch v := out.Result.(type) {
	case nil:
	case map[string]any:
		r.Result = v
	default:
		if out.State == StateFailure || out.State == StateRevoked {
			r.Error = fmt.Sprint(v)
		} else {
			r.Result = map[string]any{"value": v}
		}
	}
	return r, nil
}

// Ping 检查 Flower 健康状态
func (f *Flower) Ping(ctx context.Context) error {
	resp, err := f.client.R().SetContext(ctx).Get("/healthcheck")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: healthcheck 状态码 %d", ErrUnavailable, resp.StatusCode())
	}
	return nil
}

func (f *Flower) Close() error {
	return f.client.Close()
}
