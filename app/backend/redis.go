package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"plex-kiosk/app/config"
	"plex-kiosk/app/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis 以 Redis 列表为队列的后端
// 工作进程从 <prefix>:queue:<queue> 取任务，把状态写入 <prefix>:task:<id> 并发布到 <prefix>:events
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

// envelope 入队的任务消息
type envelope struct {
	ID            string         `json:"id"`
	Task          string         `json:"task"`
	Args          []any          `json:"args"`
	Kwargs        map[string]any `json:"kwargs,omitempty"`
	CallbackURL   string         `json:"callback_url,omitempty"`
	CallbackToken string         `json:"callback_token,omitempty"`
	SubmittedAt   time.Time      `json:"submitted_at"`
}

// NewRedis 创建 Redis 后端
func NewRedis(cfg config.RedisConfig, ttl time.Duration, log *logger.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("解析 Redis 地址失败: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "kiosk"
	}

	log.Infof("[REDIS] 连接到 %s (DB %d)", opts.Addr, opts.DB)
	return &Redis{
		client: redis.NewClient(opts),
		prefix: prefix,
		ttl:    ttl,
		log:    log,
	}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) queueKey(queue string) string {
	if queue == "" {
		queue = "default"
	}
	return r.prefix + ":queue:" + queue
}

func (r *Redis) taskKey(id string) string {
	return r.prefix + ":task:" + id
}

func (r *Redis) eventsChannel() string {
	return r.prefix + ":events"
}

func newEnvelope(work Work, now time.Time) envelope {
	return envelope{
		ID:            uuid.NewString(),
		Task:          work.Name,
		Args:          []any{work.RequestID},
		Kwargs:        work.Args,
		CallbackURL:   work.CallbackURL,
		CallbackToken: work.CallbackToken,
		SubmittedAt:   now.UTC(),
	}
}

// Submit 登记任务状态并推入队列，两步在同一个 MULTI 中执行
func (r *Redis) Submit(ctx context.Context, work Work) (string, error) {
	env := newEnvelope(work, time.Now())
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("编码任务失败: %w", err)
	}

	key := r.taskKey(env.ID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "state", string(StatePending), "request_id", work.RequestID)
		pipe.Expire(ctx, key, r.ttl)
		pipe.RPush(ctx, r.queueKey(work.Queue), data)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: 入队失败: %v", ErrUnavailable, err)
	}
	return env.ID, nil
}

// Status 读取任务哈希
func (r *Redis) Status(ctx context.Context, taskID string) (*TaskResult, error) {
	fields, err := r.client.HGetAll(ctx, r.taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: 查询任务失败: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}

	res := &TaskResult{
		TaskID: taskID,
		State:  TaskState(fields["state"]),
		Error:  fields["error"],
	}
	if raw := fields["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &res.Result); err != nil {
			res.Result = map[string]any{"value": raw}
		}
	}
	return res, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe 订阅工作进程发布的状态事件，无法解析的消息记录后丢弃
func (r *Redis) Subscribe(ctx context.Context) (<-chan TaskResult, error) {
	pubsub := r.client.Subscribe(ctx, r.eventsChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: 订阅失败: %v", ErrUnavailable, err)
	}

	out := make(chan TaskResult, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				res, err := decodeEvent([]byte(msg.Payload))
				if err != nil {
					r.log.Warnf("丢弃无法解析的任务事件: %v, payload=%s", err, msg.Payload)
					continue
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeEvent(data []byte) (TaskResult, error) {
	var res TaskResult
	if err := json.Unmarshal(data, &res); err != nil {
		return TaskResult{}, errors.Join(ErrMalformedResult, err)
	}
	if err := res.Validate(); err != nil {
		return TaskResult{}, err
	}
	return res, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
