package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/convert-forge/internal/jobs"
)

// errStaleEvent は保存済みのスナップショット以前の版を書こうとした場合に返されます。
var errStaleEvent = errors.New("stale job event")

const (
	maxPublishRetries     = 5
	jobKeyPrefix          = "job:"
	defaultRedisTimeout   = 2 * time.Second
	defaultRedisStatusTTL = time.Hour
)

// RedisOptions は Redis 配信の設定です。
type RedisOptions struct {
	Channel     string
	TTL         time.Duration
	Timeout     time.Duration
	DownloadURL URLFunc
	Logger      *slog.Logger
}

// Redis はジョブのスナップショットを job:<id> に保存し、チャンネルへ Publish します。
type Redis struct {
	client      *redis.Client
	channel     string
	ttl         time.Duration
	timeout     time.Duration
	downloadURL URLFunc
	logger      *slog.Logger
}

// NewRedis は Redis を生成します。
func NewRedis(client *redis.Client, opts RedisOptions) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if opts.Channel == "" {
		return nil, errors.New("redis channel is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultRedisStatusTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRedisTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{
		client:      client,
		channel:     opts.Channel,
		ttl:         opts.TTL,
		timeout:     opts.Timeout,
		downloadURL: opts.DownloadURL,
		logger:      opts.Logger.With(slog.String("component", "notify.redis")),
	}, nil
}

// Notify はスナップショットを保存して Publish します。失敗はログに記録するだけです。
// 保存済みの版より古い（または同じ）スナップショットは書き込まず、配信もしません。
func (r *Redis) Notify(ctx context.Context, job jobs.Job) {
	err := r.publish(ctx, job)
	switch {
	case err == nil:
	case errors.Is(err, errStaleEvent):
		r.logger.DebugContext(ctx, "skipped stale job event",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
			slog.Int("version", job.Version),
		)
	default:
		r.logger.WarnContext(ctx, "failed to publish job event",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
			slog.Any("error", err),
		)
	}
}

// publish は job:<id> を WATCH し、保存済みの版より新しい場合だけ SET と PUBLISH を実行します。
// 他の書き込みと競合した場合は読み直して再試行します。
func (r *Redis) publish(ctx context.Context, job jobs.Job) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(newEvent(job, r.downloadURL))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := jobKey(job.ID)
	for attempt := 0; attempt < maxPublishRetries; attempt++ {
		err = r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := storedVersion(ctx, tx, key)
			if err != nil {
				return err
			}
			if current >= job.Version {
				return errStaleEvent
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, r.ttl)
				pipe.Publish(ctx, r.channel, payload)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, errStaleEvent) {
			return fmt.Errorf("redis exec: %w", err)
		}
		return err
	}
	return fmt.Errorf("redis exec: %w", err)
}

// storedVersion は保存済みスナップショットの版を返します。未保存または読めない場合は 0 です。
func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	var stored struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return 0, nil
	}
	return stored.Version, nil
}

// Status は保存済みのスナップショットを返します。存在しない場合は nil を返します。
func (r *Redis) Status(ctx context.Context, jobID string) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}

// Ping は接続を確認します。
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}
