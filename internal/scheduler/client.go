package scheduler

import (
	"context"
	"fmt"
	"time"

	"lawflow_backend/platform/logger"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Config provides the Redis and queue settings the scheduler needs.
type Config interface {
	GetRedisURL() string
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// Client enqueues maintenance job runs on the asynq queue.
type Client struct {
	client *asynq.Client
	queue  string
	log    *logger.Logger
}

// NewClient creates a scheduler client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL)
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queue,
		log:    log,
	}, nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueJob queues an immediate run of the named job.
func (c *Client) EnqueueJob(ctx context.Context, job string) error {
	if c == nil || c.client == nil {
		return nil
	}
	task, err := NewRunJobTask(RunJobPayload{Job: job})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue))
	return err
}

// PeriodicJob pairs a job name with its run interval.
type PeriodicJob struct {
	Job   string
	Every time.Duration
}

// RunPeriodic enqueues each job on its interval until the context is
// cancelled. Blocks.
func (c *Client) RunPeriodic(ctx context.Context, schedule []PeriodicJob) {
	if c == nil || c.client == nil || len(schedule) == 0 {
		return
	}

	type tick struct {
		job    string
		ticker *time.Ticker
	}
	ticks := make([]tick, 0, len(schedule))
	for _, entry := range schedule {
		if entry.Every <= 0 {
			continue
		}
		ticks = append(ticks, tick{job: entry.Job, ticker: time.NewTicker(entry.Every)})
	}
	defer func() {
		for _, t := range ticks {
			t.ticker.Stop()
		}
	}()

	cases := make(chan string)
	for _, t := range ticks {
		t := t
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.ticker.C:
					select {
					case cases <- t.job:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-cases:
			if err := c.EnqueueJob(ctx, job); err != nil {
				c.log.Error("periodic job enqueue failed", "job", job, "error", err)
			}
		}
	}
}

func redisClientOpt(redisURL string) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}
