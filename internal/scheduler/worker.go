package scheduler

import (
	"context"
	"fmt"

	"lawflow_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// Worker consumes queued job runs and executes the registered jobs.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	jobs   map[string]Job
	log    *logger.Logger
}

// NewWorker creates the asynq worker with the given jobs registered.
func NewWorker(cfg Config, jobs []Job, log *logger.Logger) (*Worker, error) {
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

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	registry := make(map[string]Job, len(jobs))
	for _, job := range jobs {
		registry[job.Name()] = job
	}

	mux := asynq.NewServeMux()
	w := &Worker{
		server: server,
		mux:    mux,
		jobs:   registry,
		log:    log,
	}
	mux.HandleFunc(TaskRunJob, w.handleRunJob)

	return w, nil
}

// handleRunJob executes one queued job run. A failed job is reported,
// not retried; the job itself decides what failure means.
func (w *Worker) handleRunJob(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseRunJobPayload(task)
	if err != nil {
		return err
	}

	job, ok := w.jobs[payload.Job]
	if !ok {
		w.log.Warn("unknown job requested", "job", payload.Job)
		return nil
	}

	result := job.Run(ctx)
	if result.Success {
		w.log.Info("job finished", "job", result.Job, "detail", result.Detail, "durationMs", result.Duration.Milliseconds())
	} else {
		w.log.Error("job failed", "job", result.Job, "error", result.Error, "durationMs", result.Duration.Milliseconds())
	}
	return nil
}

// Run serves the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}
