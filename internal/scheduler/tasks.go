package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// TaskRunJob is the asynq task type carrying one maintenance job run.
const TaskRunJob = "jobs.run"

// RunJobPayload names the job a queued task should run.
type RunJobPayload struct {
	Job string `json:"job"`
}

// NewRunJobTask wraps a job name in an asynq task.
func NewRunJobTask(payload RunJobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRunJob, data), nil
}

// ParseRunJobPayload decodes a queued job-run task.
func ParseRunJobPayload(task *asynq.Task) (RunJobPayload, error) {
	var payload RunJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunJobPayload{}, err
	}
	return payload, nil
}
