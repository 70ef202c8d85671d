package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mlbridge/internal/jobspec"
)

const (
	JobStatusNotStarted = "NotStarted"
	JobStatusQueued     = "Queued"
	JobStatusRunning    = "Running"
	JobStatusFinalizing = "Finalizing"
	JobStatusCompleted  = "Completed"
	JobStatusFailed     = "Failed"
	JobStatusCanceled   = "Canceled"
)

// IsTerminalStatus reports whether the platform will make no further
// transitions for a job in this status. Unknown statuses are non-terminal so
// polling keeps going.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Job is the platform's view of a submitted job. Outputs maps output names to
// datastore URIs once the job completes.
type Job struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Outputs map[string]string `json:"outputs,omitempty"`
}

// JobEvent is one entry of a job's remote event stream.
type JobEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
}

type finetuneJobRequest struct {
	Name            string            `json:"name"`
	Task            string            `json:"task"`
	Description     string            `json:"description,omitempty"`
	Model           string            `json:"model"`
	ComputeTarget   string            `json:"compute_target"`
	InstanceType    string            `json:"instance_type,omitempty"`
	InstanceCount   int               `json:"instance_count,omitempty"`
	Environment     string            `json:"environment,omitempty"`
	TrainingData    string            `json:"training_data"`
	ValidationData  string            `json:"validation_data,omitempty"`
	Hyperparameters map[string]string `json:"hyperparameters,omitempty"`
	RegisteredModel string            `json:"registered_model,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

func newFinetuneJobRequest(spec *jobspec.FinetuneSpec) finetuneJobRequest {
	hp := map[string]string{}
	if spec.Hyperparameters.Epochs > 0 {
		hp["epochs"] = fmt.Sprintf("%d", spec.Hyperparameters.Epochs)
	}
	if spec.Hyperparameters.LearningRate > 0 {
		hp["learning_rate"] = fmt.Sprintf("%g", spec.Hyperparameters.LearningRate)
	}
	if spec.Hyperparameters.BatchSize > 0 {
		hp["batch_size"] = fmt.Sprintf("%d", spec.Hyperparameters.BatchSize)
	}
	for k, v := range spec.Hyperparameters.Extra {
		hp[k] = v
	}

	return finetuneJobRequest{
		Name:            spec.Name,
		Task:            spec.Task,
		Description:     spec.Description,
		Model:           spec.Model,
		ComputeTarget:   spec.ComputeTarget,
		InstanceType:    spec.InstanceType,
		InstanceCount:   spec.InstanceCount,
		Environment:     spec.Environment,
		TrainingData:    spec.TrainingData,
		ValidationData:  spec.ValidationData,
		Hyperparameters: hp,
		RegisteredModel: spec.RegisteredModel,
		Tags:            spec.Tags,
	}
}

// CreateFinetuneJob submits a fine-tuning job built from the YAML descriptor.
func (c *Client) CreateFinetuneJob(ctx context.Context, spec *jobspec.FinetuneSpec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var job Job
	if err := c.do(ctx, http.MethodPost, c.workspacePath("/jobs"), newFinetuneJobRequest(spec), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches the current state of a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, c.workspacePath("/jobs/%s", jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob asks the platform to cancel a job. Cancellation is asynchronous;
// the job reaches Canceled through the usual status polling.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, c.workspacePath("/jobs/%s/cancel", jobID), nil, nil)
}

// ListJobEvents returns the remote event stream for a job.
func (c *Client) ListJobEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	var resp struct {
		Events []JobEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, c.workspacePath("/jobs/%s/events", jobID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// WaitForJob polls the job until it reaches a terminal status, invoking
// onUpdate for every status transition. The poll interval is fixed; remote
// hiccups during polling are returned to the caller rather than retried.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration, onUpdate func(*Job)) (*Job, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	lastStatus := ""
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if job.Status != lastStatus {
			lastStatus = job.Status
			if onUpdate != nil {
				onUpdate(job)
			}
		}

		if IsTerminalStatus(job.Status) {
			return job, nil
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
