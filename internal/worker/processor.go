package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"mlbridge/internal/database"
	"mlbridge/internal/messaging"
	"mlbridge/internal/platform"
	"mlbridge/internal/storage"

	"gorm.io/gorm"
)

const DefaultPollInterval = 10 * time.Second

// TaskProcessor consumes queued runs and drives them through the remote
// platform: fine-tune submissions and batch scoring. All heavy computation
// happens on the platform's compute; the processor orchestrates and records.
type TaskProcessor struct {
	db        *gorm.DB
	store     storage.Store
	platform  *platform.Client
	publisher messaging.Publisher
	reciever  messaging.Reciever

	batchBucket  string
	pollInterval time.Duration
}

func NewTaskProcessor(db *gorm.DB, store storage.Store, client *platform.Client, publisher messaging.Publisher, reciever messaging.Reciever, batchBucket string, pollInterval time.Duration) *TaskProcessor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &TaskProcessor{
		db:           db,
		store:        store,
		platform:     client,
		publisher:    publisher,
		reciever:     reciever,
		batchBucket:  batchBucket,
		pollInterval: pollInterval,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.FinetuneQueue:
		var payload messaging.FinetuneTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling finetune task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processFinetuneTask(ctx, payload)

	case messaging.ScoringQueue:
		var payload messaging.ScoringTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling scoring task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processScoringTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

// toRunStatus maps a platform job status onto the run lifecycle.
func toRunStatus(jobStatus string) string {
	switch jobStatus {
	case platform.JobStatusNotStarted, platform.JobStatusQueued:
		return database.StatusSubmitted
	case platform.JobStatusRunning, platform.JobStatusFinalizing:
		return database.StatusRunning
	case platform.JobStatusCompleted:
		return database.StatusCompleted
	case platform.JobStatusCanceled:
		return database.StatusCanceled
	default:
		return database.StatusFailed
	}
}
