package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	FinetuneQueue   = "finetune_queue"
	ScoringQueue    = "scoring_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type FinetuneTaskPayload struct {
	RunId uuid.UUID
}

type ScoringTaskPayload struct {
	RunId uuid.UUID
}

type Publisher interface {
	PublishFinetuneTask(ctx context.Context, payload FinetuneTaskPayload) error

	PublishScoringTask(ctx context.Context, payload ScoringTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
