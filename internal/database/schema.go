package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusQueued    string = "QUEUED"
	StatusSubmitted string = "SUBMITTED"
	StatusRunning   string = "RUNNING"
	StatusCompleted string = "COMPLETED"
	StatusFailed    string = "FAILED"
	StatusCanceled  string = "CANCELED"
)

// FinetuneRun tracks one fine-tuning submission from YAML descriptor to
// registered model. Spec holds the descriptor snapshot as submitted so
// later descriptor edits don't rewrite history.
type FinetuneRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name string `gorm:"not null"`
	Spec datatypes.JSON

	PlatformJobId   string `gorm:"index"`
	Status          string `gorm:"size:20;not null"`
	RegisteredModel string
	ModelVersion    string

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Errors []RunError `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

// ScoringRun tracks one batch scoring request: input chunking, endpoint
// invocation, and the merged predictions file.
type ScoringRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	EndpointName   string `gorm:"not null"`
	DeploymentName string

	SourceBucket string `gorm:"not null"`
	SourceKey    string `gorm:"not null"`
	ChunkSize    int    `gorm:"default:10"`

	PlatformJobId string `gorm:"index"`
	Status        string `gorm:"size:20;not null"`

	InputPrefix  string
	OutputPrefix string
	ResultKey    string
	ChunkCount   int `gorm:"default:0"`
	RowCount     int `gorm:"default:0"`

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Errors []RunError `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

// EnvironmentRecord mirrors an environment registered with the platform.
type EnvironmentRecord struct {
	Name    string `gorm:"primaryKey"`
	Version string `gorm:"primaryKey"`

	BaseImage    string
	Dependencies datatypes.JSON

	CreationTime time.Time
}

// EndpointRecord mirrors a batch endpoint and its default deployment.
type EndpointRecord struct {
	Name string `gorm:"primaryKey"`

	ScoringURI        string
	DefaultDeployment string
	DeploymentSpec    datatypes.JSON

	CreationTime time.Time
}

type RunError struct {
	RunId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error     string
	Timestamp time.Time
}
