package models

import (
	"time"

	"github.com/google/uuid"
)

type FinetuneSubmitRequest struct {
	// SpecYAML is the YAML job descriptor, submitted verbatim.
	SpecYAML string `json:"spec_yaml"`
}

type FinetuneSubmitResponse struct {
	Message string    `json:"message"`
	RunId   uuid.UUID `json:"run_id"`
}

type FinetuneRunResponse struct {
	RunId           uuid.UUID  `json:"run_id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	PlatformJobId   string     `json:"platform_job_id,omitempty"`
	RegisteredModel string     `json:"registered_model,omitempty"`
	ModelVersion    string     `json:"model_version,omitempty"`
	CreationTime    time.Time  `json:"creation_time"`
	CompletionTime  *time.Time `json:"completion_time,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
}

type EnvironmentRequest struct {
	Name      string `json:"name"`
	BaseImage string `json:"base_image"`
	// CondaYAML is a conda environment file; its dependencies become the
	// environment's package set.
	CondaYAML string `json:"conda_yaml,omitempty"`
}

type EnvironmentResponse struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	BaseImage    string   `json:"base_image"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type EndpointRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// DeploymentYAML is the YAML batch deployment descriptor to create behind
	// the endpoint.
	DeploymentYAML string `json:"deployment_yaml,omitempty"`
}

type EndpointResponse struct {
	Name              string `json:"name"`
	ScoringURI        string `json:"scoring_uri,omitempty"`
	DefaultDeployment string `json:"default_deployment,omitempty"`
}

type DeploymentRequest struct {
	// DeploymentYAML is the YAML batch deployment descriptor.
	DeploymentYAML string `json:"deployment_yaml"`
}

type DeploymentResponse struct {
	Name              string `json:"name"`
	EndpointName      string `json:"endpoint_name"`
	ProvisioningState string `json:"provisioning_state,omitempty"`
}

type ScoreRequest struct {
	DeploymentName string `json:"deployment_name,omitempty"`
	// SourceURI locates the input CSV in the datastore, e.g.
	// s3://datasets/images/input.csv.
	SourceURI string `json:"source_uri"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

type ScoreSubmitResponse struct {
	Message string    `json:"message"`
	RunId   uuid.UUID `json:"run_id"`
}

type ScoringRunResponse struct {
	RunId          uuid.UUID  `json:"run_id"`
	EndpointName   string     `json:"endpoint_name"`
	DeploymentName string     `json:"deployment_name,omitempty"`
	Status         string     `json:"status"`
	PlatformJobId  string     `json:"platform_job_id,omitempty"`
	ChunkCount     int        `json:"chunk_count"`
	RowCount       int        `json:"row_count"`
	ResultURI      string     `json:"result_uri,omitempty"`
	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
	Errors         []string   `json:"errors,omitempty"`
}
