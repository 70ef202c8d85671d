package platform

import (
	"context"
	"net/http"

	"mlbridge/internal/batch"
	"mlbridge/internal/jobspec"
)

// BatchEndpoint is a durable, named target for asynchronous inference jobs.
type BatchEndpoint struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	ScoringURI        string `json:"scoring_uri,omitempty"`
	DefaultDeployment string `json:"default_deployment,omitempty"`
	ProvisioningState string `json:"provisioning_state,omitempty"`
}

// BatchDeployment binds a model and environment to compute behind an
// endpoint. Mini-batch size, retry settings, and concurrency are forwarded to
// the platform untouched.
type BatchDeployment struct {
	Name         string `json:"name"`
	EndpointName string `json:"endpoint_name"`
	Description  string `json:"description,omitempty"`

	Model         string `json:"model"`
	Environment   string `json:"environment,omitempty"`
	ComputeTarget string `json:"compute_target"`
	InstanceCount int    `json:"instance_count,omitempty"`

	MiniBatchSize             int    `json:"mini_batch_size,omitempty"`
	MaxConcurrencyPerInstance int    `json:"max_concurrency_per_instance,omitempty"`
	OutputFileName            string `json:"output_file_name,omitempty"`

	RetrySettings struct {
		MaxRetries int `json:"max_retries,omitempty"`
		TimeoutSec int `json:"timeout,omitempty"`
	} `json:"retry_settings,omitempty"`

	ProvisioningState string `json:"provisioning_state,omitempty"`
}

// NewBatchDeployment converts a YAML deployment descriptor to its wire form.
func NewBatchDeployment(spec *jobspec.BatchDeploymentSpec) BatchDeployment {
	dep := BatchDeployment{
		Name:                      spec.Name,
		EndpointName:              spec.EndpointName,
		Description:               spec.Description,
		Model:                     spec.Model,
		Environment:               spec.Environment,
		ComputeTarget:             spec.ComputeTarget,
		InstanceCount:             spec.InstanceCount,
		MiniBatchSize:             spec.MiniBatchSize,
		MaxConcurrencyPerInstance: spec.MaxConcurrencyPerInstance,
		OutputFileName:            spec.OutputFileName,
	}
	dep.RetrySettings.MaxRetries = spec.RetrySettings.MaxRetries
	dep.RetrySettings.TimeoutSec = spec.RetrySettings.TimeoutSec
	return dep
}

// InvokeRequest points a batch endpoint at input data in the datastore and
// names where outputs should land.
type InvokeRequest struct {
	DeploymentName string `json:"deployment_name,omitempty"`
	InputURI       string `json:"input_uri"`
	OutputURI      string `json:"output_uri"`
}

func (c *Client) CreateOrUpdateEndpoint(ctx context.Context, endpoint BatchEndpoint) (*BatchEndpoint, error) {
	var created BatchEndpoint
	if err := c.do(ctx, http.MethodPut, c.workspacePath("/endpoints/%s", endpoint.Name), endpoint, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) GetEndpoint(ctx context.Context, name string) (*BatchEndpoint, error) {
	var endpoint BatchEndpoint
	if err := c.do(ctx, http.MethodGet, c.workspacePath("/endpoints/%s", name), nil, &endpoint); err != nil {
		return nil, err
	}
	return &endpoint, nil
}

func (c *Client) DeleteEndpoint(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.workspacePath("/endpoints/%s", name), nil, nil)
}

func (c *Client) CreateOrUpdateDeployment(ctx context.Context, dep BatchDeployment) (*BatchDeployment, error) {
	var created BatchDeployment
	path := c.workspacePath("/endpoints/%s/deployments/%s", dep.EndpointName, dep.Name)
	if err := c.do(ctx, http.MethodPut, path, dep, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) GetDeployment(ctx context.Context, endpointName, name string) (*BatchDeployment, error) {
	var dep BatchDeployment
	path := c.workspacePath("/endpoints/%s/deployments/%s", endpointName, name)
	if err := c.do(ctx, http.MethodGet, path, nil, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

func (c *Client) DeleteDeployment(ctx context.Context, endpointName, name string) error {
	return c.do(ctx, http.MethodDelete, c.workspacePath("/endpoints/%s/deployments/%s", endpointName, name), nil, nil)
}

// Invoke starts an asynchronous scoring job on a batch endpoint. A single
// call, no local handling.
func (c *Client) Invoke(ctx context.Context, endpointName string, req InvokeRequest) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, c.workspacePath("/endpoints/%s/invoke", endpointName), req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// InvokeWithRetry re-invokes the endpoint up to the fixed bound with a fixed
// delay between attempts. The last failure comes back unchanged.
func (c *Client) InvokeWithRetry(ctx context.Context, endpointName string, req InvokeRequest) (*Job, error) {
	var job *Job
	err := batch.Retry(ctx, c.invokeAttempts, c.invokeDelay, func() error {
		var invokeErr error
		job, invokeErr = c.Invoke(ctx, endpointName, req)
		return invokeErr
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}
