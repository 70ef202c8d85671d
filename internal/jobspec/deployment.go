package jobspec

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
)

// BatchDeploymentSpec is the YAML descriptor for a batch deployment behind a
// batch endpoint. Mini-batch size, retry settings, and concurrency limits are
// forwarded to the platform verbatim; nothing here is enforced locally.
type BatchDeploymentSpec struct {
	Name         string `yaml:"name"`
	EndpointName string `yaml:"endpoint_name"`
	Description  string `yaml:"description,omitempty"`

	Model         string `yaml:"model"`
	Environment   string `yaml:"environment,omitempty"`
	ComputeTarget string `yaml:"compute"`
	InstanceCount int    `yaml:"instance_count,omitempty"`

	MiniBatchSize             int    `yaml:"mini_batch_size,omitempty"`
	MaxConcurrencyPerInstance int    `yaml:"max_concurrency_per_instance,omitempty"`
	OutputFileName            string `yaml:"output_file_name,omitempty"`

	RetrySettings RetrySettings `yaml:"retry_settings,omitempty"`
}

// RetrySettings configures the platform's per-mini-batch retry behavior.
type RetrySettings struct {
	MaxRetries int `yaml:"max_retries,omitempty"`
	TimeoutSec int `yaml:"timeout,omitempty"`
}

// ParseBatchDeploymentSpec decodes and validates a deployment descriptor.
func ParseBatchDeploymentSpec(r io.Reader) (*BatchDeploymentSpec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment spec: %w", err)
	}

	var spec BatchDeploymentSpec
	if err := yaml.UnmarshalStrict(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse deployment spec: %w", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadBatchDeploymentSpec reads a deployment descriptor from a file.
func LoadBatchDeploymentSpec(path string) (*BatchDeploymentSpec, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open deployment spec %s: %w", path, err)
	}
	defer file.Close()

	return ParseBatchDeploymentSpec(file)
}

func (s *BatchDeploymentSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("deployment spec is missing 'name'")
	}
	if s.EndpointName == "" {
		return fmt.Errorf("deployment spec %q is missing 'endpoint_name'", s.Name)
	}
	if s.Model == "" {
		return fmt.Errorf("deployment spec %q is missing 'model'", s.Name)
	}
	if s.ComputeTarget == "" {
		return fmt.Errorf("deployment spec %q is missing 'compute'", s.Name)
	}
	if s.MiniBatchSize < 0 {
		return fmt.Errorf("deployment spec %q has negative mini_batch_size %d", s.Name, s.MiniBatchSize)
	}
	return nil
}
