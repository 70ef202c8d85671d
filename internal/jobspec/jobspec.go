package jobspec

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
)

// FinetuneSpec is the YAML job descriptor for a managed fine-tuning job. The
// platform owns validation of model/compute references; locally we only check
// the fields required to build a submission.
type FinetuneSpec struct {
	Name        string `yaml:"name"`
	Task        string `yaml:"task"`
	Description string `yaml:"description,omitempty"`

	Model          string `yaml:"model"`
	ComputeTarget  string `yaml:"compute"`
	InstanceType   string `yaml:"instance_type,omitempty"`
	InstanceCount  int    `yaml:"instance_count,omitempty"`
	Environment    string `yaml:"environment,omitempty"`
	TrainingData   string `yaml:"training_data"`
	ValidationData string `yaml:"validation_data,omitempty"`

	Hyperparameters Hyperparameters `yaml:"hyperparameters,omitempty"`

	// RegisteredModel is the name under which the platform registers the
	// output model once the job completes.
	RegisteredModel string `yaml:"registered_model,omitempty"`

	Tags map[string]string `yaml:"tags,omitempty"`
}

// Hyperparameters keeps the common tuning knobs typed and passes everything
// else through to the platform untouched.
type Hyperparameters struct {
	Epochs       int     `yaml:"epochs,omitempty"`
	LearningRate float64 `yaml:"learning_rate,omitempty"`
	BatchSize    int     `yaml:"batch_size,omitempty"`

	Extra map[string]string `yaml:"extra,omitempty"`
}

// ParseFinetuneSpec decodes and validates a YAML job descriptor.
func ParseFinetuneSpec(r io.Reader) (*FinetuneSpec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}

	var spec FinetuneSpec
	if err := yaml.UnmarshalStrict(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse job spec: %w", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadFinetuneSpec reads a job descriptor from a file.
func LoadFinetuneSpec(path string) (*FinetuneSpec, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job spec %s: %w", path, err)
	}
	defer file.Close()

	return ParseFinetuneSpec(file)
}

func (s *FinetuneSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("job spec is missing 'name'")
	}
	if s.Model == "" {
		return fmt.Errorf("job spec %q is missing 'model'", s.Name)
	}
	if s.ComputeTarget == "" {
		return fmt.Errorf("job spec %q is missing 'compute'", s.Name)
	}
	if s.TrainingData == "" {
		return fmt.Errorf("job spec %q is missing 'training_data'", s.Name)
	}
	if s.InstanceCount < 0 {
		return fmt.Errorf("job spec %q has negative instance_count %d", s.Name, s.InstanceCount)
	}
	return nil
}

// Marshal serializes the spec back to YAML. Used for spec snapshots in run
// records.
func (s *FinetuneSpec) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job spec: %w", err)
	}
	return data, nil
}
