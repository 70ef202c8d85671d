package platform

import (
	"context"
	"net/http"

	"mlbridge/internal/jobspec"
)

// Environment is a remote, versioned execution environment: a base container
// image plus a dependency set, optionally built from an uploaded docker build
// context. The build itself happens inside the platform.
type Environment struct {
	Name              string   `json:"name"`
	Version           string   `json:"version,omitempty"`
	Description       string   `json:"description,omitempty"`
	BaseImage         string   `json:"base_image"`
	CondaDependencies []string `json:"conda_dependencies,omitempty"`
	BuildContextURI   string   `json:"build_context_uri,omitempty"`

	ProvisioningState string `json:"provisioning_state,omitempty"`
}

// NewEnvironment assembles an environment spec from a base image and a conda
// environment file.
func NewEnvironment(name, baseImage string, conda *jobspec.CondaEnv) Environment {
	env := Environment{Name: name, BaseImage: baseImage}
	if conda != nil {
		env.CondaDependencies = conda.Packages()
	}
	return env
}

// CreateOrUpdateEnvironment registers an environment version. When
// env.Version is empty the platform assigns the next version; the response
// carries the assigned version either way.
func (c *Client) CreateOrUpdateEnvironment(ctx context.Context, env Environment) (*Environment, error) {
	var created Environment
	if err := c.do(ctx, http.MethodPut, c.workspacePath("/environments/%s", env.Name), env, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetEnvironment fetches an environment version. Pass "latest" to resolve the
// most recent version.
func (c *Client) GetEnvironment(ctx context.Context, name, version string) (*Environment, error) {
	if version == "" {
		version = "latest"
	}
	var env Environment
	if err := c.do(ctx, http.MethodGet, c.workspacePath("/environments/%s/versions/%s", name, version), nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
