package platform

import (
	"context"
	"net/http"
	"time"
)

// ModelVersion is a registered model in the workspace registry.
type ModelVersion struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	JobID     string    `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// RegisterModel registers the output model of a completed job under name.
// The platform assigns the version.
func (c *Client) RegisterModel(ctx context.Context, name, jobID string) (*ModelVersion, error) {
	body := map[string]string{"name": name, "job_id": jobID}

	var model ModelVersion
	if err := c.do(ctx, http.MethodPost, c.workspacePath("/models"), body, &model); err != nil {
		return nil, err
	}
	return &model, nil
}

// GetModel fetches a registered model version. Pass "latest" to resolve the
// most recent version.
func (c *Client) GetModel(ctx context.Context, name, version string) (*ModelVersion, error) {
	if version == "" {
		version = "latest"
	}
	var model ModelVersion
	if err := c.do(ctx, http.MethodGet, c.workspacePath("/models/%s/versions/%s", name, version), nil, &model); err != nil {
		return nil, err
	}
	return &model, nil
}
