package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mlbridge/internal/batch"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Config carries the connection settings for the managed platform's workspace
// API. Either a client-credentials grant (TokenURL/ClientID/ClientSecret) or
// a static APIToken can be used; the static token is meant for local stacks
// and tests.
type Config struct {
	BaseURL   string `env:"PLATFORM_URL,notEmpty,required"`
	Workspace string `env:"PLATFORM_WORKSPACE,notEmpty,required"`

	TokenURL     string `env:"PLATFORM_TOKEN_URL"`
	ClientID     string `env:"PLATFORM_CLIENT_ID"`
	ClientSecret string `env:"PLATFORM_CLIENT_SECRET"`
	APIToken     string `env:"PLATFORM_API_TOKEN"`

	RequestTimeout time.Duration `env:"PLATFORM_REQUEST_TIMEOUT" envDefault:"30s"`
}

// Client talks to the platform's control plane. Every operation is a single
// REST call; the platform owns all lifecycle and validation, so errors are
// surfaced as-is.
type Client struct {
	http      *resty.Client
	workspace string

	invokeAttempts int
	invokeDelay    time.Duration
}

func NewClient(cfg Config) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")

	if cfg.ClientID != "" && cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		client.SetTransport(&oauth2.Transport{
			Source: cc.TokenSource(context.Background()),
			Base:   http.DefaultTransport,
		})
	} else if cfg.APIToken != "" {
		client.SetAuthToken(cfg.APIToken)
	}

	return &Client{
		http:           client,
		workspace:      cfg.Workspace,
		invokeAttempts: batch.DefaultInvokeAttempts,
		invokeDelay:    batch.DefaultInvokeDelay,
	}
}

// APIError is a non-2xx response from the platform, preserving the remote
// status code and error message.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform returned %d for %s %s: %s", e.StatusCode, e.Method, e.Path, e.Message)
}

// IsNotFound reports whether err is a platform 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) workspacePath(format string, args ...any) string {
	return fmt.Sprintf("/api/v1/workspaces/%s", c.workspace) + fmt.Sprintf(format, args...)
}

// do executes a request and decodes the JSON response into out (when out is
// non-nil). Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	res, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}

	if !res.IsSuccess() {
		apiErr := &APIError{
			StatusCode: res.StatusCode(),
			Method:     method,
			Path:       path,
			Message:    res.String(),
		}

		// The platform wraps errors as {"error": {"code": ..., "message": ...}}.
		var remote struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if jsonErr := json.Unmarshal(res.Body(), &remote); jsonErr == nil && remote.Error.Message != "" {
			apiErr.Message = remote.Error.Message
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(res.Body(), out); err != nil {
			return fmt.Errorf("failed to parse response from %s %s: %w", method, path, err)
		}
	}
	return nil
}
