// Package client talks to the style-pipeline HTTP API and polls jobs to completion.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"style-pipeline/internal/models"
	"style-pipeline/internal/status"
	"style-pipeline/internal/upload"
)

// APIError is a non-success response that is not part of the job taxonomy.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the call later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client is a thin HTTP wrapper over the job API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// New returns a client for baseURL. A nil httpClient uses a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// WithToken returns a copy that sends token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// UploadFile is one media part of an upload.
type UploadFile struct {
	Name   string
	Reader io.Reader
}

// Upload sends media and returns the queued job.
func (c *Client) Upload(ctx context.Context, jobType string, metadata json.RawMessage, files ...UploadFile) (upload.Accepted, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("type", jobType); err != nil {
		return upload.Accepted{}, err
	}
	if len(metadata) > 0 {
		if err := mw.WriteField("metadata", string(metadata)); err != nil {
			return upload.Accepted{}, err
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return upload.Accepted{}, err
		}
		if _, err := io.Copy(fw, f.Reader); err != nil {
			return upload.Accepted{}, fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return upload.Accepted{}, err
	}

	var out upload.Accepted
	code, data, err := c.do(ctx, http.MethodPost, "/uploads", body, mw.FormDataContentType())
	if err != nil {
		return out, err
	}
	switch code {
	case http.StatusCreated:
		err := decodeInto(data, &out)
		return out, err
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return out, &models.ValidationError{Message: errorMessage(data)}
	case http.StatusServiceUnavailable:
		return out, fmt.Errorf("%s: %w", errorMessage(data), models.ErrQueueFull)
	default:
		return out, &APIError{StatusCode: code, Message: errorMessage(data)}
	}
}

// Status fetches a job snapshot.
func (c *Client) Status(ctx context.Context, id string) (status.Snapshot, error) {
	var snap status.Snapshot
	code, data, err := c.do(ctx, http.MethodGet, jobPath(id), nil, "")
	if err != nil {
		return snap, err
	}
	switch code {
	case http.StatusOK:
		err := decodeInto(data, &snap)
		return snap, err
	case http.StatusNotFound:
		return snap, models.ErrNotFound
	default:
		return snap, &APIError{StatusCode: code, Message: errorMessage(data)}
	}
}

// Result fetches a completed job's output. Pending jobs yield
// *models.StillProcessingError and failed jobs *models.ProcessingFailure.
func (c *Client) Result(ctx context.Context, id string) (json.RawMessage, error) {
	code, data, err := c.do(ctx, http.MethodGet, jobPath(id)+"/result", nil, "")
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusOK:
		var view status.ResultView
		if err := decodeInto(data, &view); err != nil {
			return nil, err
		}
		return view.Result, nil
	case http.StatusAccepted:
		var pending struct {
			Status   models.JobStatus `json:"status"`
			Progress int              `json:"progress"`
		}
		if err := decodeInto(data, &pending); err != nil {
			return nil, err
		}
		return nil, &models.StillProcessingError{Status: pending.Status, Progress: pending.Progress}
	case http.StatusNotFound:
		return nil, models.ErrNotFound
	case http.StatusInternalServerError:
		var failed struct {
			Status models.JobStatus `json:"status"`
			Error  string           `json:"error"`
		}
		if json.Unmarshal(data, &failed) == nil && failed.Status == models.StatusFailed {
			return nil, &models.ProcessingFailure{Message: failed.Error}
		}
		fallthrough
	default:
		return nil, &APIError{StatusCode: code, Message: errorMessage(data)}
	}
}

// List returns every job the server knows about.
func (c *Client) List(ctx context.Context) ([]status.Snapshot, error) {
	code, data, err := c.do(ctx, http.MethodGet, "/jobs", nil, "")
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, &APIError{StatusCode: code, Message: errorMessage(data)}
	}
	var out struct {
		Jobs []status.Snapshot `json:"jobs"`
	}
	if err := decodeInto(data, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Cancel asks the server to cancel a job.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	code, data, err := c.do(ctx, http.MethodPost, jobPath(id)+"/cancel", nil, "")
	if err != nil {
		return false, err
	}
	switch code {
	case http.StatusAccepted:
		var out struct {
			Cancelled bool `json:"cancelled"`
		}
		if err := decodeInto(data, &out); err != nil {
			return false, err
		}
		return out.Cancelled, nil
	case http.StatusNotFound:
		return false, models.ErrNotFound
	default:
		return false, &APIError{StatusCode: code, Message: errorMessage(data)}
	}
}

// Identity obtains a new bearer token.
func (c *Client) Identity(ctx context.Context) (string, error) {
	code, data, err := c.do(ctx, http.MethodPost, "/identity", nil, "")
	if err != nil {
		return "", err
	}
	if code != http.StatusCreated {
		return "", &APIError{StatusCode: code, Message: errorMessage(data)}
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := decodeInto(data, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func jobPath(id string) string {
	return "/jobs/" + url.PathEscape(id)
}

func decodeInto(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}

// isTransient reports errors worth another attempt: transport failures and server-side trouble.
func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, models.ErrNotFound)
}
