package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/oplog"
	logsync "github.com/marcus/runlog/internal/sync"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Client is an HTTP client for runlog-server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a new client.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Registry types (mirrors internal/api, independently defined) ---

// ProjectResponse represents a project from the server.
type ProjectResponse struct {
	ID        string `json:"id"`
	Workspace string `json:"workspace"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

// EntityResponse is a run or the project-level entity.
type EntityResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	ShortID     string `json:"short_id"`
	CustomRunID string `json:"custom_run_id,omitempty"`
	ProjectID   string `json:"project_id"`
	Project     string `json:"project"`
	Workspace   string `json:"workspace"`
	CreatedAt   string `json:"created_at"`
}

// QualifiedID returns workspace/project/SHORT-ID.
func (e *EntityResponse) QualifiedID() string {
	return fmt.Sprintf("%s/%s/%s", e.Workspace, e.Project, e.ShortID)
}

// --- Operation types ---

// PushRequest is the body for POST /v1/entities/{entity}/ops.
type PushRequest struct {
	AttemptID string         `json:"attempt_id"`
	Ops       []oplog.Record `json:"ops"`
}

// PushResponse reports how far the server got.
type PushResponse struct {
	Acked    uint64          `json:"acked"`
	Applied  int             `json:"applied"`
	Rejected *RejectResponse `json:"error,omitempty"`
}

// RejectResponse describes a permanently rejected operation.
type RejectResponse struct {
	Version uint64 `json:"version"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AttributeInfo is one entry of the attribute structure.
type AttributeInfo struct {
	Path string          `json:"path"`
	Type models.AttrType `json:"type"`
}

// AttributeValue is the fetched value of a single attribute. Value holds the
// atom, the last series entry, or the string set members.
type AttributeValue struct {
	Path  string          `json:"path"`
	Type  models.AttrType `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
	Files []string        `json:"files,omitempty"`
}

// SeriesResponse is a page of series entries.
type SeriesResponse struct {
	Type   models.AttrType      `json:"type"`
	Floats []models.FloatPoint  `json:"floats,omitempty"`
	Lines  []models.StringPoint `json:"lines,omitempty"`
	Total  int                  `json:"total"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Registry methods ---

// CreateProject creates a project, or returns the existing one with that name.
func (c *Client) CreateProject(ctx context.Context, workspace, name string) (*ProjectResponse, error) {
	body := map[string]string{"workspace": workspace, "name": name}
	var resp ProjectResponse
	if err := c.do(ctx, "POST", "/v1/projects", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetProject looks a project up by name or id.
func (c *Client) GetProject(ctx context.Context, project string) (*ProjectResponse, error) {
	var resp ProjectResponse
	if err := c.do(ctx, "GET", "/v1/projects/"+url.PathEscape(project), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateRun creates a run. A non-empty customRunID makes the call
// idempotent: the existing run with that id is returned.
func (c *Client) CreateRun(ctx context.Context, project, customRunID string) (*EntityResponse, error) {
	body := map[string]string{"custom_run_id": customRunID}
	var resp EntityResponse
	if err := c.do(ctx, "POST", "/v1/projects/"+url.PathEscape(project)+"/runs", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun resolves a run by id, short id or custom run id.
func (c *Client) GetRun(ctx context.Context, project, run string) (*EntityResponse, error) {
	var resp EntityResponse
	path := "/v1/projects/" + url.PathEscape(project) + "/runs/" + url.PathEscape(run)
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetProjectEntity returns the project-level entity.
func (c *Client) GetProjectEntity(ctx context.Context, project string) (*EntityResponse, error) {
	var resp EntityResponse
	if err := c.do(ctx, "GET", "/v1/projects/"+url.PathEscape(project)+"/entity", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Operation methods ---

// PushOps sends a batch of operations for one attempt.
func (c *Client) PushOps(ctx context.Context, entityID string, req *PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.do(ctx, "POST", "/v1/entities/"+url.PathEscape(entityID)+"/ops", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Apply implements sync.Remote.
func (c *Client) Apply(ctx context.Context, target logsync.Target, recs []oplog.Record) (uint64, error) {
	resp, err := c.PushOps(ctx, target.EntityID, &PushRequest{AttemptID: target.AttemptID, Ops: recs})
	if err != nil {
		if models.IsRetryable(err) || errors.Is(err, models.ErrBatchTooLarge) {
			return 0, err
		}
		// The whole batch was refused (e.g. unknown entity); blame its first version.
		var apiErr *APIError
		code, msg := models.CodeInvalidOp, err.Error()
		if errors.As(err, &apiErr) {
			code, msg = apiErr.Code, apiErr.Message
		}
		return 0, &models.OperationError{Version: recs[0].Version, Path: recs[0].Op.Path, Kind: recs[0].Op.Kind, Code: code, Message: msg}
	}
	if resp.Rejected != nil {
		opErr := &models.OperationError{Version: resp.Rejected.Version, Code: resp.Rejected.Code, Message: resp.Rejected.Message}
		for _, r := range recs {
			if r.Version == resp.Rejected.Version {
				opErr.Path, opErr.Kind = r.Op.Path, r.Op.Kind
				break
			}
		}
		return resp.Acked, opErr
	}
	return resp.Acked, nil
}

// --- Fetch methods ---

// ListAttributes returns every attribute path of an entity with its type.
func (c *Client) ListAttributes(ctx context.Context, entityID string) ([]AttributeInfo, error) {
	var resp []AttributeInfo
	if err := c.do(ctx, "GET", "/v1/entities/"+url.PathEscape(entityID)+"/attributes", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetAttribute fetches one attribute. A missing path yields a
// *models.MissingFieldError.
func (c *Client) GetAttribute(ctx context.Context, entityID string, path models.Path) (*AttributeValue, error) {
	q := url.Values{"path": {path.String()}}
	var resp AttributeValue
	err := c.do(ctx, "GET", "/v1/entities/"+url.PathEscape(entityID)+"/attributes/value?"+q.Encode(), nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, &models.MissingFieldError{Path: path}
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSeries fetches a page of a float or string series. limit 0 means all.
func (c *Client) GetSeries(ctx context.Context, entityID string, path models.Path, offset, limit int) (*SeriesResponse, error) {
	q := url.Values{"path": {path.String()}, "offset": {strconv.Itoa(offset)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp SeriesResponse
	err := c.do(ctx, "GET", "/v1/entities/"+url.PathEscape(entityID)+"/series?"+q.Encode(), nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, &models.MissingFieldError{Path: path}
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// DownloadFile streams a file attribute into w. File sets arrive as a zip
// archive. The response content type is returned.
func (c *Client) DownloadFile(ctx context.Context, entityID string, path models.Path, w io.Writer) (string, error) {
	q := url.Values{"path": {path.String()}}
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/v1/entities/"+url.PathEscape(entityID)+"/files?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", models.Retryable(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		err := classify(resp.StatusCode, body)
		if errors.Is(err, ErrNotFound) {
			return "", &models.MissingFieldError{Path: path}
		}
		return "", err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return resp.Header.Get("Content-Type"), nil
}

// --- HTTP helpers ---

// APIError is the standard error body from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.Retryable(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Retryable(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return classify(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// classify turns an error response into a typed error. Server faults and
// throttling are retryable; other client errors are not.
func classify(status int, body []byte) error {
	var env struct {
		Error APIError `json:"error"`
	}
	apiErr := &env.Error
	if json.Unmarshal(body, &env) != nil || apiErr.Code == "" {
		apiErr = &APIError{Code: http.StatusText(status), Message: string(bytes.TrimSpace(body))}
	}
	apiErr.Status = status

	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return models.Retryable(apiErr)
	case status == http.StatusRequestEntityTooLarge, apiErr.Code == models.CodeTooLarge:
		return fmt.Errorf("%w: %w", models.ErrBatchTooLarge, apiErr)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %w", ErrConflict, apiErr)
	}
	return apiErr
}
