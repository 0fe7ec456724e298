package gantrysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Gantry HTTP API client. The bearer token's
// subject is the default worker and caller identity; per-call ids
// override it.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Stage       string  `json:"stage"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	WorkerID    *string `json:"worker_id,omitempty"`
	Priority    int     `json:"priority"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
}

// Lease represents an execution claim on a task.
type Lease struct {
	TaskID     string `json:"task_id"`
	WorkerID   string `json:"worker_id"`
	Class      string `json:"class"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

// Reservation pairs the reserved task with its lease.
type Reservation struct {
	Task  Task  `json:"task"`
	Lease Lease `json:"lease"`
}

// BlockedTask explains why a task is not in the ready set.
type BlockedTask struct {
	TaskID  string   `json:"task_id"`
	Stage   string   `json:"stage"`
	Status  string   `json:"status"`
	Reasons []string `json:"reasons"`
}

// Artifact represents a task output.
type Artifact struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	TaskID      string   `json:"task_id"`
	Kind        string   `json:"kind"`
	URI         string   `json:"uri,omitempty"`
	Quality     *float64 `json:"quality,omitempty"`
	Invalidated bool     `json:"invalidated"`
	CreatedAt   string   `json:"created_at"`
}

// Review represents a scored judgement on a task.
type Review struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	TaskID       string  `json:"task_id"`
	ReviewerID   string  `json:"reviewer_id"`
	ReviewerType string  `json:"reviewer_type"`
	Score        float64 `json:"score"`
	Positive     bool    `json:"positive"`
	SignedOff    bool    `json:"signed_off"`
	Comment      string  `json:"comment,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// Gate represents stage gate progress.
type Gate struct {
	ProjectID    string  `json:"project_id"`
	Stage        string  `json:"stage"`
	Type         string  `json:"type"`
	Threshold    float64 `json:"threshold"`
	CurrentValue float64 `json:"current_value"`
	Satisfied    bool    `json:"satisfied"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// ProjectStatus is the project scoreboard.
type ProjectStatus struct {
	Counts  map[string]int `json:"counts"`
	Gates   []Gate         `json:"gates"`
	Leases  []Lease        `json:"leases"`
	Breaker string         `json:"breaker"`
}

// ReviewInput carries the fields of a new review.
type ReviewInput struct {
	ReviewerID   string  `json:"reviewer_id,omitempty"`
	ReviewerType string  `json:"reviewer_type"`
	Score        float64 `json:"score"`
	Positive     bool    `json:"positive"`
	SignedOff    bool    `json:"signed_off,omitempty"`
	Comment      string  `json:"comment,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ReadyTasks returns tasks whose dependencies and gates are satisfied,
// highest priority first. callerID may be empty to use the token's
// subject for rate limiting.
func (c *Client) ReadyTasks(ctx context.Context, callerID string) ([]Task, error) {
	endpoint := c.projectPath("ready")
	if callerID != "" {
		endpoint += "?caller_id=" + url.QueryEscape(callerID)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// BlockedTasks explains why tasks are outside the ready set.
func (c *Client) BlockedTasks(ctx context.Context) ([]BlockedTask, error) {
	var resp []BlockedTask
	err := c.do(ctx, http.MethodGet, c.projectPath("blocked"), nil, &resp)
	return resp, err
}

// CreateTask adds another instance of a pipeline stage.
func (c *Client) CreateTask(ctx context.Context, stage, title string, dependsOn []string) (Task, error) {
	body := map[string]any{
		"stage": stage,
	}
	if title != "" {
		body["title"] = title
	}
	if len(dependsOn) > 0 {
		body["depends_on"] = dependsOn
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.projectPath("tasks/" + url.PathEscape(taskID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Reserve claims a ready task under a lease. ttlSeconds 0 uses the
// pipeline default; workerID "" uses the token's subject.
func (c *Client) Reserve(ctx context.Context, taskID, workerID string, ttlSeconds int) (Reservation, error) {
	var resp Reservation
	endpoint := c.taskAction(taskID, "reserve", workerID, ttlSeconds)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Renew extends a held lease.
func (c *Client) Renew(ctx context.Context, taskID, workerID string, ttlSeconds int) (Lease, error) {
	var resp Lease
	endpoint := c.taskAction(taskID, "renew", workerID, ttlSeconds)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Release returns a reserved task to the ready pool.
func (c *Client) Release(ctx context.Context, taskID, workerID string) error {
	endpoint := c.taskAction(taskID, "release", workerID, 0)
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// ReportStatus reports a terminal execution outcome, "completed" or
// "failed".
func (c *Client) ReportStatus(ctx context.Context, taskID, status, workerID string) (Task, error) {
	body := map[string]any{
		"status": status,
	}
	if workerID != "" {
		body["worker_id"] = workerID
	}
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/status", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Complete reports a task completed.
func (c *Client) Complete(ctx context.Context, taskID, workerID string) (Task, error) {
	return c.ReportStatus(ctx, taskID, "completed", workerID)
}

// Fail reports a task failed, consuming an attempt.
func (c *Client) Fail(ctx context.Context, taskID, workerID string) (Task, error) {
	return c.ReportStatus(ctx, taskID, "failed", workerID)
}

// RecordArtifact attaches an output to a task. quality may be nil for
// unscored artifacts.
func (c *Client) RecordArtifact(ctx context.Context, taskID, kind, uri string, quality *float64) (Artifact, error) {
	body := map[string]any{
		"kind": kind,
	}
	if uri != "" {
		body["uri"] = uri
	}
	if quality != nil {
		body["quality"] = *quality
	}
	var resp Artifact
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/artifacts", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// InvalidateArtifact withdraws an artifact from quality calculations.
func (c *Client) InvalidateArtifact(ctx context.Context, artifactID, reason string) (Artifact, error) {
	body := map[string]any{
		"reason": reason,
	}
	var resp Artifact
	endpoint := c.projectPath(fmt.Sprintf("artifacts/%s/invalidate", url.PathEscape(artifactID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddReview records a review score against a task.
func (c *Client) AddReview(ctx context.Context, taskID string, in ReviewInput) (Review, error) {
	var resp Review
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/reviews", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

// SignOffReview counts a review toward its stage's review_points gate.
func (c *Client) SignOffReview(ctx context.Context, reviewID string) (Review, error) {
	var resp Review
	endpoint := c.projectPath(fmt.Sprintf("reviews/%s/signoff", url.PathEscape(reviewID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Gates returns stage gate progress.
func (c *Client) Gates(ctx context.Context) ([]Gate, error) {
	var resp []Gate
	err := c.do(ctx, http.MethodGet, c.projectPath("gates"), nil, &resp)
	return resp, err
}

// Status returns the project scoreboard.
func (c *Client) Status(ctx context.Context) (ProjectStatus, error) {
	var resp ProjectStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) taskAction(taskID, action, workerID string, ttlSeconds int) string {
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/%s", url.PathEscape(taskID), action))
	q := url.Values{}
	if workerID != "" {
		q.Set("worker_id", workerID)
	}
	if ttlSeconds > 0 {
		q.Set("ttl_seconds", strconv.Itoa(ttlSeconds))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	return endpoint
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
