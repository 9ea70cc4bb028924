package campustaskssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal CampusTasks HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Profile is the caller's own profile.
type Profile struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	DisplayName   *string `json:"display_name"`
	AcceptedRules bool    `json:"accepted_rules"`
	RatingCount   int     `json:"rating_count"`
	RatingAverage float64 `json:"rating_average"`
	CreatedAt     string  `json:"created_at"`
}

// Task is the API task model.
type Task struct {
	ID          string  `json:"id"`
	PosterID    string  `json:"poster_id"`
	AcceptorID  *string `json:"acceptor_id"`
	Status      string  `json:"status"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Location    string  `json:"location"`
	Category    string  `json:"category"`
	Window      string  `json:"window"`
	ScheduledAt *string `json:"scheduled_at"`
	PriceCents  int     `json:"price_cents"`
	CreatedAt   string  `json:"created_at"`
}

// Message is a chat entry on a task.
type Message struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	SenderID  string `json:"sender_id"`
	Type      string `json:"type"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

// Rating is a post-completion review.
type Rating struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	RaterID   string  `json:"rater_id"`
	RateeID   string  `json:"ratee_id"`
	Stars     int     `json:"stars"`
	Comment   *string `json:"comment"`
	CreatedAt string  `json:"created_at"`
}

// LoginResult is the session returned by Login.
type LoginResult struct {
	Token     string  `json:"token"`
	ExpiresAt string  `json:"expires_at"`
	Profile   Profile `json:"profile"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// PaginatedTasks wraps task listings with a cursor.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedMessages wraps chat listings with a cursor.
type PaginatedMessages struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// Login exchanges a campus identity token for a session token and stores
// it on the client for subsequent calls.
func (c *Client) Login(ctx context.Context, identityToken string) (LoginResult, error) {
	var resp LoginResult
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"token": identityToken}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// Logout revokes the session held by the client and clears the stored
// token.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "auth/logout", nil, nil)
	if err == nil {
		c.BearerToken = ""
	}
	return err
}

// Me returns the caller's profile.
func (c *Client) Me(ctx context.Context) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// AcceptRules accepts the marketplace rules.
func (c *Client) AcceptRules(ctx context.Context) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodPost, "me/accept-rules", nil, &resp)
	return resp, err
}

// CreateTask posts a task.
func (c *Client) CreateTask(ctx context.Context, title, category, window string, priceCents int) (Task, error) {
	body := map[string]any{
		"title":       title,
		"category":    category,
		"window":      window,
		"price_cents": priceCents,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// Tasks returns one page of the task board.
func (c *Client) Tasks(ctx context.Context, status string, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := "tasks"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AcceptTask claims an open task.
func (c *Client) AcceptTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/accept", nil, &resp)
	return resp, err
}

// CancelTask cancels a task.
func (c *Client) CancelTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// CompleteTask marks an accepted task complete.
func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/complete", nil, &resp)
	return resp, err
}

// SendMessage posts a chat message on a task.
func (c *Client) SendMessage(ctx context.Context, taskID, body string) (Message, error) {
	var resp Message
	endpoint := "tasks/" + url.PathEscape(taskID) + "/messages"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"body": body}, &resp)
	return resp, err
}

// Messages returns one page of a task's chat history, oldest first.
func (c *Client) Messages(ctx context.Context, taskID string, limit int, cursor string) (PaginatedMessages, error) {
	endpoint := "tasks/" + url.PathEscape(taskID) + "/messages"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedMessages
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RateTask rates the counterpart on a completed task.
func (c *Client) RateTask(ctx context.Context, taskID string, stars int, comment string) (Rating, error) {
	body := map[string]any{"stars": stars}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Rating
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/rating", body, &resp)
	return resp, err
}

// Block hides another profile's tasks from the caller and vice versa.
func (c *Client) Block(ctx context.Context, profileID string) error {
	return c.do(ctx, http.MethodPost, "me/blocks", map[string]any{"blocked_id": profileID}, nil)
}

// Unblock removes a block.
func (c *Client) Unblock(ctx context.Context, profileID string) error {
	return c.do(ctx, http.MethodDelete, "me/blocks/"+url.PathEscape(profileID), nil, nil)
}

type resultEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Err     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
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
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env resultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return err
	}
	if resp.StatusCode >= 300 || !env.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if env.Err != nil {
			apiErr.Code = env.Err.Code
			apiErr.Message = env.Err.Message
		}
		return apiErr
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
