// Package agentflow provides a small Go client for the AgentFlow REST API.
// The types in this package mirror the wire format of the server and carry
// no dependency on the server internals, so the SDK can be vendored into
// other projects as-is.
package agentflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Condition mirrors the branch condition attached to a transition. Leaf
// conditions populate Left/Operator/Right; composite conditions populate
// Conditions plus Logic ("and" or "or").
type Condition struct {
	Left     string `json:"left,omitempty"`
	Operator string `json:"operator,omitempty"`
	Right    any    `json:"right,omitempty"`

	Conditions []*Condition `json:"conditions,omitempty"`
	Logic      string       `json:"logic,omitempty"`
}

// Transition points at the next step, optionally guarded by a condition.
type Transition struct {
	Step      string     `json:"step"`
	Condition *Condition `json:"condition,omitempty"`
}

// RetryPolicy configures exponential backoff for a step. Delays are seconds.
type RetryPolicy struct {
	MaxRetries       int      `json:"max_retries"`
	InitialDelay     float64  `json:"initial_delay"`
	ExponentialBase  float64  `json:"exponential_base"`
	MaxDelay         float64  `json:"max_delay"`
	RetryableMatches []string `json:"retryable_matches,omitempty"`
}

// Step describes a single node of a workflow definition.
type Step struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`

	ConfidenceThreshold *float64     `json:"confidence_threshold,omitempty"`
	Retry               *RetryPolicy `json:"retry,omitempty"`
	NextSteps           []Transition `json:"next_steps,omitempty"`
}

// Definition describes a registered workflow graph.
type Definition struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	EntryStep   string  `json:"entry_step"`
	Steps       []*Step `json:"steps"`
}

// ForkOrigin identifies the execution and step a fork was created from.
type ForkOrigin struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
}

// Execution is the full runtime state of one workflow run as returned by the
// server. Results are keyed by step identifier.
type Execution struct {
	ExecutionID string                    `json:"execution_id"`
	WorkflowID  string                    `json:"workflow_id"`
	Variables   map[string]any            `json:"variables,omitempty"`
	Results     map[string]map[string]any `json:"results,omitempty"`
	History     []string                  `json:"history,omitempty"`
	CurrentStep string                    `json:"current_step,omitempty"`
	Status      string                    `json:"status"`
	Version     int                       `json:"version"`
	PendingStep string                    `json:"pending_step,omitempty"`
	LastError   string                    `json:"last_error,omitempty"`
	ErrorCode   string                    `json:"error_code,omitempty"`
	ForkOf      *ForkOrigin               `json:"fork_of,omitempty"`
	CreatedAt   int64                     `json:"created_at"`
	UpdatedAt   int64                     `json:"updated_at"`
}

// Snapshot captures the execution state recorded after one step completed.
type Snapshot struct {
	ExecutionID string     `json:"execution_id"`
	StepID      string     `json:"step_id"`
	Sequence    int        `json:"sequence"`
	Context     *Execution `json:"context"`
	CreatedAt   int64      `json:"created_at"`
}

// ExecutionStats aggregates execution counts by status.
type ExecutionStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	WaitingApproval int   `json:"waiting_approval"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ExecutionFilter narrows ListExecutions results. Zero values are omitted
// from the request. Since and Until are Unix timestamps in seconds; Sort is
// "asc" or "desc" by update time.
type ExecutionFilter struct {
	Statuses []string
	Workflow string
	Query    string
	Limit    int
	Offset   int
	Since    int64
	Until    int64
	Sort     string
}

func (f ExecutionFilter) values() url.Values {
	query := url.Values{}
	if len(f.Statuses) > 0 {
		query.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Workflow != "" {
		query.Set("workflow", f.Workflow)
	}
	if f.Query != "" {
		query.Set("q", f.Query)
	}
	if f.Limit > 0 {
		query.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		query.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Since > 0 {
		query.Set("since", strconv.FormatInt(f.Since, 10))
	}
	if f.Until > 0 {
		query.Set("until", strconv.FormatInt(f.Until, 10))
	}
	if f.Sort != "" {
		query.Set("sort", f.Sort)
	}
	return query
}

// AgentConfiguration carries the behavioural settings of a governed agent.
type AgentConfiguration struct {
	SystemPrompt string   `json:"system_prompt,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	MaxSteps     int      `json:"max_steps,omitempty"`
}

// AgentRecord is the governance profile of a registered agent.
type AgentRecord struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Tier            string             `json:"tier"`
	ConfidenceScore float64            `json:"confidence_score"`
	Configuration   AgentConfiguration `json:"configuration"`
	CreatedAt       int64              `json:"created_at"`
	UpdatedAt       int64              `json:"updated_at"`
}

// TaskRequest asks a registered agent to work towards a goal.
type TaskRequest struct {
	AgentID string `json:"agent_id"`
	Goal    string `json:"goal"`
}

// TraceStep is one recorded iteration of the agent reasoning loop.
type TraceStep struct {
	Index       int            `json:"index"`
	Kind        string         `json:"kind"`
	Thought     string         `json:"thought,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Observation string         `json:"observation,omitempty"`
	CreatedAt   int64          `json:"created_at"`
}

// TaskResult is the outcome of one agent task including the full trace.
// Forced reports that the step budget ran out and the answer was forced.
type TaskResult struct {
	AgentID     string      `json:"agent_id"`
	AgentName   string      `json:"agent_name"`
	Goal        string      `json:"goal"`
	FinalAnswer string      `json:"final_answer"`
	Forced      bool        `json:"forced"`
	Confidence  float64     `json:"confidence"`
	Steps       []TraceStep `json:"steps"`
	CreatedAt   int64       `json:"created_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentflow api error (%d): %s", e.StatusCode, e.Message)
}

// Client wraps the HTTP interactions with the AgentFlow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// NewClient instantiates a client for the AgentFlow API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken stores the bearer token attached to subsequent requests.
// Servers started without an access token accept unauthenticated calls, so
// setting a token is only required against protected deployments.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Health checks the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil, nil)
}

// RegisterWorkflow uploads a workflow definition and returns the stored form.
func (c *Client) RegisterWorkflow(ctx context.Context, def *Definition) (*Definition, error) {
	var stored Definition
	if err := c.post(ctx, "/api/v1/workflows", def, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListWorkflows returns every registered workflow definition.
func (c *Client) ListWorkflows(ctx context.Context) ([]*Definition, error) {
	var defs []*Definition
	if err := c.get(ctx, "/api/v1/workflows", nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// ExecuteWorkflow starts an execution and drives it synchronously until it
// reaches a terminal status or pauses for approval.
func (c *Client) ExecuteWorkflow(ctx context.Context, workflowID string, variables map[string]any) (*Execution, error) {
	payload := struct {
		WorkflowID string         `json:"workflow_id"`
		Variables  map[string]any `json:"variables,omitempty"`
	}{WorkflowID: workflowID, Variables: variables}

	var execution Execution
	if err := c.post(ctx, "/api/v1/workflows/execute", payload, &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

// GetExecution fetches the current state of one execution.
func (c *Client) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	var execution Execution
	if err := c.get(ctx, "/api/v1/executions/"+url.PathEscape(executionID), nil, &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

// ListExecutions returns executions matching the filter, newest first unless
// the filter requests ascending order.
func (c *Client) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var executions []*Execution
	if err := c.get(ctx, "/api/v1/executions", filter.values(), &executions); err != nil {
		return nil, err
	}
	return executions, nil
}

// ExecutionStats returns aggregate execution counts by status.
func (c *Client) ExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	var stats ExecutionStats
	if err := c.get(ctx, "/api/v1/executions/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListSnapshots returns the snapshot log of an execution in step order.
func (c *Client) ListSnapshots(ctx context.Context, executionID string) ([]*Snapshot, error) {
	var snapshots []*Snapshot
	endpoint := "/api/v1/executions/" + url.PathEscape(executionID) + "/snapshots"
	if err := c.get(ctx, endpoint, nil, &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// Resume approves the pending step of a paused execution and drives it
// forward until the next pause or terminal status.
func (c *Client) Resume(ctx context.Context, executionID, approvedStep string) (*Execution, error) {
	payload := struct {
		ExecutionID  string `json:"execution_id"`
		ApprovedStep string `json:"approved_step"`
	}{ExecutionID: executionID, ApprovedStep: approvedStep}

	var execution Execution
	if err := c.post(ctx, "/api/v1/executions/resume", payload, &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

// Fork replays an execution from the snapshot taken after fromStep, with the
// given variables merged over the snapshot state. The origin execution is
// left untouched.
func (c *Client) Fork(ctx context.Context, executionID, fromStep string, variables map[string]any) (*Execution, error) {
	payload := struct {
		ExecutionID string         `json:"execution_id"`
		FromStep    string         `json:"from_step"`
		Variables   map[string]any `json:"variables,omitempty"`
	}{ExecutionID: executionID, FromStep: fromStep, Variables: variables}

	var execution Execution
	if err := c.post(ctx, "/api/v1/executions/fork", payload, &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

// Cancel stops a non-terminal execution.
func (c *Client) Cancel(ctx context.Context, executionID string) error {
	payload := struct {
		ExecutionID string `json:"execution_id"`
	}{ExecutionID: executionID}
	return c.post(ctx, "/api/v1/executions/cancel", payload, nil)
}

// PendingApprovals lists executions currently paused for human approval.
func (c *Client) PendingApprovals(ctx context.Context) ([]*Execution, error) {
	var executions []*Execution
	if err := c.get(ctx, "/api/v1/approvals", nil, &executions); err != nil {
		return nil, err
	}
	return executions, nil
}

// CreateAgent registers a new governed agent starting at the lowest tier.
func (c *Client) CreateAgent(ctx context.Context, name string, cfg AgentConfiguration) (*AgentRecord, error) {
	payload := struct {
		Name          string             `json:"name"`
		Configuration AgentConfiguration `json:"configuration"`
	}{Name: name, Configuration: cfg}

	var record AgentRecord
	if err := c.post(ctx, "/api/v1/agents", payload, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListAgents returns every registered agent profile.
func (c *Client) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	var records []*AgentRecord
	if err := c.get(ctx, "/api/v1/agents", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// RunAgentTask runs one agent task synchronously and returns the full trace.
func (c *Client) RunAgentTask(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	var result TaskResult
	if err := c.post(ctx, "/api/v1/agents/tasks", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
