package phaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
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

// Project represents the API project model (partial).
type Project struct {
	ID         int64  `json:"id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	TemplateID *int64 `json:"template_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// Phase represents a project phase.
type Phase struct {
	ID                 int64    `json:"id"`
	ProjectID          int64    `json:"project_id"`
	Name               string   `json:"name"`
	Order              int      `json:"order"`
	Status             string   `json:"status"`
	MandatoryArtifacts []string `json:"mandatory_artifacts"`
}

// Artifact represents a phase deliverable.
type Artifact struct {
	ID            int64  `json:"id"`
	PhaseID       int64  `json:"phase_id"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	IsMandatory   bool   `json:"is_mandatory"`
	WorkflowID    *int64 `json:"workflow_id,omitempty"`
	CurrentStepID *int64 `json:"current_step_id,omitempty"`
}

// Defect represents a reported defect.
type Defect struct {
	ID         int64   `json:"id"`
	ProjectID  int64   `json:"project_id"`
	Title      string  `json:"title"`
	Severity   string  `json:"severity"`
	Status     string  `json:"status"`
	AssigneeID *string `json:"assignee_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  *int64         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// ClosureCheck is one entry of the closure checklist.
type ClosureCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ClosureValidation is the full checklist result.
type ClosureValidation struct {
	Checks  []ClosureCheck `json:"checks"`
	IsValid bool           `json:"is_valid"`
}

// PhaseProgress is the task rollup for one phase.
type PhaseProgress struct {
	PhaseID             int64  `json:"phase_id"`
	Name                string `json:"name"`
	Order               int    `json:"order"`
	Status              string `json:"status"`
	TotalTasks          int    `json:"total_tasks"`
	CompletedTasks      int    `json:"completed_tasks"`
	PercentageCompleted int    `json:"percentage_completed"`
}

// Progress is the project-level progress rollup.
type Progress struct {
	ProjectID           int64           `json:"project_id"`
	PercentageCompleted int             `json:"percentage_completed"`
	Phases              []PhaseProgress `json:"phases"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, code, name, description string) (Project, error) {
	body := map[string]any{
		"code":        code,
		"name":        name,
		"description": description,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id int64) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d", id), nil, &resp)
	return resp, err
}

// ApplyTemplate instantiates a template onto a project. A zero templateID
// applies the instance default.
func (c *Client) ApplyTemplate(ctx context.Context, projectID, templateID int64) (Project, []Phase, error) {
	body := map[string]any{}
	if templateID != 0 {
		body["template_id"] = templateID
	}
	var resp struct {
		Project Project `json:"project"`
		Phases  []Phase `json:"phases"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%d/template", projectID), body, &resp)
	return resp.Project, resp.Phases, err
}

// Phases lists the phases of a project.
func (c *Client) Phases(ctx context.Context, projectID int64) ([]Phase, error) {
	var resp []Phase
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d/phases", projectID), nil, &resp)
	return resp, err
}

// SetPhaseStatus moves a phase to the given status.
func (c *Client) SetPhaseStatus(ctx context.Context, phaseID int64, status string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("phases/%d/status", phaseID), map[string]any{"status": status}, &resp)
	return resp, err
}

// CreateArtifact creates an artifact under a phase.
func (c *Client) CreateArtifact(ctx context.Context, phaseID int64, artifactType, name string, mandatory bool) (Artifact, error) {
	body := map[string]any{
		"phase_id":     phaseID,
		"type":         artifactType,
		"name":         name,
		"is_mandatory": mandatory,
	}
	var resp Artifact
	err := c.do(ctx, http.MethodPost, "artifacts", body, &resp)
	return resp, err
}

// AdvanceArtifact moves an artifact one workflow step forward.
func (c *Client) AdvanceArtifact(ctx context.Context, artifactID int64) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("artifacts/%d/advance", artifactID), nil, &resp)
	return resp, err
}

// CompleteArtifact approves an artifact at the last workflow step.
func (c *Client) CompleteArtifact(ctx context.Context, artifactID int64) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("artifacts/%d/complete", artifactID), nil, &resp)
	return resp, err
}

// CreateDefect reports a defect.
func (c *Client) CreateDefect(ctx context.Context, projectID int64, title, severity string) (Defect, error) {
	body := map[string]any{
		"project_id": projectID,
		"title":      title,
		"severity":   severity,
	}
	var resp Defect
	err := c.do(ctx, http.MethodPost, "defects", body, &resp)
	return resp, err
}

// ValidateClosure runs the closure checklist without closing.
func (c *Client) ValidateClosure(ctx context.Context, projectID int64) (ClosureValidation, error) {
	var resp ClosureValidation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d/closure", projectID), nil, &resp)
	return resp, err
}

// CloseProject closes a project; the server enforces the checklist.
func (c *Client) CloseProject(ctx context.Context, projectID int64, notes string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%d/close", projectID), map[string]any{"notes": notes}, &resp)
	return resp, err
}

// ForceCloseProject closes a project bypassing the checklist.
func (c *Client) ForceCloseProject(ctx context.Context, projectID int64, notes, justification string) (Project, error) {
	body := map[string]any{
		"notes":         notes,
		"justification": justification,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%d/force-close", projectID), body, &resp)
	return resp, err
}

// GetProgress returns the project progress rollup.
func (c *Client) GetProgress(ctx context.Context, projectID int64) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d/progress", projectID), nil, &resp)
	return resp, err
}

// Events returns recent events for a project.
func (c *Client) Events(ctx context.Context, projectID int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("projects/%d/events", projectID)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
