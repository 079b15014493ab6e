package server

import (
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

// Request payloads

type TemplatePhaseRequest struct {
	Name               string   `json:"name"`
	Order              int      `json:"order" minimum:"1"`
	MandatoryArtifacts []string `json:"mandatory_artifacts,omitempty"`
}

type CreateTemplateRequest struct {
	Name          string                 `json:"name"`
	Description   *string                `json:"description,omitempty"`
	Version       *string                `json:"version,omitempty"`
	Configuration *string                `json:"configuration,omitempty"`
	Phases        []TemplatePhaseRequest `json:"phases"`
}

type UpdateTemplateRequest struct {
	Description   *string                `json:"description,omitempty"`
	Configuration *string                `json:"configuration,omitempty"`
	Phases        []TemplatePhaseRequest `json:"phases,omitempty"`
}

type CreateTemplateVersionRequest struct {
	Version string `json:"version"`
}

type CreateProjectRequest struct {
	Code        string  `json:"code"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type ApplyTemplateRequest struct {
	TemplateID *int64 `json:"template_id,omitempty"`
}

type CloseProjectRequest struct {
	Notes         *string `json:"notes,omitempty"`
	Justification *string `json:"justification,omitempty"`
}

type SetPhaseStatusRequest struct {
	Status string `json:"status" enum:"in_progress,completed"`
}

type WorkflowStepRequest struct {
	Name  string `json:"name"`
	Order int    `json:"order" minimum:"1"`
}

type CreateWorkflowRequest struct {
	Name  string                `json:"name"`
	Steps []WorkflowStepRequest `json:"steps"`
}

type CreateArtifactRequest struct {
	PhaseID     int64  `json:"phase_id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	IsMandatory bool   `json:"is_mandatory,omitempty"`
	WorkflowID  *int64 `json:"workflow_id,omitempty"`
}

type AddArtifactVersionRequest struct {
	ContentRef *string `json:"content_ref,omitempty"`
}

type RebindWorkflowRequest struct {
	WorkflowID int64 `json:"workflow_id"`
}

type CreateDefectRequest struct {
	ProjectID  int64  `json:"project_id"`
	ArtifactID *int64 `json:"artifact_id,omitempty"`
	Title      string `json:"title"`
	Severity   string `json:"severity" enum:"low,medium,high,critical"`
}

type UpdateDefectRequest struct {
	Status     *string `json:"status,omitempty" enum:"assigned,fixed,closed"`
	AssigneeID *string `json:"assignee_id,omitempty"`
}

type CreateTaskRequest struct {
	ProjectID   int64  `json:"project_id"`
	PhaseID     int64  `json:"phase_id"`
	IterationID *int64 `json:"iteration_id,omitempty"`
	Title       string `json:"title"`
}

type CreateIterationRequest struct {
	ProjectID int64   `json:"project_id"`
	Name      string  `json:"name"`
	StartDate *string `json:"start_date,omitempty" format:"date"`
	EndDate   *string `json:"end_date,omitempty" format:"date"`
}

type AssignRoleRequest struct {
	ActorID   string `json:"actor_id"`
	RoleID    string `json:"role_id" enum:"owner,reviewer,member"`
	ProjectID *int64 `json:"project_id,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads reuse the domain shapes; the few derived ones live here.

type ClosureValidationResponse struct {
	Checks  []engine.ClosureCheck `json:"checks"`
	IsValid bool                  `json:"is_valid"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Key     string `json:"key"`
}

func closureResponse(v engine.ClosureValidation) ClosureValidationResponse {
	return ClosureValidationResponse{Checks: v.Checks, IsValid: v.IsValid}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func phasesOptions(in []TemplatePhaseRequest) []engine.TemplatePhaseSpec {
	out := make([]engine.TemplatePhaseSpec, 0, len(in))
	for _, p := range in {
		out = append(out, engine.TemplatePhaseSpec{
			Name:               p.Name,
			Order:              p.Order,
			MandatoryArtifacts: p.MandatoryArtifacts,
		})
	}
	return out
}

func stepOptions(in []WorkflowStepRequest) []engine.WorkflowStepSpec {
	out := make([]engine.WorkflowStepSpec, 0, len(in))
	for _, s := range in {
		out = append(out, engine.WorkflowStepSpec{Name: s.Name, Order: s.Order})
	}
	return out
}

type projectWithPhases struct {
	Project domain.Project `json:"project"`
	Phases  []domain.Phase `json:"phases"`
}
