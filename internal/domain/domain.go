package domain

type Template struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     string          `json:"version"`
	ConfigJSON  string          `json:"config_json,omitempty"`
	IsDefault   bool            `json:"is_default"`
	Phases      []TemplatePhase `json:"phases,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

type TemplatePhase struct {
	ID                 int64    `json:"id"`
	TemplateID         int64    `json:"template_id"`
	Name               string   `json:"name"`
	Order              int      `json:"order"`
	MandatoryArtifacts []string `json:"mandatory_artifacts"`
}

type Project struct {
	ID            int64   `json:"id"`
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	TemplateID    *int64  `json:"template_id,omitempty"`
	Status        string  `json:"status" enum:"created,active,archived,closed"`
	ArchivedAt    *string `json:"archived_at,omitempty" format:"date-time"`
	ClosedAt      *string `json:"closed_at,omitempty" format:"date-time"`
	ClosedBy      *string `json:"closed_by,omitempty"`
	ClosureNotes  *string `json:"closure_notes,omitempty"`
	ClosureForced bool    `json:"closure_forced,omitempty"`
	Justification *string `json:"justification,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Phase struct {
	ID                 int64    `json:"id"`
	ProjectID          int64    `json:"project_id"`
	Name               string   `json:"name"`
	Order              int      `json:"order"`
	Status             string   `json:"status" enum:"not_started,in_progress,completed"`
	MandatoryArtifacts []string `json:"mandatory_artifacts"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

type Artifact struct {
	ID            int64  `json:"id"`
	PhaseID       int64  `json:"phase_id"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	IsMandatory   bool   `json:"is_mandatory"`
	WorkflowID    *int64 `json:"workflow_id,omitempty"`
	CurrentStepID *int64 `json:"current_step_id,omitempty"`
	Status        string `json:"status" enum:"pending,in_review,approved"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// ArtifactVersion rows are append-only once written.
type ArtifactVersion struct {
	ID         int64  `json:"id"`
	ArtifactID int64  `json:"artifact_id"`
	Version    int    `json:"version"`
	AuthorID   string `json:"author_id"`
	ContentRef string `json:"content_ref,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Workflow struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	Steps     []WorkflowStep `json:"steps,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type WorkflowStep struct {
	ID         int64  `json:"id"`
	WorkflowID int64  `json:"workflow_id"`
	Name       string `json:"name"`
	Order      int    `json:"order"`
}

type Defect struct {
	ID         int64   `json:"id"`
	ProjectID  int64   `json:"project_id"`
	ArtifactID *int64  `json:"artifact_id,omitempty"`
	Title      string  `json:"title"`
	Severity   string  `json:"severity" enum:"low,medium,high,critical"`
	Status     string  `json:"status" enum:"new,assigned,fixed,closed"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID          int64   `json:"id"`
	ProjectID   int64   `json:"project_id"`
	PhaseID     int64   `json:"phase_id"`
	IterationID *int64  `json:"iteration_id,omitempty"`
	Title       string  `json:"title"`
	Status      string  `json:"status" enum:"open,done"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Iteration struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	StartDate string `json:"start_date,omitempty" format:"date"`
	EndDate   string `json:"end_date,omitempty" format:"date"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// IterationSummary is the read-side projection the progress rollup returns.
type IterationSummary struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	StartDate           string `json:"start_date,omitempty" format:"date"`
	EndDate             string `json:"end_date,omitempty" format:"date"`
	PercentageCompleted int    `json:"percentage_completed"`
	TotalTasks          int    `json:"total_tasks"`
	CompletedTasks      int    `json:"completed_tasks"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  *int64 `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
