package domain

const (
	TaskPending    = "pending"
	TaskReady      = "ready"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

const (
	EdgeRequired        = "required"
	EdgeOptional        = "optional"
	EdgeGateRequirement = "gate_requirement"
)

const (
	GateReviewPoints     = "review_points"
	GateArtifactExists   = "artifact_exists"
	GateQualityThreshold = "quality_threshold"
	GateCapabilityCheck  = "capability_check"
)

const (
	ReviewerHuman     = "human"
	ReviewerAutomated = "automated"
)

// Fixed point values per reviewer type. Never configurable per review.
const (
	HumanReviewPoints     = 1.0
	AutomatedReviewPoints = 0.5
)

type Project struct {
	ID          string  `json:"id"`
	Pipeline    string  `json:"pipeline"`
	Status      string  `json:"status" enum:"active,archived"`
	Description string  `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ArchivedAt  *string `json:"archived_at,omitempty" format:"date-time"`
}

type Task struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	Stage         string  `json:"stage"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Status        string  `json:"status" enum:"pending,ready,in_progress,blocked,completed,failed"`
	WorkerID      *string `json:"worker_id,omitempty"`
	Priority      int     `json:"priority"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	BlockedReason *string `json:"blocked_reason,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

type DependencyEdge struct {
	ProjectID    string   `json:"project_id"`
	TaskID       string   `json:"task_id"`
	DependsOnID  string   `json:"depends_on_id"`
	EdgeType     string   `json:"edge_type" enum:"required,optional,gate_requirement"`
	MinimumScore *float64 `json:"minimum_score,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type Artifact struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	TaskID        string   `json:"task_id"`
	Kind          string   `json:"kind"`
	URI           string   `json:"uri,omitempty"`
	Quality       *float64 `json:"quality,omitempty"`
	Invalidated   bool     `json:"invalidated"`
	CreatedBy     string   `json:"created_by"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	InvalidatedAt *string  `json:"invalidated_at,omitempty" format:"date-time"`
	InvalidatedBy *string  `json:"invalidated_by,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

type ReviewScore struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	TaskID       string   `json:"task_id"`
	ReviewerID   string   `json:"reviewer_id"`
	ReviewerType string   `json:"reviewer_type" enum:"human,automated"`
	Score        float64  `json:"score"`
	Positive     bool     `json:"positive"`
	SignedOff    bool     `json:"signed_off"`
	SignedOffBy  *string  `json:"signed_off_by,omitempty"`
	SignedOffAt  *string  `json:"signed_off_at,omitempty" format:"date-time"`
	Comment      string   `json:"comment,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Points returns the fixed gate contribution for the review's type.
func (r ReviewScore) Points() float64 {
	if r.ReviewerType == ReviewerAutomated {
		return AutomatedReviewPoints
	}
	return HumanReviewPoints
}

type Gate struct {
	ProjectID    string  `json:"project_id"`
	Stage        string  `json:"stage"`
	Type         string  `json:"type" enum:"review_points,artifact_exists,capability_check,quality_threshold"`
	Threshold    float64 `json:"threshold"`
	CurrentValue float64 `json:"current_value"`
	Satisfied    bool    `json:"satisfied"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

const (
	LeaseExecution  = "execution"
	LeaseResolution = "resolution"
)

type Lease struct {
	TaskID     string `json:"task_id"`
	WorkerID   string `json:"worker_id"`
	Class      string `json:"class" enum:"execution,resolution"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type BlockedTask struct {
	TaskID  string   `json:"task_id"`
	Stage   string   `json:"stage"`
	Status  string   `json:"status"`
	Reasons []string `json:"reasons"`
}

type ReadySet struct {
	ProjectID  string `json:"project_id"`
	ComputedAt string `json:"computed_at" format:"date-time"`
	Tasks      []Task `json:"tasks"`
	FromCache  bool   `json:"from_cache"`
}
