package server

import (
	"encoding/json"

	"gantry/internal/domain"
	"gantry/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
	// ConfigYAML carries a full pipeline config. Absent, the project is
	// seeded with the server's default pipeline.
	ConfigYAML *string `json:"config_yaml,omitempty"`
}

type CreateTaskRequest struct {
	ID          *string  `json:"id,omitempty"`
	Stage       string   `json:"stage"`
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type ReportStatusRequest struct {
	Status   string  `json:"status" enum:"completed,failed"`
	WorkerID *string `json:"worker_id,omitempty"`
}

type RecordArtifactRequest struct {
	ID      *string  `json:"id,omitempty"`
	Kind    string   `json:"kind"`
	URI     *string  `json:"uri,omitempty"`
	Quality *float64 `json:"quality,omitempty" minimum:"0" maximum:"1"`
}

type InvalidateArtifactRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AddReviewRequest struct {
	ID           *string `json:"id,omitempty"`
	ReviewerID   *string `json:"reviewer_id,omitempty"`
	ReviewerType string  `json:"reviewer_type" enum:"human,automated"`
	Score        float64 `json:"score" minimum:"0" maximum:"1"`
	Positive     bool    `json:"positive"`
	SignedOff    bool    `json:"signed_off,omitempty"`
	Comment      *string `json:"comment,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string  `json:"id"`
	Pipeline    string  `json:"pipeline"`
	Status      string  `json:"status" enum:"active,archived"`
	Description string  `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ArchivedAt  *string `json:"archived_at,omitempty" format:"date-time"`
}

type TaskResponse struct {
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

type LeaseResponse struct {
	TaskID     string `json:"task_id"`
	WorkerID   string `json:"worker_id"`
	Class      string `json:"class" enum:"execution,resolution"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// ReservationResponse pairs the task flipped to in_progress with the
// lease that guards it.
type ReservationResponse struct {
	Task  TaskResponse  `json:"task"`
	Lease LeaseResponse `json:"lease"`
}

type GateResponse struct {
	ProjectID    string  `json:"project_id"`
	Stage        string  `json:"stage"`
	Type         string  `json:"type" enum:"review_points,artifact_exists,capability_check,quality_threshold"`
	Threshold    float64 `json:"threshold"`
	CurrentValue float64 `json:"current_value"`
	Satisfied    bool    `json:"satisfied"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type ArtifactResponse struct {
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

type ReviewResponse struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	TaskID       string  `json:"task_id"`
	ReviewerID   string  `json:"reviewer_id"`
	ReviewerType string  `json:"reviewer_type" enum:"human,automated"`
	Score        float64 `json:"score"`
	Positive     bool    `json:"positive"`
	SignedOff    bool    `json:"signed_off"`
	SignedOffBy  *string `json:"signed_off_by,omitempty"`
	SignedOffAt  *string `json:"signed_off_at,omitempty" format:"date-time"`
	Comment      string  `json:"comment,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type BlockedTaskResponse struct {
	TaskID  string   `json:"task_id"`
	Stage   string   `json:"stage"`
	Status  string   `json:"status"`
	Reasons []string `json:"reasons"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ReadySetResponse struct {
	ProjectID string         `json:"project_id"`
	CallerID  string         `json:"caller_id"`
	Items     []TaskResponse `json:"items"`
}

type StatusResponse struct {
	Project ProjectResponse `json:"project"`
	Counts  map[string]int  `json:"counts"`
	Gates   []GateResponse  `json:"gates"`
	Leases  []LeaseResponse `json:"leases"`
	Breaker string          `json:"breaker" enum:"closed,open,half_open"`
}

type SweepResponse struct {
	Swept int `json:"swept"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse(t)
}

func leaseResponse(l domain.Lease) LeaseResponse {
	return LeaseResponse(l)
}

func gateResponse(g domain.Gate) GateResponse {
	return GateResponse(g)
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	return ArtifactResponse(a)
}

func reviewResponse(r domain.ReviewScore) ReviewResponse {
	return ReviewResponse(r)
}

func blockedResponse(b domain.BlockedTask) BlockedTaskResponse {
	return BlockedTaskResponse{
		TaskID:  b.TaskID,
		Stage:   b.Stage,
		Status:  b.Status,
		Reasons: nonNilSlice(b.Reasons),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func statusResponse(s engine.StatusSummary) StatusResponse {
	return StatusResponse{
		Project: projectResponse(s.Project),
		Counts:  s.Counts,
		Gates:   mapGates(s.Gates),
		Leases:  mapLeases(s.Leases),
		Breaker: s.Breaker,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapLeases(items []domain.Lease) []LeaseResponse {
	res := make([]LeaseResponse, 0, len(items))
	for _, l := range items {
		res = append(res, leaseResponse(l))
	}
	return res
}

func mapGates(items []domain.Gate) []GateResponse {
	res := make([]GateResponse, 0, len(items))
	for _, g := range items {
		res = append(res, gateResponse(g))
	}
	return res
}

func mapArtifacts(items []domain.Artifact) []ArtifactResponse {
	res := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		res = append(res, artifactResponse(a))
	}
	return res
}

func mapReviews(items []domain.ReviewScore) []ReviewResponse {
	res := make([]ReviewResponse, 0, len(items))
	for _, r := range items {
		res = append(res, reviewResponse(r))
	}
	return res
}

func mapBlocked(items []domain.BlockedTask) []BlockedTaskResponse {
	res := make([]BlockedTaskResponse, 0, len(items))
	for _, b := range items {
		res = append(res, blockedResponse(b))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
