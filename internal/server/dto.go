package server

import (
	"encoding/json"

	"jobforge/internal/domain"
	"jobforge/internal/engine"
)

// Request payloads

type CreateCatalogRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type DefineBuildJobRequest struct {
	Owner            *string `json:"owner,omitempty"`
	Repo             string  `json:"repo"`
	Name             *string `json:"name,omitempty"`
	ScriptPath       *string `json:"script_path,omitempty"`
	APICredentialsID *string `json:"api_credentials_id,omitempty"`
	SSHCredentialsID *string `json:"ssh_credentials_id,omitempty"`
}

type DefineDeployJobRequest struct {
	Owner              *string `json:"owner,omitempty"`
	Repo               string  `json:"repo"`
	Name               *string `json:"name,omitempty"`
	InfrastructureRepo *string `json:"infrastructure_repo,omitempty"`
	ScriptPath         *string `json:"script_path,omitempty"`
	SSHCredentialsID   *string `json:"ssh_credentials_id,omitempty"`
}

// Response payloads

type CatalogResponse struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type JobResponse struct {
	Name      string                `json:"name"`
	CatalogID string                `json:"catalog_id"`
	Kind      string                `json:"kind" enum:"build,deploy"`
	Build     *domain.BuildJobSpec  `json:"build,omitempty"`
	Deploy    *domain.DeployJobSpec `json:"deploy,omitempty"`
	CreatedAt string                `json:"created_at" format:"date-time"`
	UpdatedAt string                `json:"updated_at" format:"date-time"`
}

type RenderResponse struct {
	JobName  string `json:"job_name"`
	Script   string `json:"script"`
	Checksum string `json:"checksum"`
}

type SeedResponse struct {
	CatalogID string `json:"catalog_id"`
	JobCount  int    `json:"job_count"`
	Script    string `json:"script"`
}

type PlanResponse struct {
	JobName         string `json:"job_name"`
	Action          string `json:"action" enum:"create,update,noop"`
	Checksum        string `json:"checksum"`
	AppliedChecksum string `json:"applied_checksum,omitempty"`
}

type AppliedJobResponse struct {
	JobName   string `json:"job_name"`
	Checksum  string `json:"checksum"`
	ActorID   string `json:"actor_id"`
	AppliedAt string `json:"applied_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CatalogID  string         `json:"catalog_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func catalogResponse(c domain.Catalog) CatalogResponse {
	return CatalogResponse{
		ID:          c.ID,
		Description: c.Description,
		Status:      c.Status,
		CreatedAt:   c.CreatedAt,
	}
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		Name:      j.Name,
		CatalogID: j.CatalogID,
		Kind:      j.Kind,
		Build:     j.Build,
		Deploy:    j.Deploy,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

func mapJobs(jobs []domain.Job) []JobResponse {
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j))
	}
	return out
}

func planResponse(p engine.Plan) PlanResponse {
	return PlanResponse{
		JobName:         p.JobName,
		Action:          p.Action,
		Checksum:        p.Checksum,
		AppliedChecksum: p.AppliedChecksum,
	}
}

func appliedResponse(a domain.AppliedJob) AppliedJobResponse {
	return AppliedJobResponse{
		JobName:   a.JobName,
		Checksum:  a.Checksum,
		ActorID:   a.ActorID,
		AppliedAt: a.AppliedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	var payload map[string]any
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		CatalogID:  evt.CatalogID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
