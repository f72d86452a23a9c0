package server

import (
	"biasflow/internal/domain"
	"biasflow/internal/validate"
)

// Request payloads

type CreateSessionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type AssignRiskRequest struct {
	Category string `json:"category" enum:"high,medium,low,needs-discussion"`
}

type MapStageRequest struct {
	Stage string `json:"stage"`
}

type SetRationaleRequest struct {
	Text string `json:"text"`
}

type AttachMitigationRequest struct {
	Stage        string `json:"stage"`
	MitigationID string `json:"mitigation_id"`
}

type SetNoteRequest struct {
	EffectivenessRating int    `json:"effectiveness_rating" minimum:"1" maximum:"5"`
	Status              string `json:"status,omitempty" enum:"planned,in-progress,implemented"`
	FreeText            string `json:"free_text,omitempty"`
	DueDate             string `json:"due_date,omitempty" format:"date"`
	Assignee            string `json:"assignee,omitempty"`
}

type AdvanceRequest struct {
	Force bool `json:"force,omitempty"`
}

type GoToStageRequest struct {
	Target int  `json:"target" minimum:"1" maximum:"5"`
	Force  bool `json:"force,omitempty"`
}

// Response payloads

type SessionListResponse struct {
	Items []domain.SessionInfo `json:"items"`
}

type SnapshotResponse struct {
	Snapshot domain.Snapshot `json:"snapshot"`
	Warnings []string        `json:"warnings,omitempty"`
}

type StateResponse struct {
	State domain.WorkflowState `json:"state"`
}

type ValidateResponse struct {
	OK     bool            `json:"ok"`
	Report validate.Report `json:"report"`
}

type ProgressResponse struct {
	Metrics validate.Metrics `json:"metrics"`
}

type ImportResponse struct {
	Snapshot domain.Snapshot `json:"snapshot"`
	Warnings []string        `json:"warnings,omitempty"`
}

type ExportResponse struct {
	Generation int      `json:"generation"`
	Document   any      `json:"document"`
	Warnings   []string `json:"warnings,omitempty"`
}

type EventsResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}
