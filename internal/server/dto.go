package server

import (
	"encoding/json"

	"annexe/internal/domain"
	"annexe/internal/engine"
)

// Request payloads

type CreateVillageRequest struct {
	Name string `json:"name" minLength:"1"`
}

type CreateCharacterRequest struct {
	ExternalID int64    `json:"external_id"`
	Name       string   `json:"name" minLength:"1"`
	Village    string   `json:"village" minLength:"1"`
	Level      int      `json:"level,omitempty"`
	Exp        int      `json:"exp,omitempty"`
	Cash       int      `json:"cash,omitempty"`
	AvatarURL  string   `json:"avatar_url,omitempty"`
	Owners     []string `json:"owners,omitempty"`
}

type LinkCharacterRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
}

type StartSessionRequest struct {
	Rank string `json:"rank" enum:"C,B,A,S"`
}

type ApplyChoiceRequest struct {
	ChoiceID int64 `json:"choice_id"`
}

type ImportRequest struct {
	Format  string `json:"format,omitempty" enum:"json,yaml,hcl"`
	Content string `json:"content" minLength:"1"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id" minLength:"1"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Admin   bool     `json:"admin"`
	Source  string   `json:"source"`
	KeyID   string   `json:"key_id,omitempty"`
}

type TimeLeftResponse struct {
	EndTime         string `json:"end_time" format:"date-time"`
	TimeLeftSeconds int64  `json:"time_left_seconds"`
	TimeOver        bool   `json:"time_over"`
}

type StepChoice struct {
	ChoiceID int64  `json:"choice_id"`
	Sentence string `json:"sentence"`
}

type StepResponse struct {
	StepID      int64        `json:"step_id"`
	Description string       `json:"description"`
	Choices     []StepChoice `json:"choices"`
}

type CreateAPIKeyResponse struct {
	Key    domain.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedStatRecords struct {
	Items      []domain.StatAdminRecord `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		out.Payload = json.RawMessage(evt.Payload)
	}
	return out
}

func stepResponse(v engine.StepView) StepResponse {
	out := StepResponse{StepID: v.Step.ID, Description: v.Step.Description, Choices: []StepChoice{}}
	for _, c := range v.Choices {
		out.Choices = append(out.Choices, StepChoice{ChoiceID: c.ID, Sentence: c.Sentence})
	}
	return out
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
