// Package memory defines the domain model shared by the pipeline, the
// storage adapters and the HTTP layer: stored memories, their metadata,
// conversation messages and the confirmations returned from write paths.
package memory

import (
	"encoding/json"
	"time"

	"github.com/evermem/memsrv/pkg/memerr"
)

// Metadata identifies the owner of a memory. The four required fields are
// the only filterable ones; EventTimestamp defaults to the server clock at
// ingestion. Metadata is immutable after creation.
type Metadata struct {
	UserID         string     `json:"user_id"`
	AppID          string     `json:"app_id"`
	SessionID      string     `json:"session_id"`
	AgentName      string     `json:"agent_name"`
	EventTimestamp *time.Time `json:"event_timestamp,omitempty"`
}

// Validate checks the four required fields.
func (m Metadata) Validate() error {
	if m.UserID == "" || m.AppID == "" || m.SessionID == "" || m.AgentName == "" {
		return memerr.InvalidRequest("metadata requires user_id, app_id, session_id and agent_name")
	}
	return nil
}

// FilterMap returns the filterable fields as an equality filter.
func (m Metadata) FilterMap() map[string]string {
	return map[string]string{
		"user_id":    m.UserID,
		"app_id":     m.AppID,
		"session_id": m.SessionID,
		"agent_name": m.AgentName,
	}
}

// FilterableFields is the closed set of metadata fields usable in filters.
var FilterableFields = map[string]bool{
	"user_id":    true,
	"app_id":     true,
	"session_id": true,
	"agent_name": true,
}

// Part is one piece of a conversation message. Only text parts are consumed
// by fact extraction; function call/response parts are carried through so
// agent clients can post their event log unmodified.
type Part struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     json.RawMessage `json:"function_call,omitempty"`
	FunctionResponse json.RawMessage `json:"function_response,omitempty"`
}

// Message is a single conversation turn with role "user" or "model".
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// ConfirmationStatus is the per-item outcome of a write operation.
type ConfirmationStatus string

const (
	StatusCreated  ConfirmationStatus = "CREATED"
	StatusUpdated  ConfirmationStatus = "UPDATED"
	StatusDeleted  ConfirmationStatus = "DELETED"
	StatusNotFound ConfirmationStatus = "NOT_FOUND"
)

// ActionConfirmation reports what happened to a single memory.
type ActionConfirmation struct {
	ID       string             `json:"id"`
	Document string             `json:"document,omitempty"`
	Status   ConfirmationStatus `json:"status"`
}

// Response is a single memory returned to the client.
type Response struct {
	ID         string   `json:"id"`
	Document   string   `json:"document"`
	Metadata   Metadata `json:"metadata"`
	CreatedAt  string   `json:"created_at,omitempty"`
	UpdatedAt  string   `json:"updated_at,omitempty"`
	Similarity *float64 `json:"similarity,omitempty"`
}

// UpdateItem is one entry of an update request.
type UpdateItem struct {
	ID       string `json:"id"`
	Document string `json:"document"`
}

// Action is a consolidation decision.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionNoop   Action = "NOOP"
)

// PlanItem is one entry of a consolidation plan. ID is a temporary index
// into the neighbor list for UPDATE/DELETE/NOOP, or a fresh value for
// CREATE; OldText is informational on UPDATE.
type PlanItem struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Action  Action `json:"action"`
	OldText string `json:"old_text,omitempty"`
}

// Plan is the ordered list of consolidation decisions.
type Plan struct {
	Items []PlanItem `json:"plan"`
}
