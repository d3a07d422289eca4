package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/evermem/memsrv/pkg/memerr"
	"github.com/evermem/memsrv/pkg/memory"
	"github.com/evermem/memsrv/pkg/pipeline"
)

const (
	defaultLimit = 50
	maxLimit     = 50
)

// Handlers binds the memory service to HTTP.
type Handlers struct {
	service *pipeline.Service
	logger  *log.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(service *pipeline.Service, logger *log.Logger) (*Handlers, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Handlers{service: service, logger: logger}, nil
}

// Generate handles POST /memories/generate.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, memerr.InvalidRequest("request body is not valid JSON: "+err.Error()))
		return
	}
	if err := req.Metadata.Validate(); err != nil {
		h.writeError(w, err)
		return
	}

	confirmations, err := h.service.GenerateFromConversation(r.Context(), req.Messages, req.Metadata, true)
	if err != nil {
		h.writeError(w, err)
		return
	}

	message := fmt.Sprintf("Successfully added %d memories to database.", len(confirmations))
	if len(confirmations) == 0 {
		message = "No memories generated from the conversation."
	}
	h.writeJSON(w, http.StatusOK, ActionResponse{Message: message, Info: confirmations})
}

// Create handles POST /memories/create.
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, memerr.InvalidRequest("request body is not valid JSON: "+err.Error()))
		return
	}
	if len(req.Documents) == 0 {
		h.writeError(w, memerr.InvalidRequest("documents must contain at least one entry"))
		return
	}
	for _, doc := range req.Documents {
		if doc == "" {
			h.writeError(w, memerr.InvalidRequest("documents must not contain empty strings"))
			return
		}
	}
	if err := req.Metadata.Validate(); err != nil {
		h.writeError(w, err)
		return
	}

	confirmations, err := h.service.CreateRaw(r.Context(), req.Documents, req.Metadata, true)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ActionResponse{
		Message: fmt.Sprintf("Successfully processed %d memories.", len(confirmations)),
		Info:    confirmations,
	})
}

// List handles GET /memories.
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	filters := queryFilters(r)
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	memories, err := h.service.SearchByMetadata(r.Context(), filters, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, MemoriesResponse{Memories: memories})
}

// Similar handles GET /memories/similar.
func (h *Handlers) Similar(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		h.writeError(w, memerr.InvalidRequest("query parameter is required"))
		return
	}
	filters := queryFilters(r)
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	memories, err := h.service.SearchSimilar(r.Context(), []string{query}, filters, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, MemoriesResponse{Memories: memories})
}

// GetByIDs handles POST /memories/get_by_ids.
func (h *Handlers) GetByIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := decodeIDList(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	memories, err := h.service.GetByIDs(r.Context(), ids)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, MemoriesResponse{Memories: memories})
}

// Update handles PUT /memories/update.
func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	var items []memory.UpdateItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		h.writeError(w, memerr.InvalidRequest("request body is not valid JSON: "+err.Error()))
		return
	}
	if len(items) == 0 {
		h.writeError(w, memerr.InvalidRequest("update requires at least one item"))
		return
	}
	for _, item := range items {
		if item.ID == "" || item.Document == "" {
			h.writeError(w, memerr.InvalidRequest("every update item needs an id and a document"))
			return
		}
	}

	confirmations, partialFailure, err := h.service.UpdateRaw(r.Context(), items)
	if err != nil {
		h.writeError(w, err)
		return
	}
	message := "Successfully updated memories."
	if partialFailure {
		message = "Update completed partially, some memories were not found."
	}
	h.writeJSON(w, http.StatusOK, ActionResponse{Message: message, Info: confirmations})
}

// Delete handles DELETE /memories/delete_by_id.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	ids, err := decodeIDList(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	confirmations, partialFailure, err := h.service.DeleteByIDs(r.Context(), ids)
	if err != nil {
		h.writeError(w, err)
		return
	}
	message := "Successfully deleted memories."
	if partialFailure {
		message = "Delete completed partially, some memories were not found."
	}
	h.writeJSON(w, http.StatusOK, ActionResponse{Message: message, Info: confirmations})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeIDList(r *http.Request) ([]string, error) {
	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		return nil, memerr.InvalidRequest("request body is not valid JSON: " + err.Error())
	}
	if len(ids) == 0 {
		return nil, memerr.InvalidRequest("at least one id is required")
	}
	for _, id := range ids {
		if id == "" {
			return nil, memerr.InvalidRequest("ids must not be empty strings")
		}
	}
	return ids, nil
}

func queryFilters(r *http.Request) map[string]string {
	filters := map[string]string{}
	for _, field := range []string{"user_id", "session_id", "app_id", "agent_name"} {
		if value := r.URL.Query().Get(field); value != "" {
			filters[field] = value
		}
	}
	return filters
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxLimit {
		return 0, memerr.InvalidRequest(fmt.Sprintf("limit must be an integer between 1 and %d", maxLimit))
	}
	return limit, nil
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError is the single chokepoint mapping typed errors to status codes
// and the error envelope.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status, code := memerr.HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		message = "internal server error"
	} else {
		h.logger.Warn("request rejected", "status", status, "error", err)
	}
	h.writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}
