// Package api exposes the memory service over HTTP: request/response
// models, the chi router and the middleware stack.
package api

import (
	"github.com/evermem/memsrv/pkg/memory"
)

// GenerateRequest is the body of POST /memories/generate.
type GenerateRequest struct {
	Messages []memory.Message `json:"messages"`
	Metadata memory.Metadata  `json:"metadata"`
}

// CreateRequest is the body of POST /memories/create.
type CreateRequest struct {
	Documents []string        `json:"documents"`
	Metadata  memory.Metadata `json:"metadata"`
}

// ActionResponse confirms a batch of write actions.
type ActionResponse struct {
	Message string                      `json:"message"`
	Info    []memory.ActionConfirmation `json:"info"`
}

// MemoriesResponse is the envelope for any endpoint returning memories.
type MemoriesResponse struct {
	Memories []memory.Response `json:"memories"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the machine-readable code and human-readable message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
