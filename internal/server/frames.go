package server

import (
	"errors"

	json "github.com/goccy/go-json"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/schema"
)

// Client-to-server frame types. A frame with a route opens a call; request
// and cancel frames steer an open call by id.
const (
	clientTypeRequest = "request"
	clientTypeCancel  = "cancel"
)

// Server-to-client frame types.
const (
	serverTypeEvent    = "event"
	serverTypeResponse = "response"
	serverTypeWarning  = "warning"
	serverTypeError    = "error"
	serverTypeComplete = "complete"
)

// ClientFrame is one inbound websocket text message. Route frames open a
// call; typed frames ("request", "cancel") steer it.
type ClientFrame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type,omitempty"`
	Route   string          `json:"route,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	N       int64           `json:"n,omitempty"`
}

// ServerFrame is one outbound websocket text message.
type ServerFrame struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Event  *schema.Event   `json:"event,omitempty"`
	Events []*schema.Event `json:"events,omitempty"`
	Status string          `json:"status,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the client-facing projection of an errs.E envelope. The
// internal component path stays server-side.
type WireError struct {
	Kind    string            `json:"kind"`
	Code    string            `json:"code"`
	Message string            `json:"message,omitempty"`
	Field   string            `json:"field,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Page    int               `json:"page,omitempty"`
	Dropped uint64            `json:"dropped,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// wireError projects any error onto the wire shape. Unstructured errors
// surface as UNKNOWN/internal without leaking detail.
func wireError(err error) *WireError {
	var envelope *errs.E
	if !errors.As(err, &envelope) || envelope == nil {
		return &WireError{
			Kind:    string(errs.KindUnknown),
			Code:    string(errs.CodeInternal),
			Message: "internal error",
		}
	}
	return &WireError{
		Kind:    string(envelope.Kind),
		Code:    string(envelope.Code),
		Message: envelope.Message,
		Field:   envelope.Field,
		Reason:  envelope.Reason,
		Page:    envelope.Page,
		Dropped: envelope.Dropped,
		Meta:    envelope.Meta,
	}
}
