package domain

import "encoding/json"

// Envelope is the REST backend's response wrapper.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *EnvelopeError  `json:"error,omitempty"`
}

type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope error codes shared by the table-api and its clients.
const (
	CodeNotFound  = "NOT_FOUND"
	CodeForbidden = "FORBIDDEN"
	CodeInternal  = "INTERNAL"
	CodeBadInput  = "BAD_REQUEST"
)

// Toast is the notification payload handed to whatever renders toasts.
type Toast struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Action      ToastAction `json:"action"`
}

type ToastAction struct {
	Label   string `json:"label"`
	Href    string `json:"href,omitempty"`
	OnClick func() `json:"-"`
}
