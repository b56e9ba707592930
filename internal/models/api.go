package models

import "github.com/google/uuid"

// API error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type MessageCreatedEvent struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Message        *Message  `json:"message"`
}

type ConversationUpdatedEvent struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Title          string    `json:"title"`
}

// TitleJob is queued after the first exchange in an untitled conversation.
type TitleJob struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Basis          string    `json:"basis"`
}
