package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is an owned, ordered collection of messages. Title is nil until
// the user names it or the title worker generates one from the first exchange.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     *string   `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateConversationRequest struct {
	Title *string `json:"title,omitempty"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}
