package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/relay"
)

// ChatStore adapts the conversation and message repositories to the relay's
// store contract, translating pgx failures into the relay error taxonomy.
type ChatStore struct {
	conversations *ConversationRepo
	messages      *MessageRepo
}

func NewChatStore(conversations *ConversationRepo, messages *MessageRepo) *ChatStore {
	return &ChatStore{conversations: conversations, messages: messages}
}

func (s *ChatStore) FindOwnedConversation(ctx context.Context, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.conversations.GetOwned(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relay.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", relay.ErrStoreUnavailable, err)
	}
	return conv, nil
}

func (s *ChatStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := s.messages.Create(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *ChatStore) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	msgs, err := s.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrStoreUnavailable, err)
	}
	return msgs, nil
}

var _ relay.Store = (*ChatStore)(nil)
