package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatrelay-backend/internal/models"
)

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

func (r *ConversationRepo) Create(ctx context.Context, c *models.Conversation) error {
	c.ID = uuid.New()
	query := `INSERT INTO conversations (id, user_id, title)
		VALUES ($1, $2, $3) RETURNING created_at`

	return r.pool.QueryRow(ctx, query, c.ID, c.UserID, c.Title).Scan(&c.CreatedAt)
}

// GetOwned returns the conversation only when it belongs to userID;
// otherwise pgx.ErrNoRows, indistinguishable from a missing conversation.
func (r *ConversationRepo) GetOwned(ctx context.Context, id, userID uuid.UUID) (*models.Conversation, error) {
	c := &models.Conversation{}
	query := `SELECT id, user_id, title, created_at
		FROM conversations WHERE id = $1 AND user_id = $2`

	err := r.pool.QueryRow(ctx, query, id, userID).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ConversationRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	query := `SELECT id, user_id, title, created_at
		FROM conversations WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		c := &models.Conversation{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

func (r *ConversationRepo) UpdateTitle(ctx context.Context, id, userID uuid.UUID, title string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		"UPDATE conversations SET title = $1 WHERE id = $2 AND user_id = $3",
		title, id, userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetTitleIfEmpty is used by the title worker so a user rename is never
// overwritten by a late generated title.
func (r *ConversationRepo) SetTitleIfEmpty(ctx context.Context, id uuid.UUID, title string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		"UPDATE conversations SET title = $1 WHERE id = $2 AND title IS NULL",
		title, id,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ConversationRepo) Delete(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		"DELETE FROM conversations WHERE id = $1 AND user_id = $2", id, userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
