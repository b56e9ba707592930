package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatrelay-backend/internal/middleware"
	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/relay"
)

const titleQueue = "queue:title-generation"

type MessageHandler struct {
	relay         *relay.Relay
	store         relay.Store
	queue         *redis.Client
	streamTimeout time.Duration
}

func NewMessageHandler(rly *relay.Relay, store relay.Store, queue *redis.Client, streamTimeout time.Duration) *MessageHandler {
	return &MessageHandler{
		relay:         rly,
		store:         store,
		queue:         queue,
		streamTimeout: streamTimeout,
	}
}

func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid conversation ID", r))
		return
	}

	if _, err := h.store.FindOwnedConversation(r.Context(), convID, userID); err != nil {
		writeRelayError(w, r, err)
		return
	}

	messages, err := h.store.ListMessages(r.Context(), convID)
	if err != nil {
		writeRelayError(w, r, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}

	writeJSON(w, http.StatusOK, messages)
}

// Post runs the full exchange and answers with both persisted messages once
// generation finishes. Clients that want incremental output use Stream.
func (h *MessageHandler) Post(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid conversation ID", r))
		return
	}

	var req models.PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	ctx, cancel := h.exchangeContext(r.Context())
	defer cancel()

	sess, err := h.relay.Send(ctx, convID, userID, req.Content)
	if err != nil {
		writeRelayError(w, r, err)
		return
	}

	for range sess.Fragments() {
		// drain; the accumulated reply arrives via Wait
	}

	assistant, err := sess.Wait()
	if err != nil {
		writeRelayError(w, r, err)
		return
	}

	h.afterExchange(r.Context(), userID, sess, assistant)

	writeJSON(w, http.StatusCreated, models.PostMessageResponse{
		UserMessage:      sess.UserMessage,
		AssistantMessage: assistant,
	})
}

// Stream relays the assistant reply to the client fragment by fragment as a
// plain-text chunked response. The persisted user message ID travels as a
// response header; a failure before the first byte is a normal JSON error,
// a failure after it aborts the connection so the client treats the partial
// body as failed.
func (h *MessageHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid conversation ID", r))
		return
	}

	var req models.PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	ctx, cancel := h.exchangeContext(r.Context())
	defer cancel()

	sess, err := h.relay.Send(ctx, convID, userID, req.Content)
	if err != nil {
		writeRelayError(w, r, err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	wrote := false
	for frag := range sess.Fragments() {
		if !wrote {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-User-Message-Id", sess.UserMessage.ID.String())
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		if _, err := io.WriteString(w, frag); err != nil {
			// Client went away; the request context cancellation stops the relay.
			break
		}
		if canFlush {
			flusher.Flush()
		}
	}

	assistant, err := sess.Wait()
	if err != nil {
		if !wrote {
			writeRelayError(w, r, err)
			return
		}
		log.Printf("Stream for conversation %s failed after partial delivery: %v", convID, err)
		panic(http.ErrAbortHandler)
	}

	h.afterExchange(r.Context(), userID, sess, assistant)
}

// afterExchange pushes live updates to the user's other connections and, for
// an untitled conversation, queues title generation off the first message.
func (h *MessageHandler) afterExchange(ctx context.Context, userID uuid.UUID, sess *relay.Session, assistant *models.Message) {
	if h.queue == nil {
		return
	}

	for _, msg := range []*models.Message{sess.UserMessage, assistant} {
		event, _ := json.Marshal(models.WSMessage{
			Type: "message_created",
			Payload: models.MessageCreatedEvent{
				ConversationID: sess.Conversation.ID,
				Message:        msg,
			},
		})
		h.queue.Publish(ctx, "user_updates:"+userID.String(), string(event))
	}

	if sess.Conversation.Title == nil {
		job, _ := json.Marshal(models.TitleJob{
			ConversationID: sess.Conversation.ID,
			UserID:         userID,
			Basis:          sess.UserMessage.Content,
		})
		if err := h.queue.LPush(ctx, titleQueue, string(job)).Err(); err != nil {
			log.Printf("Failed to queue title generation for conversation %s: %v", sess.Conversation.ID, err)
		}
	}
}

func (h *MessageHandler) exchangeContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.streamTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, h.streamTimeout)
}

func writeRelayError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, relay.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Message content is required", r))
	case errors.Is(err, relay.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Conversation not found", r))
	case errors.Is(err, relay.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResp("STORE_UNAVAILABLE", "Storage is temporarily unavailable", r))
	case errors.Is(err, relay.ErrUpstreamFailure):
		writeJSON(w, http.StatusBadGateway, errorResp("UPSTREAM_ERROR", "The assistant is temporarily unavailable", r))
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResp("UPSTREAM_TIMEOUT", "The assistant took too long to respond", r))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
	}
}
