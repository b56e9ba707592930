package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chatrelay-backend/internal/middleware"
	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/relay"
)

// ─── Relay fakes ───

type stubStore struct {
	mu       sync.Mutex
	owners   map[uuid.UUID]uuid.UUID
	messages []*models.Message
}

func newStubStore() *stubStore {
	return &stubStore{owners: make(map[uuid.UUID]uuid.UUID)}
}

func (s *stubStore) FindOwnedConversation(ctx context.Context, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	owner, ok := s.owners[conversationID]
	if !ok || owner != userID {
		return nil, relay.ErrNotFound
	}
	return &models.Conversation{ID: conversationID, UserID: owner}, nil
}

func (s *stubStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = uuid.New()
	msg.CreatedAt = time.Now()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *stubStore) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *stubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type stubGenerator struct {
	fragments []string
	finalErr  error
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string) (relay.Stream, error) {
	if g.finalErr != nil && len(g.fragments) == 0 {
		return nil, g.finalErr
	}
	return &stubGenStream{fragments: g.fragments, finalErr: g.finalErr}, nil
}

type stubGenStream struct {
	fragments []string
	finalErr  error
}

func (st *stubGenStream) Recv() (string, error) {
	if len(st.fragments) == 0 {
		if st.finalErr != nil {
			return "", st.finalErr
		}
		return "", io.EOF
	}
	frag := st.fragments[0]
	st.fragments = st.fragments[1:]
	return frag, nil
}

func newMessageRequest(t *testing.T, method, target string, convID, userID uuid.UUID, body interface{}) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", convID.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
	return req
}

// ─── Stream handler ───

func TestMessageHandler_Stream_ForwardsFragmentsWithHeader(t *testing.T) {
	convID, userID := uuid.New(), uuid.New()
	store := newStubStore()
	store.owners[convID] = userID
	gen := &stubGenerator{fragments: []string{"Hi", " there", "!"}}

	h := NewMessageHandler(relay.New(store, gen, 4), store, nil, 0)

	req := newMessageRequest(t, http.MethodPost, "/api/v1/conversations/"+convID.String()+"/messages/stream",
		convID, userID, models.PostMessageRequest{Content: "hello"})
	rr := httptest.NewRecorder()
	h.Stream(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "Hi there!" {
		t.Errorf("expected body %q, got %q", "Hi there!", got)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("expected plain text content type, got %q", ct)
	}
	if rr.Header().Get("X-User-Message-Id") == "" {
		t.Error("expected X-User-Message-Id header")
	}
	if store.count() != 2 {
		t.Errorf("expected 2 persisted messages, got %d", store.count())
	}
}

func TestMessageHandler_Stream_EmptyContent(t *testing.T) {
	convID, userID := uuid.New(), uuid.New()
	store := newStubStore()
	store.owners[convID] = userID
	h := NewMessageHandler(relay.New(store, &stubGenerator{fragments: []string{"x"}}, 4), store, nil, 0)

	req := newMessageRequest(t, http.MethodPost, "/stream", convID, userID, models.PostMessageRequest{Content: "   "})
	rr := httptest.NewRecorder()
	h.Stream(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	var resp models.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("expected JSON error body: %v", err)
	}
	if resp.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %q", resp.Error.Code)
	}
	if store.count() != 0 {
		t.Errorf("rejected input must not persist messages, got %d", store.count())
	}
}

func TestMessageHandler_Stream_ConversationNotOwned(t *testing.T) {
	convID, ownerID, intruderID := uuid.New(), uuid.New(), uuid.New()
	store := newStubStore()
	store.owners[convID] = ownerID
	h := NewMessageHandler(relay.New(store, &stubGenerator{fragments: []string{"x"}}, 4), store, nil, 0)

	req := newMessageRequest(t, http.MethodPost, "/stream", convID, intruderID, models.PostMessageRequest{Content: "hi"})
	rr := httptest.NewRecorder()
	h.Stream(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if store.count() != 0 {
		t.Errorf("non-owner must not persist messages, got %d", store.count())
	}
}

func TestMessageHandler_Stream_UpstreamFailureBeforeFirstByte(t *testing.T) {
	convID, userID := uuid.New(), uuid.New()
	store := newStubStore()
	store.owners[convID] = userID
	h := NewMessageHandler(relay.New(store, &stubGenerator{finalErr: errors.New("down")}, 4), store, nil, 0)

	req := newMessageRequest(t, http.MethodPost, "/stream", convID, userID, models.PostMessageRequest{Content: "hi"})
	rr := httptest.NewRecorder()
	h.Stream(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d: %s", rr.Code, rr.Body.String())
	}
	// The user message survives a failed generation.
	if store.count() != 1 {
		t.Errorf("expected only the user message persisted, got %d", store.count())
	}
}

func TestMessageHandler_Stream_AbortsAfterPartialDelivery(t *testing.T) {
	convID, userID := uuid.New(), uuid.New()
	store := newStubStore()
	store.owners[convID] = userID
	gen := &stubGenerator{fragments: []string{"Hi"}, finalErr: errors.New("reset")}
	h := NewMessageHandler(relay.New(store, gen, 4), store, nil, 0)

	req := newMessageRequest(t, http.MethodPost, "/stream", convID, userID, models.PostMessageRequest{Content: "hi"})
	rr := httptest.NewRecorder()

	defer func() {
		rvr := recover()
		if rvr != http.ErrAbortHandler {
			t.Fatalf("expected http.ErrAbortHandler panic, got %v", rvr)
		}
		if got := rr.Body.String(); got != "Hi" {
			t.Errorf("expected partial body %q, got %q", "Hi", got)
		}
		if store.count() != 1 {
			t.Errorf("expected only the user message persisted, got %d", store.count())
		}
	}()
	h.Stream(rr, req)
}

// ─── Post handler ───

func TestMessageHandler_Post_ReturnsBothMessages(t *testing.T) {
	convID, userID := uuid.New(), uuid.New()
	store := newStubStore()
	store.owners[convID] = userID
	gen := &stubGenerator{fragments: []string{"Sure", ", done."}}
	h := NewMessageHandler(relay.New(store, gen, 4), store, nil, 0)

	req := newMessageRequest(t, http.MethodPost, "/messages", convID, userID, models.PostMessageRequest{Content: "do it"})
	rr := httptest.NewRecorder()
	h.Post(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp models.PostMessageResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.UserMessage == nil || resp.UserMessage.Content != "do it" {
		t.Errorf("unexpected user message: %+v", resp.UserMessage)
	}
	if resp.AssistantMessage == nil || resp.AssistantMessage.Content != "Sure, done." {
		t.Errorf("unexpected assistant message: %+v", resp.AssistantMessage)
	}
}

// ─── List handler ───

func TestMessageHandler_List_RequiresOwnership(t *testing.T) {
	convID, ownerID, intruderID := uuid.New(), uuid.New(), uuid.New()
	store := newStubStore()
	store.owners[convID] = ownerID
	h := NewMessageHandler(relay.New(store, &stubGenerator{}, 4), store, nil, 0)

	req := newMessageRequest(t, http.MethodGet, "/messages", convID, intruderID, nil)
	rr := httptest.NewRecorder()
	h.List(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestMessageHandler_List_ReturnsMessagesInOrder(t *testing.T) {
	convID, userID := uuid.New(), uuid.New()
	store := newStubStore()
	store.owners[convID] = userID
	store.AppendMessage(context.Background(), &models.Message{ConversationID: convID, Role: models.RoleUser, Content: "q"})
	store.AppendMessage(context.Background(), &models.Message{ConversationID: convID, Role: models.RoleAssistant, Content: "a"})
	h := NewMessageHandler(relay.New(store, &stubGenerator{}, 4), store, nil, 0)

	req := newMessageRequest(t, http.MethodGet, "/messages", convID, userID, nil)
	rr := httptest.NewRecorder()
	h.List(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var msgs []*models.Message
	if err := json.NewDecoder(rr.Body).Decode(&msgs); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected message list: %+v", msgs)
	}
}
