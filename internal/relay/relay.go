// Package relay forwards assistant output to the caller token by token while
// accumulating the full reply for durable storage. A reply is persisted all at
// once after the upstream stream completes, or not at all.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"chatrelay-backend/internal/models"
)

var (
	ErrNotFound         = errors.New("conversation not found")
	ErrInvalidInput     = errors.New("message content is empty")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrUpstreamFailure  = errors.New("upstream generator failed")
)

// Store is the persistence contract the relay needs. Implementations map
// their own failures onto ErrNotFound / ErrStoreUnavailable.
type Store interface {
	FindOwnedConversation(ctx context.Context, conversationID, userID uuid.UUID) (*models.Conversation, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error)
}

// Stream is a single-pass, finite sequence of text fragments.
// Recv returns io.EOF after the last fragment.
type Stream interface {
	Recv() (string, error)
}

// Generator produces a completion for a prompt as a lazy fragment stream.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Stream, error)
}

type Relay struct {
	store     Store
	generator Generator
	buffer    int

	mu    sync.Mutex
	locks map[uuid.UUID]*convLock
}

// convLock serializes sends within one conversation. Refcounted so the lock
// table shrinks back once a conversation goes idle.
type convLock struct {
	mu   sync.Mutex
	refs int
}

func New(store Store, generator Generator, bufferSize int) *Relay {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Relay{
		store:     store,
		generator: generator,
		buffer:    bufferSize,
		locks:     make(map[uuid.UUID]*convLock),
	}
}

// Session is the live side of one Send call. Fragments delivers upstream
// fragments in arrival order; Wait blocks until the terminal state and returns
// the persisted assistant message or the failure.
type Session struct {
	Conversation *models.Conversation
	UserMessage  *models.Message

	fragments chan string
	done      chan struct{}
	assistant *models.Message
	err       error
}

func (s *Session) Fragments() <-chan string { return s.fragments }

func (s *Session) Wait() (*models.Message, error) {
	<-s.done
	return s.assistant, s.err
}

func (s *Session) complete(msg *models.Message) {
	s.assistant = msg
	close(s.fragments)
	close(s.done)
}

func (s *Session) fail(err error) {
	s.err = err
	close(s.fragments)
	close(s.done)
}

// Send accepts one user message for the given conversation and starts the
// assistant reply stream. The user message is persisted before Send returns;
// everything after that is reported through the Session. Sends racing on the
// same conversation are serialized so persisted turns never interleave.
func (r *Relay) Send(ctx context.Context, conversationID, userID uuid.UUID, text string) (*Session, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrInvalidInput
	}

	unlock := r.lockConversation(conversationID)

	conv, err := r.store.FindOwnedConversation(ctx, conversationID, userID)
	if err != nil {
		unlock()
		return nil, err
	}

	userMsg := &models.Message{
		ConversationID: conversationID,
		UserID:         &userID,
		Role:           models.RoleUser,
		Content:        text,
	}
	if err := r.store.AppendMessage(ctx, userMsg); err != nil {
		unlock()
		return nil, err
	}

	sess := &Session{
		Conversation: conv,
		UserMessage:  userMsg,
		fragments:    make(chan string, r.buffer),
		done:         make(chan struct{}),
	}

	go r.run(ctx, sess, conversationID, unlock)

	return sess, nil
}

func (r *Relay) run(ctx context.Context, sess *Session, conversationID uuid.UUID, unlock func()) {
	defer unlock()

	// The just-persisted user message is the last entry of the history.
	history, err := r.store.ListMessages(ctx, conversationID)
	if err != nil {
		sess.fail(err)
		return
	}

	stream, err := r.generator.Generate(ctx, buildPrompt(history))
	if err != nil {
		sess.fail(fmt.Errorf("%w: %v", ErrUpstreamFailure, err))
		return
	}

	var buf strings.Builder
	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			sess.fail(fmt.Errorf("%w: %v", ErrUpstreamFailure, err))
			return
		}

		buf.WriteString(frag)

		// Bounded forward: a caller that stopped reading cancels its context,
		// which aborts the upstream drain and discards the partial buffer.
		// No assistant message is persisted for an abandoned stream.
		select {
		case sess.fragments <- frag:
		case <-ctx.Done():
			sess.fail(ctx.Err())
			return
		}
	}

	if buf.Len() == 0 {
		sess.fail(fmt.Errorf("%w: empty completion", ErrUpstreamFailure))
		return
	}

	assistantMsg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        buf.String(),
	}
	if err := r.store.AppendMessage(ctx, assistantMsg); err != nil {
		sess.fail(err)
		return
	}

	sess.complete(assistantMsg)
}

// buildPrompt renders the conversation as role-prefixed turns so the
// generator sees prior context, not just the newest message.
func buildPrompt(history []*models.Message) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (r *Relay) lockConversation(id uuid.UUID) func() {
	r.mu.Lock()
	l := r.locks[id]
	if l == nil {
		l = &convLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}
