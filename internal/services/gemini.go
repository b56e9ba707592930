package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/relay"
)

const (
	chatModelName  = "gemini-3-flash-preview"
	titleModelName = "gemini-3-flash-preview"

	chatSystemInstruction = "You are a helpful chat assistant. Answer the user's message directly and concisely. " +
		"If you don't know something, say so instead of making it up."

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."
)

type GeminiService struct {
	client     *genai.Client
	chatModel  *genai.GenerativeModel
	titleModel *genai.GenerativeModel
	redis      *redis.Client
	rateChan   chan struct{} // Token bucket
}

func NewGeminiService(apiKey string, concurrentReqs int, redisClient *redis.Client) (*GeminiService, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	chatModel := client.GenerativeModel(chatModelName)
	chatModel.SetTemperature(0.7)
	chatModel.SetTopP(0.95)
	chatModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}

	titleModel := client.GenerativeModel(titleModelName)
	titleModel.SetTemperature(0.3)
	titleModel.SetMaxOutputTokens(20)
	titleModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}

	// Token bucket for concurrent request limiting
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiService{
		client:     client,
		chatModel:  chatModel,
		titleModel: titleModel,
		redis:      redisClient,
		rateChan:   rateChan,
	}, nil
}

func (s *GeminiService) Close() {
	s.client.Close()
}

// acquireRate blocks until a rate slot is available
func (s *GeminiService) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (s *GeminiService) releaseRate() {
	s.rateChan <- struct{}{}
}

// Generate opens a streaming completion. The rate slot is held until the
// stream ends or the caller's context is cancelled.
func (s *GeminiService) Generate(ctx context.Context, prompt string) (relay.Stream, error) {
	if err := s.acquireRate(ctx); err != nil {
		return nil, err
	}

	st := &geminiStream{
		iter:    s.chatModel.GenerateContentStream(ctx, genai.Text(prompt)),
		release: func() { s.releaseRate() },
	}

	// An abandoned stream is never read to completion; return the slot when
	// the request context goes away.
	go func() {
		<-ctx.Done()
		st.close()
	}()

	return st, nil
}

type geminiStream struct {
	iter    *genai.GenerateContentResponseIterator
	release func()
	once    sync.Once
}

func (st *geminiStream) Recv() (string, error) {
	resp, err := st.iter.Next()
	if err != nil {
		st.close()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		return "", err
	}
	return extractText(resp), nil
}

func (st *geminiStream) close() {
	st.once.Do(st.release)
}

// GenerateTitle produces a short display title from the opening exchange.
func (s *GeminiService) GenerateTitle(ctx context.Context, basis string) (string, error) {
	if err := s.acquireRate(ctx); err != nil {
		return "", err
	}
	defer s.releaseRate()

	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with: %q.", basis)

	resp, err := s.titleModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini title generation failed: %w", err)
	}

	title := trimTitle(extractText(resp))
	if title == "" {
		return "", errors.New("gemini generated an empty title")
	}
	return title, nil
}

// PublishUpdate sends a WebSocket update via Redis pub/sub
func (s *GeminiService) PublishUpdate(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	data, _ := json.Marshal(msg)
	s.redis.Publish(ctx, fmt.Sprintf("user_updates:%s", userID.String()), string(data))
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func trimTitle(title string) string {
	return strings.Trim(title, "\"'\n\r\t .")
}

var _ relay.Generator = (*GeminiService)(nil)
