// Package worker drains background jobs from redis queues. The only job type
// today is title generation for untitled conversations after their first
// exchange.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/repository"
	"chatrelay-backend/internal/services"
)

const titleQueue = "queue:title-generation"

type Pool struct {
	redis            *redis.Client
	gemini           *services.GeminiService
	conversationRepo *repository.ConversationRepo
	workerCount      int
	stopChan         chan struct{}
}

func NewPool(
	redisClient *redis.Client,
	gemini *services.GeminiService,
	conversationRepo *repository.ConversationRepo,
	workerCount int,
) *Pool {
	return &Pool{
		redis:            redisClient,
		gemini:           gemini,
		conversationRepo: conversationRepo,
		workerCount:      workerCount,
		stopChan:         make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(i)
	}

	log.Printf("Started %d worker goroutines", p.workerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.stopChan:
			log.Printf("Worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		// BLPOP with 30s timeout so the stop signal gets checked regularly
		result, err := p.redis.BLPop(ctx, 30*time.Second, titleQueue).Result()
		if err != nil {
			continue // Timeout or error, retry
		}

		if len(result) < 2 {
			continue
		}

		var job models.TitleJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Printf("Worker %d: failed to parse title job: %v", id, err)
			continue
		}

		// One title per conversation; the lock keeps a re-queued duplicate
		// from racing a worker that already holds the job.
		lockKey := fmt.Sprintf("title_lock:%s", job.ConversationID.String())
		locked, err := p.redis.SetNX(ctx, lockKey, "1", 5*time.Minute).Result()
		if err != nil || !locked {
			continue
		}

		log.Printf("Worker %d: generating title for conversation %s", id, job.ConversationID)

		if err := p.processTitle(ctx, &job); err != nil {
			log.Printf("Worker %d: title generation for conversation %s failed: %v", id, job.ConversationID, err)
		}

		p.redis.Del(ctx, lockKey)
	}
}

func (p *Pool) processTitle(ctx context.Context, job *models.TitleJob) error {
	title, err := p.gemini.GenerateTitle(ctx, job.Basis)
	if err != nil {
		return fmt.Errorf("failed to generate title: %w", err)
	}

	// The user may have renamed the conversation while the job sat in the
	// queue; a manual title always wins.
	set, err := p.conversationRepo.SetTitleIfEmpty(ctx, job.ConversationID, title)
	if err != nil {
		return fmt.Errorf("failed to save title: %w", err)
	}
	if !set {
		return nil
	}

	p.gemini.PublishUpdate(ctx, job.UserID, models.WSMessage{
		Type: "conversation_updated",
		Payload: models.ConversationUpdatedEvent{
			ConversationID: job.ConversationID,
			Title:          title,
		},
	})

	return nil
}
