package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"converse-backend/internal/models"
	"converse-backend/internal/services"
)

// messageStore is the slice of the thread repository the pool needs.
type messageStore interface {
	AppendMessages(ctx context.Context, threadID uuid.UUID, msgs []*models.Message) error
}

// Pool drains the persistence retry queue. Completed exchanges that
// could not be written synchronously land here as PersistJobs; workers
// replay the append until it succeeds or retries run out.
type Pool struct {
	redis       *redis.Client
	threadRepo  messageStore
	workerCount int
	maxRetries  int
	stopChan    chan struct{}
}

func NewPool(redisClient *redis.Client, threadRepo messageStore, workerCount, maxRetries int) *Pool {
	return &Pool{
		redis:       redisClient,
		threadRepo:  threadRepo,
		workerCount: workerCount,
		maxRetries:  maxRetries,
		stopChan:    make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(i)
	}

	log.Printf("Started %d persistence worker goroutines", p.workerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.stopChan:
			log.Printf("Persistence worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		// BRPOP with 30s timeout; the exchange enqueues with LPUSH,
		// so jobs replay oldest first.
		result, err := p.redis.BRPop(ctx, 30*time.Second, services.PersistQueueKey).Result()
		if err != nil {
			continue // Timeout or error, retry
		}

		if len(result) < 2 {
			continue
		}

		var job models.PersistJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Printf("Persistence worker %d: failed to parse job: %v", id, err)
			continue
		}

		if err := p.threadRepo.AppendMessages(ctx, job.ThreadID, job.Messages); err != nil {
			p.handleFailure(&job, err)
			continue
		}

		log.Printf("Persistence worker %d: replayed %d message(s) for thread %s", id, len(job.Messages), job.ThreadID)
	}
}

func (p *Pool) handleFailure(job *models.PersistJob, err error) {
	job.RetryCount++

	if job.RetryCount >= p.maxRetries {
		log.Printf("Persist job for thread %s failed permanently after %d attempts: %v", job.ThreadID, job.RetryCount, err)
		return
	}

	log.Printf("Persist job for thread %s failed (attempt %d): %v — retrying", job.ThreadID, job.RetryCount, err)

	jobBytes, _ := json.Marshal(job)
	time.AfterFunc(retryBackoff(job.RetryCount), func() {
		p.redis.LPush(context.Background(), services.PersistQueueKey, string(jobBytes))
	})
}

func retryBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}
