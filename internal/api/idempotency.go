package api

import (
	"errors"
	"sync"

	"github.com/punchamoorthee/goalescrow/internal/models"
)

var (
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
)

const (
	defaultIdempotencyLimit = 10_000

	statusInProgress = "in_progress"
	statusCompleted  = "completed"
)

// idempotencyCache remembers the response of the most recent successful
// requests per key. Oldest completed keys are evicted first once limit is
// reached.
type idempotencyCache struct {
	mu      sync.Mutex
	limit   int
	records map[string]*models.IdempotencyRecord
	order   []string
}

func newIdempotencyCache(limit int) *idempotencyCache {
	return &idempotencyCache{limit: limit, records: make(map[string]*models.IdempotencyRecord)}
}

// begin reserves key for a request with the given body hash. It returns the
// stored record when the request already completed.
func (c *idempotencyCache) begin(key, hash string) (*models.IdempotencyRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.records[key]; ok {
		if rec.RequestHash != hash {
			return nil, ErrIdempotencyMismatch
		}
		if rec.Status == statusInProgress {
			return nil, ErrIdempotencyConflict
		}
		out := *rec
		return &out, nil
	}
	c.records[key] = &models.IdempotencyRecord{Key: key, RequestHash: hash, Status: statusInProgress}
	return nil, nil
}

func (c *idempotencyCache) complete(key string, status int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key]
	if !ok {
		return
	}
	rec.Status = statusCompleted
	rec.ResponseStatus = status
	rec.ResponseBody = body
	c.order = append(c.order, key)

	for len(c.order) > c.limit {
		delete(c.records, c.order[0])
		c.order = c.order[1:]
	}
}

// release drops a reservation whose request failed so it can be retried.
func (c *idempotencyCache) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[key]; ok && rec.Status == statusInProgress {
		delete(c.records, key)
	}
}
