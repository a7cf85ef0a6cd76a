package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testQueue struct {
	*Queue
	mr     *miniredis.Miniredis
	client *redis.Client
	clock  *testClock
}

func newTestQueue(t *testing.T, opts ...func(*Config)) *testQueue {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.PollTimeout = time.Second
	cfg.PromoteInterval = 20 * time.Millisecond
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := newTestClock()
	q := NewQueue(client, cfg)
	q.now = clock.Now
	return &testQueue{Queue: q, mr: mr, client: client, clock: clock}
}

func keepCompleted(cfg *Config) {
	cfg.Options.RemoveOnComplete = false
}

// scriptedHandler records payloads and answers with the next scripted result,
// repeating the last one.
type scriptedHandler struct {
	mu       sync.Mutex
	results  []Result
	payloads []Payload
	panicMsg string
}

func (h *scriptedHandler) handle(_ context.Context, _ *Job, payload Payload) Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	if len(h.results) == 0 {
		return OK()
	}
	r := h.results[0]
	if len(h.results) > 1 {
		h.results = h.results[1:]
	}
	return r
}

func (h *scriptedHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}
