package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// RetentionTask is the daily retention run (event archive and session purge).
type RetentionTask interface {
	Run(ctx context.Context) error
}

// DefaultRetentionInterval is how often the retention task runs.
const DefaultRetentionInterval = 24 * time.Hour

// Manager owns the queue workers and the background schedules around them:
// the reconciliation sweep, the three housekeeping tasks and retention.
type Manager struct {
	queue       *Queue
	sweeper     *Sweeper
	housekeeper *Housekeeper
	retention   RetentionTask

	retentionInterval time.Duration

	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager wires the schedules. sweeper, housekeeper and retention may be
// nil to disable that schedule.
func NewManager(q *Queue, sweeper *Sweeper, housekeeper *Housekeeper, retention RetentionTask) *Manager {
	return &Manager{
		queue:             q,
		sweeper:           sweeper,
		housekeeper:       housekeeper,
		retention:         retention,
		retentionInterval: DefaultRetentionInterval,
	}
}

func (m *Manager) Queue() *Queue {
	return m.queue
}

func (m *Manager) Sweeper() *Sweeper {
	return m.sweeper
}

func (m *Manager) Housekeeper() *Housekeeper {
	return m.housekeeper
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.sweeper != nil {
		m.every(ctx, "reconciliation sweep", m.sweeper.Interval(), func(ctx context.Context) error {
			_, err := m.sweeper.Run(ctx)
			return err
		})
	}
	if m.housekeeper != nil {
		cfg := m.housekeeper.Config()
		m.every(ctx, "cleanup", cfg.CleanupInterval, func(ctx context.Context) error {
			_, err := m.housekeeper.RunCleanup(ctx)
			return err
		})
		m.every(ctx, "stuck check", cfg.StuckCheckInterval, func(ctx context.Context) error {
			_, err := m.housekeeper.RunStuckCheck(ctx)
			return err
		})
		m.every(ctx, "memory check", cfg.MemoryCheckInterval, func(ctx context.Context) error {
			_, err := m.housekeeper.RunMemoryCheck(ctx)
			return err
		})
	}
	if m.retention != nil {
		m.every(ctx, "retention", m.retentionInterval, m.retention.Run)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// every runs fn on a ticker until the manager stops. Runs never overlap
// within one schedule since the loop waits for fn.
func (m *Manager) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	stopCh := m.stopCh
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		log.Infof("[JobQueue Manager] Started %s worker (interval: %s)", name, interval)
		for {
			select {
			case <-stopCh:
				log.Debugf("[JobQueue Manager] %s worker stopping", name)
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					log.Errorf("[JobQueue Manager] %s error: %v", name, err)
				}
			}
		}
	}()
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	close(m.stopCh)
	m.cancel()
	m.running = false

	m.wg.Wait()
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
