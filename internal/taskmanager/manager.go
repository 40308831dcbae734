package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/exchanger/internal/metrics"
	"github.com/yourorg/exchanger/internal/model"

	"go.uber.org/zap"
)

// DefaultWorkers bounds how many jobs run at once
const DefaultWorkers = 4

// ShutdownMessage is the status message of jobs cancelled by Shutdown
const ShutdownMessage = "Shutdown requested"

// Job is the body of a task. It receives the manager's root context and
// usually records its own terminal status. A returned error is recorded as
// the task error.
type Job func(ctx context.Context) error

// Manager runs at most one job per task key on a bounded pool, keeps a
// status record per key and pushes every change to subscribers.
type Manager struct {
	mu          sync.Mutex
	status      map[string]model.TaskStatus
	subscribers map[int]chan model.TaskSnapshot
	nextSubID   int
	closed      bool

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a manager with the given pool size
func New(workers int, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		status:      make(map[string]model.TaskStatus),
		subscribers: make(map[int]chan model.TaskSnapshot),
		sem:         make(chan struct{}, workers),
		ctx:         ctx,
		cancel:      cancel,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Context is cancelled when Shutdown is called
func (m *Manager) Context() context.Context {
	return m.ctx
}

// ShutdownRequested reports whether Shutdown was called
func (m *Manager) ShutdownRequested() bool {
	return m.ctx.Err() != nil
}

// StartIfIdle marks key running and submits job, unless key is already
// running or the manager is shut down. The check and the transition happen
// under one lock.
func (m *Manager) StartIfIdle(key string, job Job) bool {
	m.mu.Lock()
	if m.closed || m.status[key].State() == model.TaskRunning {
		m.mu.Unlock()
		return false
	}

	runID := uuid.NewString()
	status := model.NewTaskStatus(model.TaskRunning, "Starting...")
	status["run_id"] = runID
	m.status[key] = m.normalize(status)
	m.wg.Add(1)
	m.broadcastLocked()
	m.mu.Unlock()

	m.metrics.TaskStarted()
	m.logger.Debug("Task submitted", zap.String("task", key), zap.String("run_id", runID))

	go m.run(key, job)
	return true
}

func (m *Manager) run(key string, job Job) {
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-m.ctx.Done():
		m.finish(key, model.NewTaskStatus(model.TaskCancelled, ShutdownMessage))
		return
	}

	err := m.execute(job)

	switch {
	case err != nil && errors.Is(err, context.Canceled) && m.ShutdownRequested():
		m.finish(key, model.NewTaskStatus(model.TaskCancelled, ShutdownMessage))
	case err != nil:
		m.logger.Error("Task failed", zap.String("task", key), zap.Error(err))
		m.finish(key, model.NewTaskStatus(model.TaskError, err.Error()))
	default:
		m.finish(key, nil)
	}
}

// execute runs job, turning a panic into an error
func (m *Manager) execute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Task panicked", zap.Any("panic", r))
			err = fmt.Errorf("internal error")
		}
	}()
	return job(m.ctx)
}

// finish records the outcome of a run. A job that left its status running
// is marked done; fallback is only applied while the task is still running.
func (m *Manager) finish(key string, fallback model.TaskStatus) {
	m.mu.Lock()
	current := m.status[key]
	if current.State() == model.TaskRunning {
		if fallback == nil {
			fallback = model.NewTaskStatus(model.TaskDone, "Completed")
		}
		m.mergeLocked(key, fallback)
		current = m.status[key]
	}
	m.mu.Unlock()

	m.metrics.TaskFinished(taskKind(key), string(current.State()))
}

// SetStatus replaces the status record of key
func (m *Manager) SetStatus(key string, status model.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status[key] = m.normalize(status.Clone())
	m.broadcastLocked()
}

// UpdateStatus merges fields into the status record of key
func (m *Manager) UpdateStatus(key string, fields model.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mergeLocked(key, fields)
}

func (m *Manager) mergeLocked(key string, fields model.TaskStatus) {
	current, ok := m.status[key]
	if !ok {
		current = model.TaskStatus{}
	}

	updates := fields.Clone()
	if _, hasState := updates["status"]; hasState {
		updates = m.normalize(updates)
		if updates.State() != model.TaskError {
			delete(current, "error")
		}
	}
	for k, v := range updates {
		current[k] = v
	}
	m.status[key] = current
	m.broadcastLocked()
}

// normalize stamps last_run and keeps the error field consistent with the
// status field
func (m *Manager) normalize(status model.TaskStatus) model.TaskStatus {
	if _, ok := status["status"]; !ok {
		return status
	}
	status["last_run"] = m.now().UTC().Format(time.RFC3339Nano)
	if status.State() == model.TaskError {
		if _, ok := status["error"]; !ok {
			status["error"] = status["message"]
		}
	} else {
		status["error"] = nil
	}
	return status
}

// GetStatus returns a copy of the status record of key
func (m *Manager) GetStatus(key string) model.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if status, ok := m.status[key]; ok {
		return status.Clone()
	}
	return model.TaskStatus{}
}

// GetAllStatus returns a copy of every status record
func (m *Manager) GetAllStatus() model.TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// IsRunning reports whether key is running
func (m *Manager) IsRunning(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[key].State() == model.TaskRunning
}

// AnyRunning returns the first running key of keys, or ""
func (m *Manager) AnyRunning(keys []string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if m.status[key].State() == model.TaskRunning {
			return key
		}
	}
	return ""
}

// Subscribe registers a listener. The current snapshot is delivered first.
// A listener whose buffer is full when an update is published is dropped and
// its channel closed. The returned func unsubscribes.
func (m *Manager) Subscribe(buffer int) (<-chan model.TaskSnapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan model.TaskSnapshot, buffer)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	ch <- m.snapshotLocked()
	m.subscribers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subscribers[id]; ok {
				delete(m.subscribers, id)
				close(sub)
			}
		})
	}
}

func (m *Manager) snapshotLocked() model.TaskSnapshot {
	snapshot := make(model.TaskSnapshot, len(m.status))
	for k, v := range m.status {
		snapshot[k] = v.Clone()
	}
	return snapshot
}

func (m *Manager) broadcastLocked() {
	if len(m.subscribers) == 0 {
		return
	}

	snapshot := m.snapshotLocked()
	for id, ch := range m.subscribers {
		select {
		case ch <- snapshot:
		default:
			m.logger.Debug("Dropping slow status subscriber", zap.Int("subscriber", id))
			delete(m.subscribers, id)
			close(ch)
		}
	}
}

// Shutdown cancels the root context and refuses new jobs. Running jobs are
// expected to observe the context; Shutdown does not wait for them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	for id, ch := range m.subscribers {
		delete(m.subscribers, id)
		close(ch)
	}
	m.mu.Unlock()

	m.cancel()
	m.logger.Info("Task manager shutdown requested")
}

// Wait blocks until every submitted job has returned
func (m *Manager) Wait() {
	m.wg.Wait()
}

func taskKind(key string) string {
	if i := strings.Index(key, ":"); i > 0 {
		return key[:i]
	}
	return key
}
