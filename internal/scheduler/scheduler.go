package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/0x0shephard/t4-bot/internal/logging"
)

// TaskType represents the type of scheduled task
type TaskType string

const (
	TaskTypeInvariantAudit TaskType = "invariant_audit"
)

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task represents a scheduled task
type Task struct {
	ID          string        `json:"id"`
	Type        TaskType      `json:"type"`
	Schedule    string        `json:"schedule"`
	Timeout     time.Duration `json:"timeout"`
	LastRunTime time.Time     `json:"last_run_time"`
	NextRunTime time.Time     `json:"next_run_time"`
	Runs        int64         `json:"runs"`
	Status      TaskStatus    `json:"status"`
	Error       string        `json:"error,omitempty"`

	entryID cron.EntryID
	handler TaskHandler
}

// TaskHandler defines the interface for task handlers
type TaskHandler interface {
	Handle(ctx context.Context) error
}

// HandlerFunc adapts a function to TaskHandler
type HandlerFunc func(ctx context.Context) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context) error {
	return f(ctx)
}

// Scheduler manages task scheduling
type Scheduler struct {
	cron     *cron.Cron
	tasks    map[string]*Task
	handlers map[TaskType]TaskHandler
	mu       sync.RWMutex
	logger   *logging.Logger
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// NewScheduler creates a scheduler using six-field cron expressions (seconds first)
func NewScheduler(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		// a run still in progress when its next tick fires is skipped
		cron:     cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		tasks:    make(map[string]*Task),
		handlers: make(map[TaskType]TaskHandler),
		logger:   logger.WithField("component", "scheduler"),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers a handler for a task type
func (s *Scheduler) RegisterHandler(taskType TaskType, handler TaskHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = handler
}

// AddTask schedules a registered task type and returns the task id. A zero timeout means none.
func (s *Scheduler) AddTask(taskType TaskType, schedule string, timeout time.Duration) (string, error) {
	s.mu.RLock()
	handler, exists := s.handlers[taskType]
	s.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("no handler registered for task type: %s", taskType)
	}

	task := &Task{
		ID:       fmt.Sprintf("%s_%d", taskType, time.Now().UnixNano()),
		Type:     taskType,
		Schedule: schedule,
		Timeout:  timeout,
		Status:   TaskStatusPending,
		handler:  handler,
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		s.runTask(s.baseCtx, task)
	})
	if err != nil {
		return "", fmt.Errorf("failed to add cron job: %w", err)
	}
	task.entryID = entryID

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"type":     taskType,
		"schedule": schedule,
	}).Info("Task scheduled")
	return task.ID, nil
}

// RunNow executes a task immediately in the caller's goroutine
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return s.runTask(ctx, task)
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop cancels running tasks and waits for them until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *Task) error {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	s.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRunTime = time.Now()
	task.Runs++
	s.mu.Unlock()

	start := time.Now()
	err := task.handler.Handle(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"type":     task.Type,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		task.Status = TaskStatusFailed
		task.Error = err.Error()
		entry.WithError(err).Error("Task failed")
	} else {
		task.Status = TaskStatusCompleted
		task.Error = ""
		entry.Debug("Task completed")
	}
	return err
}

// GetTask returns a copy of the task with its next run time
func (s *Scheduler) GetTask(taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	return s.snapshot(task), nil
}

// ListTasks lists all tasks
func (s *Scheduler) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, s.snapshot(task))
	}
	return tasks
}

func (s *Scheduler) snapshot(task *Task) *Task {
	cp := *task
	cp.NextRunTime = s.cron.Entry(task.entryID).Next
	return &cp
}
