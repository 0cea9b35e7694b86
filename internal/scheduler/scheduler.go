package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/remoteagent/internal/state"
	"github.com/user/remoteagent/internal/types"
)

// Handler receives the message a task produces each time it fires.
type Handler func(msg types.InboundMessage)

// Scheduler runs the enabled, scheduled tasks of a TaskStore on a cron.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler
	logger  *slog.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// Five-field expressions, an optional leading seconds field, and
// descriptors such as @daily are all accepted.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether expr can be scheduled.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// NextRun returns the first activation of expr after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

func New(store *state.TaskStore, handler Handler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		store:   store,
		handler: handler,
		logger:  logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers the stored tasks and starts the ticker.
func (s *Scheduler) Start() error {
	if err := s.Reload(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Reload replaces every registered entry with the tasks currently in the
// store. Tasks with an unparsable schedule are logged and skipped.
func (s *Scheduler) Reload() error {
	tasks, err := s.store.List()
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	for _, task := range tasks {
		if !task.Enabled || task.Schedule == "" {
			continue
		}
		id, err := s.cron.AddJob(task.Schedule, s.job(task))
		if err != nil {
			s.logger.Error("skipping task with bad schedule", "name", task.Name, "schedule", task.Schedule, "error", err)
			continue
		}
		s.entries[task.Name] = id
		s.logger.Debug("task scheduled", "name", task.Name, "schedule", task.Schedule)
	}
	return nil
}

func (s *Scheduler) job(task *state.Task) cron.Job {
	msg := task.Target()
	name := task.Name
	return cron.FuncJob(func() {
		s.logger.Info("running scheduled task", "name", name, "platform", msg.Platform, "conversation_id", msg.ConversationID)
		s.handler(msg)
	})
}

// Entries returns the number of registered tasks.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Next returns when the named task fires next. ok is false for tasks that are
// not registered or whose ticker has not started.
func (s *Scheduler) Next(name string) (next time.Time, ok bool) {
	s.mu.Lock()
	id, found := s.entries[name]
	s.mu.Unlock()
	if !found {
		return time.Time{}, false
	}
	next = s.cron.Entry(id).Next
	return next, !next.IsZero()
}

// Stop halts the ticker and waits for running tasks to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger routes cron's own messages into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
