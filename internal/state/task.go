// internal/state/task.go
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/user/remoteagent/internal/types"
)

// ErrTaskNotFound is returned for lookups and mutations of unknown tasks.
var ErrTaskNotFound = errors.New("task not found")

// Task is a named prompt delivered to a conversation on a cron schedule or
// on demand via webhook.
type Task struct {
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	Schedule       string `json:"schedule,omitempty"`
	Platform       string `json:"platform"`
	ConversationID string `json:"conversation_id"`
	Enabled        bool   `json:"enabled"`
}

// Target returns the task's platform and conversation as an InboundMessage.
func (t *Task) Target() types.InboundMessage {
	return types.InboundMessage{
		Platform:       t.Platform,
		ConversationID: t.ConversationID,
		UserID:         "scheduler:" + t.Name,
		Text:           t.Prompt,
	}
}

func (t *Task) validate() error {
	switch {
	case t.Name == "":
		return errors.New("task name is required")
	case t.Prompt == "":
		return fmt.Errorf("task %s: prompt is required", t.Name)
	case t.Platform == "" || t.ConversationID == "":
		return fmt.Errorf("task %s: platform and conversation id are required", t.Name)
	}
	return nil
}

// TaskStore keeps tasks in a single JSON file, rewritten atomically on
// every change.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

func (s *TaskStore) Path() string {
	return s.path
}

// List returns all tasks in insertion order. A missing file is an empty list.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return tasks, nil
}

func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	i := indexOf(tasks, name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return tasks[i], nil
}

// Add stores a new task. Names are unique.
func (s *TaskStore) Add(task *Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	return s.update(func(tasks []*Task) ([]*Task, error) {
		if indexOf(tasks, task.Name) >= 0 {
			return nil, fmt.Errorf("task already exists: %s", task.Name)
		}
		return append(tasks, task), nil
	})
}

func (s *TaskStore) Remove(name string) error {
	return s.update(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
		}
		return slices.Delete(tasks, i, i+1), nil
	})
}

func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.update(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
		}
		tasks[i].Enabled = enabled
		return tasks, nil
	})
}

func indexOf(tasks []*Task, name string) int {
	return slices.IndexFunc(tasks, func(t *Task) bool { return t.Name == name })
}

// update applies fn to the stored list under the write lock and saves the result.
func (s *TaskStore) update(fn func([]*Task) ([]*Task, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	tasks, err = fn(tasks)
	if err != nil {
		return err
	}
	return s.save(tasks)
}

func (s *TaskStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return tasks, nil
}

func (s *TaskStore) save(tasks []*Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace tasks file: %w", err)
	}
	return nil
}
