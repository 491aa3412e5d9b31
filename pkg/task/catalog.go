package task

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	jsoniter "github.com/json-iterator/go"
	"github.com/teslashibe/go-mirror/internal/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed tasks.json
var defaultTasks []byte

// Catalog is the set of known tasks, in file order. It is safe for
// concurrent use and can be swapped wholesale by Reload.
type Catalog struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
}

// DefaultCatalog returns the built-in routines.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultTasks)
	if err != nil {
		panic(fmt.Sprintf("task: embedded tasks.json: %v", err))
	}
	return c
}

// LoadCatalog reads tasks from path. A missing file falls back to the
// built-in routines; a malformed one is an error.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Component("task").Warn("tasks file not found, using built-in routines", "path", path)
		return DefaultCatalog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes {"tasks":[...]}.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file struct {
		Tasks []*Task `json:"tasks"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tasks: %w", err)
	}
	c := &Catalog{}
	if err := c.set(file.Tasks); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) set(list []*Task) error {
	tasks := make(map[string]*Task, len(list))
	order := make([]string, 0, len(list))
	for _, t := range list {
		if err := t.validate(); err != nil {
			return err
		}
		if _, dup := tasks[t.ID]; dup {
			return fmt.Errorf("duplicate task %q", t.ID)
		}
		tasks[t.ID] = t
		order = append(order, t.ID)
	}
	c.mu.Lock()
	c.tasks, c.order = tasks, order
	c.mu.Unlock()
	return nil
}

// Get returns the task with id.
func (c *Catalog) Get(id string) (*Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return t, nil
}

// Summaries lists every task in file order.
func (c *Catalog) Summaries() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Summary, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.tasks[id].summary())
	}
	return out
}

// Len returns the number of tasks.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Reload replaces the catalog contents from path. On error the current
// contents are kept. Running sessions hold their own *Task and are not
// affected.
func (c *Catalog) Reload(path string) error {
	next, err := LoadCatalog(path)
	if err != nil {
		return err
	}
	next.mu.RLock()
	list := make([]*Task, 0, len(next.order))
	for _, id := range next.order {
		list = append(list, next.tasks[id])
	}
	next.mu.RUnlock()
	return c.set(list)
}

// Watch reloads the catalog whenever path changes, until ctx is done. The
// parent directory is watched so editors that replace the file by rename
// are picked up. onReload, if set, is called after every attempt.
func (c *Catalog) Watch(ctx context.Context, path string, onReload func(error)) error {
	logger := log.Component("task")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	// Editors emit bursts of events per save.
	const settle = 200 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			err := c.Reload(path)
			if err != nil {
				logger.Warn("tasks reload failed, keeping previous catalog", "path", path, "error", err)
			} else {
				logger.Info("tasks reloaded", "path", path, "tasks", c.Len())
			}
			if onReload != nil {
				onReload(err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("tasks watcher error", slog.Any("error", err))
		}
	}
}
