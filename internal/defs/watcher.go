// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package defs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spinehq/spine/internal/engine"
	"github.com/spinehq/spine/internal/log"
)

// debounceWindow coalesces the burst of events editors emit per save.
const debounceWindow = 250 * time.Millisecond

// Watcher keeps a workflow library in step with a definitions directory.
// A changed file that no longer parses is logged and skipped; the library
// keeps the previous definition.
type Watcher struct {
	dir     string
	library *engine.Library
	logger  *slog.Logger
}

// NewWatcher creates a Watcher for a directory.
func NewWatcher(dir string, library *engine.Library) *Watcher {
	return &Watcher{
		dir:     dir,
		library: library,
		logger:  log.WithComponent(slog.Default(), "defs-watcher").With(slog.String("dir", dir)),
	}
}

// LoadAll loads the full directory into the library.
func (w *Watcher) LoadAll() error {
	workflows, err := LoadDir(w.dir)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if err := w.library.Add(wf); err != nil {
			return err
		}
	}
	w.logger.Info("workflow definitions loaded", slog.Int("count", len(workflows)))
	return nil
}

// Watch blocks reloading changed definitions until the context ends.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return err
	}

	pending := map[string]struct{}{}
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !isYAML(evt.Name) {
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			pending[evt.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			fire = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", log.Error(err))

		case <-fire:
			for path := range pending {
				w.reload(path)
			}
			pending = map[string]struct{}{}
			fire = nil
		}
	}
}

// reload applies one file change to the library. A deleted file drops the
// workflow whose name matches the file stem; a broken edit keeps the last
// good definition.
func (w *Watcher) reload(path string) {
	logger := w.logger.With(slog.String("file", filepath.Base(path)))

	if _, err := os.Stat(path); err != nil {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		for _, name := range w.library.Names() {
			if name == stem {
				w.library.Remove(name)
				logger.Info("workflow definition removed", slog.String(log.WorkflowKey, name))
				return
			}
		}
		return
	}

	wf, err := LoadFile(path)
	if err != nil {
		logger.Error("failed to reload workflow definition", log.Error(err))
		return
	}
	if err := w.library.Add(wf); err != nil {
		logger.Error("failed to update workflow library", log.Error(err))
		return
	}
	logger.Info("workflow definition reloaded", slog.String(log.WorkflowKey, wf.Name))
}
