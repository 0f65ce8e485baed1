// Copyright 2025 Tom Barlow
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

// Package filesync keeps a directory of YAML workflow definitions in
// step with the store. Files matching the configured globs are parsed
// into workflow graphs with deterministic ids and upserted, so a synced
// file always maps onto the same workflow, action and webhook rows.
// Sync is one-directional: deleting a file never deletes the workflow.
package filesync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/quiverops/quiver/internal/store"
	"github.com/quiverops/quiver/pkg/workflow"
)

// Store is the slice of the store the syncer writes through.
type Store interface {
	UpsertWorkflow(ctx context.Context, wf *workflow.Workflow) error
	EnsureWebhook(ctx context.Context, actionID uuid.UUID) (*store.Webhook, error)
}

// Config configures the syncer.
type Config struct {
	// Dir is the watched directory. Required.
	Dir string

	// Globs select workflow files under Dir. Empty falls back to
	// **/*.yaml and **/*.yml.
	Globs []string

	// Debounce delays a file's re-sync after a change event so editor
	// write bursts collapse into one upsert. Defaults to 200ms.
	Debounce time.Duration
}

// WebhookBinding reports one webhook row ensured during a sync. Secret
// is included so one-shot callers can print the ingress URL.
type WebhookBinding struct {
	Handle string
	ID     uuid.UUID
	Secret string
}

// FileResult records the outcome of syncing one file.
type FileResult struct {
	Path     string
	Workflow *workflow.Workflow
	Webhooks []WebhookBinding
	Err      error
}

// Syncer parses workflow files into the store, once or continuously.
type Syncer struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending map[string]*time.Timer

	resync chan string
	stopCh chan struct{}
	doneCh chan struct{}

	stopOnce sync.Once
}

// New creates a Syncer over dir. The directory must already exist when
// Start or SyncOnce runs.
func New(cfg Config, st Store) (*Syncer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("filesync: no directory configured")
	}
	if len(cfg.Globs) == 0 {
		cfg.Globs = []string{"**/*.yaml", "**/*.yml"}
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	return &Syncer{
		cfg:     cfg,
		store:   st,
		logger:  slog.Default(),
		pending: make(map[string]*time.Timer),
		resync:  make(chan string, 64),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// WithLogger sets a custom logger.
func (s *Syncer) WithLogger(logger *slog.Logger) *Syncer {
	s.logger = logger
	return s
}

// SyncOnce walks the directory and syncs every matching file. A broken
// file fails its own FileResult without stopping the rest.
func (s *Syncer) SyncOnce(ctx context.Context) ([]FileResult, error) {
	files, _, err := s.scan()
	if err != nil {
		return nil, err
	}

	results := make([]FileResult, 0, len(files))
	for _, path := range files {
		res := s.syncFile(ctx, path)
		s.logResult(res)
		results = append(results, res)
	}
	return results, nil
}

// Start performs an initial sync and then watches the directory until
// ctx is cancelled or Stop is called.
func (s *Syncer) Start(ctx context.Context) error {
	if _, err := s.SyncOnce(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create workflow watcher: %w", err)
	}

	_, dirs, err := s.scan()
	if err != nil {
		watcher.Close()
		return err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.watchLoop(ctx, watcher)
	s.logger.Info("workflow directory watch started", "dir", s.cfg.Dir)
	return nil
}

// Stop halts the watcher. Safe to call when Start never ran.
func (s *Syncer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		watcher := s.watcher
		for _, timer := range s.pending {
			timer.Stop()
		}
		s.mu.Unlock()

		if watcher == nil {
			return
		}
		<-s.doneCh
		err = watcher.Close()
	})
	return err
}

func (s *Syncer) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("workflow directory watch stopped")
			return
		case <-s.stopCh:
			s.logger.Info("workflow directory watch stopped")
			return
		case path := <-s.resync:
			res := s.syncFile(ctx, path)
			s.logResult(res)
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("workflow watcher error", "error", err)
		}
	}
}

func (s *Syncer) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		// Gone again before we could look at it.
		return
	}

	if info.IsDir() {
		// New subdirectory: watch it and pick up files moved in with
		// it, which never produce their own events.
		if err := watcher.Add(event.Name); err != nil {
			s.logger.Error("failed to watch new directory", "dir", event.Name, "error", err)
			return
		}
		s.scheduleSubtree(event.Name)
		return
	}

	if s.matches(event.Name) {
		s.scheduleSync(event.Name)
	}
}

// scheduleSync debounces one file's re-sync.
func (s *Syncer) scheduleSync(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.pending[path]; ok {
		timer.Stop()
	}
	s.pending[path] = time.AfterFunc(s.cfg.Debounce, func() {
		s.mu.Lock()
		delete(s.pending, path)
		s.mu.Unlock()

		select {
		case s.resync <- path:
		default:
			s.logger.Warn("resync queue full, dropping change", "file", path)
		}
	})
}

func (s *Syncer) scheduleSubtree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if s.matches(path) {
			s.scheduleSync(path)
		}
		return nil
	})
}

// scan walks Dir and returns the matching files and every directory,
// both in walk order (lexical, so sync order is stable).
func (s *Syncer) scan() (files, dirs []string, err error) {
	err = filepath.WalkDir(s.cfg.Dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if s.matches(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk %s: %w", s.cfg.Dir, err)
	}
	sort.Strings(files)
	return files, dirs, nil
}

// matches reports whether path, relative to Dir, matches any configured
// glob.
func (s *Syncer) matches(path string) bool {
	rel, err := filepath.Rel(s.cfg.Dir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, glob := range s.cfg.Globs {
		if ok, err := doublestar.Match(glob, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Syncer) syncFile(ctx context.Context, path string) FileResult {
	res := FileResult{Path: path}

	wf, err := ParseFile(path)
	if err != nil {
		res.Err = err
		return res
	}
	res.Workflow = wf

	for _, warning := range workflow.DetectEmbeddedCredentials(wf) {
		s.logger.Warn("workflow file embeds a plaintext secret",
			"file", path,
			"workflow", wf.Name,
			"detail", warning,
		)
	}

	if err := s.store.UpsertWorkflow(ctx, wf); err != nil {
		res.Err = fmt.Errorf("upsert workflow %q: %w", wf.Name, err)
		return res
	}

	// Webhook entry points need a routable row with a secret; the id
	// and secret survive re-syncs so published ingress URLs stay valid.
	handles := make([]string, 0, len(wf.Actions))
	for handle := range wf.Actions {
		handles = append(handles, handle)
	}
	sort.Strings(handles)
	for _, handle := range handles {
		action := wf.Actions[handle]
		if action.Type != workflow.ActionTypeWebhook {
			continue
		}
		hook, err := s.store.EnsureWebhook(ctx, action.ID)
		if err != nil {
			res.Err = fmt.Errorf("ensure webhook for %q: %w", handle, err)
			return res
		}
		res.Webhooks = append(res.Webhooks, WebhookBinding{
			Handle: handle,
			ID:     hook.ID,
			Secret: hook.Secret,
		})
	}

	return res
}

func (s *Syncer) logResult(res FileResult) {
	if res.Err != nil {
		s.logger.Error("workflow file sync failed", "file", res.Path, "error", res.Err)
		return
	}
	s.logger.Info("workflow synced",
		"file", res.Path,
		"workflow_id", res.Workflow.ID,
		"workflow", res.Workflow.Name,
		"actions", len(res.Workflow.Actions),
		"webhooks", len(res.Webhooks),
	)
}
