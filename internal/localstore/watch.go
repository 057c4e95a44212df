package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaystate/internal/workspacedoc"
)

// Watch picks up rewrites of the state directory made by other processes
// and republishes them as external changes. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.dir == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return err
	}

	const debounce = 50 * time.Millisecond
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if name != documentFile && name != metadataFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = s.clock.After(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("state dir watcher error")
		case <-pending:
			pending = nil
			if err := s.reloadFromDisk(); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WithError(err).Warn("reload local state failed")
			}
		}
	}
}

// reloadFromDisk adopts whatever is on disk. Our own atomic writes land here
// too and are dropped because the content is unchanged.
func (s *Store) reloadFromDisk() error {
	doc, err := s.readDocument()
	if err != nil {
		return err
	}
	meta, err := s.readMetadata()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.meta = meta
	if workspacedoc.Equal(doc, s.doc) {
		s.mu.Unlock()
		return nil
	}
	s.doc = doc
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	s.logger.Debug("external change to local document")
	s.notify(listeners, Change{Document: doc, Origin: OriginExternal, CommittedAt: s.clock.Now().UTC()})
	return nil
}
