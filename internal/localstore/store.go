package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaystate/internal/logging"
	"github.com/agentworkforce/relaystate/internal/remote"
	"github.com/agentworkforce/relaystate/internal/workspacedoc"
)

const (
	documentFile = "document.json"
	metadataFile = "meta.json"
	lockFile     = ".lock"
)

// Origin says who produced a committed document.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginRemote   Origin = "remote"
	OriginExternal Origin = "external"
)

type Change struct {
	Document    workspacedoc.Document
	Origin      Origin
	CommittedAt time.Time
}

// Metadata is every persisted key kept next to the document. All fields
// tolerate being absent from disk.
type Metadata struct {
	RemoteRev              remote.Revision       `json:"remoteRev,omitempty"`
	RemoteUpdatedAt        string                `json:"remoteUpdatedAt,omitempty"`
	RemoteBackup           workspacedoc.Document `json:"remoteBackup,omitempty"`
	RemoteBackupAt         string                `json:"remoteBackupAt,omitempty"`
	EditorID               string                `json:"editorId,omitempty"`
	AutoSync               *bool                 `json:"autoSync,omitempty"`
	PublishPromptDismissed bool                  `json:"publishPromptDismissed,omitempty"`
	ImportMarkers          map[string]string     `json:"importMarkers,omitempty"`
	LastCommitAt           string                `json:"lastCommitAt,omitempty"`
	LastSavedAt            string                `json:"lastSavedAt,omitempty"`
}

type Options struct {
	// Dir holds document.json and meta.json. Empty keeps everything in memory.
	Dir    string
	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// Store is the durable local copy of the workspace document.
type Store struct {
	dir    string
	clock  clock.Clock
	logger logrus.FieldLogger

	mu        sync.Mutex
	doc       workspacedoc.Document
	meta      Metadata
	listeners map[int]func(Change)
	order     []int
	nextID    int
}

func Open(opts Options) (*Store, error) {
	s := &Store{
		dir:       strings.TrimSpace(opts.Dir),
		clock:     opts.Clock,
		logger:    opts.Logger,
		listeners: make(map[int]func(Change)),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = logging.NewLogger("localstore")
	}
	if s.dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	meta, err := s.readMetadata()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	s.meta = meta
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

// Document returns a private copy of the current document, nil when none exists.
func (s *Store) Document() workspacedoc.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.MustClone()
}

func (s *Store) HasDocument() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc != nil
}

// Commit persists doc and notifies subscribers with origin.
func (s *Store) Commit(doc workspacedoc.Document, origin Origin) error {
	clone, err := doc.Clone()
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()

	s.mu.Lock()
	meta := s.meta
	meta.LastCommitAt = now.Format(time.RFC3339Nano)
	if err := s.persistLocked(clone, &meta); err != nil {
		s.mu.Unlock()
		return err
	}
	s.doc = clone
	s.meta = meta
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	s.notify(listeners, Change{Document: clone, Origin: origin, CommittedAt: now})
	return nil
}

// Subscribe registers fn for every committed change. The returned function
// removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
}

func (s *Store) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.meta
	meta.RemoteBackup = meta.RemoteBackup.MustClone()
	if meta.ImportMarkers != nil {
		markers := make(map[string]string, len(meta.ImportMarkers))
		for k, v := range meta.ImportMarkers {
			markers[k] = v
		}
		meta.ImportMarkers = markers
	}
	return meta
}

func (s *Store) RemoteRevision() remote.Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.RemoteRev
}

// SetRemote records the last revision seen on the authoritative copy.
func (s *Store) SetRemote(rev remote.Revision, updatedAt string) error {
	return s.updateMetadata(func(m *Metadata) {
		m.RemoteRev = rev
		m.RemoteUpdatedAt = updatedAt
	})
}

func (s *Store) RemoteBackup() workspacedoc.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.RemoteBackup.MustClone()
}

func (s *Store) SetRemoteBackup(doc workspacedoc.Document) error {
	clone, err := doc.Clone()
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)
	return s.updateMetadata(func(m *Metadata) {
		m.RemoteBackup = clone
		m.RemoteBackupAt = now
	})
}

// EditorID returns the stable identity of this local store, creating one on
// first use.
func (s *Store) EditorID() (string, error) {
	s.mu.Lock()
	id := s.meta.EditorID
	s.mu.Unlock()
	if id != "" {
		return id, nil
	}
	id = "editor_" + uuid.NewString()
	err := s.updateMetadata(func(m *Metadata) {
		if m.EditorID == "" {
			m.EditorID = id
		}
		id = m.EditorID
	})
	return id, err
}

// AutoSync defaults to on.
func (s *Store) AutoSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.AutoSync == nil || *s.meta.AutoSync
}

func (s *Store) SetAutoSync(enabled bool) error {
	return s.updateMetadata(func(m *Metadata) {
		m.AutoSync = &enabled
	})
}

func (s *Store) PublishPromptDismissed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.PublishPromptDismissed
}

func (s *Store) SetPublishPromptDismissed(dismissed bool) error {
	return s.updateMetadata(func(m *Metadata) {
		m.PublishPromptDismissed = dismissed
	})
}

func (s *Store) ImportDone(workspaceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.meta.ImportMarkers[workspaceID]
	return ok
}

func (s *Store) MarkImportDone(workspaceID string) error {
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)
	return s.updateMetadata(func(m *Metadata) {
		if m.ImportMarkers == nil {
			m.ImportMarkers = make(map[string]string)
		}
		if _, ok := m.ImportMarkers[workspaceID]; !ok {
			m.ImportMarkers[workspaceID] = now
		}
	})
}

func (s *Store) LastSavedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, _ := time.Parse(time.RFC3339Nano, s.meta.LastSavedAt)
	return ts
}

func (s *Store) MarkSaved(at time.Time) error {
	return s.updateMetadata(func(m *Metadata) {
		m.LastSavedAt = at.UTC().Format(time.RFC3339Nano)
	})
}

func (s *Store) updateMetadata(mutate func(*Metadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.meta
	if meta.ImportMarkers != nil {
		markers := make(map[string]string, len(meta.ImportMarkers)+1)
		for k, v := range meta.ImportMarkers {
			markers[k] = v
		}
		meta.ImportMarkers = markers
	}
	mutate(&meta)
	if s.dir != "" {
		unlock, err := lockDir(filepath.Join(s.dir, lockFile))
		if err != nil {
			return err
		}
		defer unlock()
		if err := writeJSONAtomic(filepath.Join(s.dir, metadataFile), meta); err != nil {
			return err
		}
	}
	s.meta = meta
	return nil
}

func (s *Store) persistLocked(doc workspacedoc.Document, meta *Metadata) error {
	if s.dir == "" {
		return nil
	}
	unlock, err := lockDir(filepath.Join(s.dir, lockFile))
	if err != nil {
		return err
	}
	defer unlock()
	if err := writeJSONAtomic(filepath.Join(s.dir, documentFile), doc); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(s.dir, metadataFile), meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (s *Store) snapshotListenersLocked() []func(Change) {
	out := make([]func(Change), 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.listeners[id])
	}
	return out
}

func (s *Store) notify(listeners []func(Change), change Change) {
	for _, fn := range listeners {
		fn(Change{Document: change.Document.MustClone(), Origin: change.Origin, CommittedAt: change.CommittedAt})
	}
}

func (s *Store) readDocument() (workspacedoc.Document, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, documentFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return workspacedoc.Parse(data)
}

func (s *Store) readMetadata() (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(filepath.Join(s.dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		s.logger.WithError(err).Warn("ignoring unreadable local metadata")
		return Metadata{}, nil
	}
	return meta, nil
}

func writeJSONAtomic(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// WriteFileAtomic is exported for callers that export backups next to the store.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}
