package relaystate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaystate/internal/logging"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
)

// SimpleWorkspaceID keys the single document served on the unscoped routes.
const SimpleWorkspaceID = "default"

type ConflictError struct {
	ExpectedRevision string
	CurrentRevision  string
	UpdatedAt        string
	UpdatedBy        string
}

func (e *ConflictError) Error() string {
	return "revision conflict"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

// Document is the authoritative copy of one workspace.
type Document struct {
	Revision  string          `json:"revision"`
	UpdatedAt string          `json:"updatedAt"`
	UpdatedBy string          `json:"updatedBy,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type WriteRequest struct {
	WorkspaceID string
	// IfMatch must equal the current revision. Empty only succeeds when the
	// workspace has no document yet.
	IfMatch       string
	UpdatedBy     string
	Data          json.RawMessage
	CorrelationID string
}

type WriteResult struct {
	Revision  string `json:"rev"`
	UpdatedAt string `json:"updatedAt"`
}

// Change is emitted after every accepted write.
type Change struct {
	WorkspaceID   string
	Type          string
	Previous      *Document
	Current       Document
	CorrelationID string
	CommittedAt   time.Time
}

const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
)

type WorkspaceSummary struct {
	WorkspaceID string `json:"workspaceId"`
	Revision    string `json:"revision"`
	UpdatedAt   string `json:"updatedAt"`
	UpdatedBy   string `json:"updatedBy,omitempty"`
	Size        int    `json:"size"`
}

type BackendStatus struct {
	Backend     string `json:"backend"`
	Workspaces  int    `json:"workspaces"`
	Writes      uint64 `json:"writes"`
	Conflicts   uint64 `json:"conflicts"`
	LastSaveErr string `json:"lastSaveError,omitempty"`
}

type StoreOptions struct {
	StateBackend StateBackend
	StateFile    string
	// MaxDocumentBytes rejects larger payloads. Zero means no limit.
	MaxDocumentBytes int
	Clock            clock.Clock
	Logger           logrus.FieldLogger
}

type Store struct {
	mu          sync.RWMutex
	workspaces  map[string]*Document
	revCounter  uint64
	writes      uint64
	conflicts   uint64
	lastSaveErr error

	stateBackend StateBackend
	maxBytes     int
	clock        clock.Clock
	logger       logrus.FieldLogger

	subMu       sync.Mutex
	subscribers map[int]func(Change)
	nextSubID   int

	closeOnce sync.Once
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("relaystate")
	}
	s := &Store{
		workspaces:   map[string]*Document{},
		stateBackend: stateBackend,
		maxBytes:     opts.MaxDocumentBytes,
		clock:        clk,
		logger:       logger,
		subscribers:  map[int]func(Change){},
	}
	if err := s.loadFromDisk(); err != nil {
		s.logger.WithError(err).Warn("load persisted workspace state")
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

// Fetch returns the current document of a workspace. ok is false when the
// workspace has never been written.
func (s *Store) Fetch(workspaceID string) (Document, bool, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return Document{}, false, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.workspaces[workspaceID]
	if !ok {
		return Document{}, false, nil
	}
	return cloneDocument(*doc), true, nil
}

// Write replaces the workspace document if req.IfMatch names the current
// revision, assigning a fresh revision on success.
func (s *Store) Write(req WriteRequest) (WriteResult, error) {
	workspaceID := strings.TrimSpace(req.WorkspaceID)
	if workspaceID == "" {
		return WriteResult{}, ErrInvalidInput
	}
	data := req.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if !json.Valid(data) {
		return WriteResult{}, fmt.Errorf("%w: data is not valid JSON", ErrInvalidInput)
	}
	if s.maxBytes > 0 && len(data) > s.maxBytes {
		return WriteResult{}, fmt.Errorf("%w: document exceeds %d bytes", ErrInvalidInput, s.maxBytes)
	}

	s.mu.Lock()
	existing, exists := s.workspaces[workspaceID]
	current := ""
	if exists {
		current = existing.Revision
	}
	if req.IfMatch != current {
		s.conflicts++
		conflict := &ConflictError{ExpectedRevision: req.IfMatch, CurrentRevision: current}
		if exists {
			conflict.UpdatedAt = existing.UpdatedAt
			conflict.UpdatedBy = existing.UpdatedBy
		}
		s.mu.Unlock()
		return WriteResult{}, conflict
	}

	now := s.clock.Now().UTC()
	doc := &Document{
		Revision:  s.nextRevisionLocked(),
		UpdatedAt: now.Format(time.RFC3339Nano),
		UpdatedBy: strings.TrimSpace(req.UpdatedBy),
		Data:      append(json.RawMessage(nil), data...),
	}
	change := Change{
		WorkspaceID:   workspaceID,
		Type:          ChangeInsert,
		Current:       cloneDocument(*doc),
		CorrelationID: req.CorrelationID,
		CommittedAt:   now,
	}
	if exists {
		prev := cloneDocument(*existing)
		change.Type = ChangeUpdate
		change.Previous = &prev
	}
	s.workspaces[workspaceID] = doc
	s.writes++
	if err := s.saveLocked(); err != nil {
		s.lastSaveErr = err
		s.logger.WithError(err).WithField("workspace", workspaceID).Error("persist workspace state")
	} else {
		s.lastSaveErr = nil
	}
	s.mu.Unlock()

	s.publish(change)
	return WriteResult{Revision: doc.Revision, UpdatedAt: doc.UpdatedAt}, nil
}

// Subscribe registers fn for every accepted write. fn runs on the writer's
// goroutine after the store lock is released.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Store) ListWorkspaces() []WorkspaceSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkspaceSummary, 0, len(s.workspaces))
	for id, doc := range s.workspaces {
		out = append(out, WorkspaceSummary{
			WorkspaceID: id,
			Revision:    doc.Revision,
			UpdatedAt:   doc.UpdatedAt,
			UpdatedBy:   doc.UpdatedBy,
			Size:        len(doc.Data),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceID < out[j].WorkspaceID })
	return out
}

func (s *Store) GetBackendStatus() BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := BackendStatus{
		Backend:    backendName(s.stateBackend),
		Workspaces: len(s.workspaces),
		Writes:     s.writes,
		Conflicts:  s.conflicts,
	}
	if s.lastSaveErr != nil {
		status.LastSaveErr = s.lastSaveErr.Error()
	}
	return status
}

func (s *Store) publish(change Change) {
	s.subMu.Lock()
	subs := make([]func(Change), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(change)
	}
}

func (s *Store) nextRevisionLocked() string {
	s.revCounter++
	return fmt.Sprintf("rev_%d", s.revCounter)
}

func (s *Store) loadFromDisk() error {
	if s.stateBackend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendOperationTimeout)
	defer cancel()
	snapshot, err := s.stateBackend.Load(ctx)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	for id, doc := range snapshot.Workspaces {
		if doc == nil || strings.TrimSpace(id) == "" {
			continue
		}
		s.workspaces[id] = doc
	}
	s.revCounter = snapshot.RevCounter
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendOperationTimeout)
	defer cancel()
	return s.stateBackend.Save(ctx, &persistedState{
		RevCounter: s.revCounter,
		Workspaces: s.workspaces,
	})
}

func cloneDocument(doc Document) Document {
	doc.Data = append(json.RawMessage(nil), doc.Data...)
	return doc
}

func backendName(backend StateBackend) string {
	switch backend.(type) {
	case nil:
		return "none"
	case *InMemoryStateBackend:
		return "memory"
	case *JSONFileStateBackend:
		return "file"
	case *PostgresStateBackend:
		return "postgres"
	default:
		return fmt.Sprintf("%T", backend)
	}
}
