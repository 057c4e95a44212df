package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaystate/internal/channelhub"
	"github.com/agentworkforce/relaystate/internal/logging"
	"github.com/agentworkforce/relaystate/internal/relaystate"
)

type ServerConfig struct {
	JWTSecret string
	Audience  string
	// RateLimitRPS and RateLimitBurst bound requests per workspace and agent.
	// Zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	// AllowedOrigins are host patterns accepted for cross-origin websocket
	// upgrades.
	AllowedOrigins []string
	SendBuffer     int
	Logger         logrus.FieldLogger
}

type Server struct {
	store   *relaystate.Store
	hub     *channelhub.Hub
	cfg     ServerConfig
	limiter *keyedLimiter
	metrics *serverMetrics
	logger  logrus.FieldLogger
	unsub   func()
}

func NewServer(store *relaystate.Store, hub *channelhub.Hub) *Server {
	return NewServerWithConfig(store, hub, ServerConfig{})
}

// NewServerWithConfig wires store changes into hub rooms. hub may be nil,
// in which case the realtime route is unavailable.
func NewServerWithConfig(store *relaystate.Store, hub *channelhub.Hub, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.RateLimitRPS < 0 {
		cfg.RateLimitRPS = 0
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(cfg.RateLimitRPS) + 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("httpapi")
	}
	s := &Server{
		store:   store,
		hub:     hub,
		cfg:     cfg,
		limiter: newKeyedLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 0),
		metrics: newServerMetrics(),
		logger:  logger,
	}
	if hub != nil {
		s.unsub = store.Subscribe(s.publishChange)
	}
	return s
}

// Close stops relaying store changes to the hub.
func (s *Server) Close() {
	if s.unsub != nil {
		s.unsub()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.handler().ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	var workspaceID, route, requiredScope string
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "state":
		workspaceID = relaystate.SimpleWorkspaceID
		route = "simple_state"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "backends" && r.Method == http.MethodGet:
		route = "admin_backends"
		requiredScope = ScopeAdminRead
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "workspaces" && parts[2] != "" && parts[3] == "state":
		workspaceID = parts[2]
		route = "state"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "workspaces" && parts[2] != "" && parts[3] == "realtime" && r.Method == http.MethodGet:
		s.handleRealtime(w, r, parts[2])
		return
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if route != "admin_backends" {
		switch r.Method {
		case http.MethodGet:
			requiredScope = ScopeStateRead
		case http.MethodPut:
			requiredScope = ScopeStateWrite
		default:
			w.Header().Set("Allow", "GET, PUT")
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
			return
		}
	}

	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	defer func() { s.metrics.observe(route, rec.code(), started) }()

	// simple mode documents are not scoped to a workspace claim
	claimWorkspace := workspaceID
	if route == "simple_state" {
		claimWorkspace = ""
	}
	raw, _ := bearerToken(r.Header.Get("Authorization"))
	claims, authErr := authorizeToken(raw, s.cfg.JWTSecret, s.cfg.Audience, claimWorkspace, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(rec, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(rec, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if !s.limiter.allow(workspaceID+"|"+claims.AgentName, time.Now()) {
		rec.Header().Set("Retry-After", strconv.Itoa(s.limiter.retryAfterSeconds()))
		writeError(rec, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch {
	case route == "admin_backends":
		s.handleAdminBackends(rec)
	case r.Method == http.MethodGet:
		s.handleFetchState(rec, workspaceID, correlationID)
	default:
		s.handlePushState(rec, r, workspaceID, claims, correlationID)
	}
}

type stateResponse struct {
	Exists    bool            `json:"exists"`
	Rev       *string         `json:"rev"`
	UpdatedAt string          `json:"updatedAt,omitempty"`
	UpdatedBy string          `json:"updatedBy,omitempty"`
	Data      json.RawMessage `json:"data"`
}

func (s *Server) handleFetchState(w http.ResponseWriter, workspaceID, correlationID string) {
	doc, ok, err := s.store.Fetch(workspaceID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, stateResponse{Data: json.RawMessage("null")})
		return
	}
	rev := doc.Revision
	writeJSON(w, http.StatusOK, stateResponse{
		Exists:    true,
		Rev:       &rev,
		UpdatedAt: doc.UpdatedAt,
		UpdatedBy: doc.UpdatedBy,
		Data:      doc.Data,
	})
}

func (s *Server) handlePushState(w http.ResponseWriter, r *http.Request, workspaceID string, claims TokenClaims, correlationID string) {
	var body struct {
		IfMatchRev *string         `json:"ifMatchRev"`
		UpdatedBy  string          `json:"updatedBy"`
		Data       json.RawMessage `json:"data"`
		State      json.RawMessage `json:"state"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	data := pushPayload(body.Data, body.State)
	if data == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "request body must carry data or state", correlationID)
		return
	}
	ifMatch := ""
	if body.IfMatchRev != nil {
		ifMatch = strings.TrimSpace(*body.IfMatchRev)
	}
	if ifMatch == "" {
		ifMatch = normalizeIfMatchHeader(r.Header.Get("If-Match"))
	}
	updatedBy := strings.TrimSpace(body.UpdatedBy)
	if updatedBy == "" {
		updatedBy = claims.AgentName
	}

	result, err := s.store.Write(relaystate.WriteRequest{
		WorkspaceID:   workspaceID,
		IfMatch:       ifMatch,
		UpdatedBy:     updatedBy,
		Data:          data,
		CorrelationID: correlationID,
	})
	if err != nil {
		var conflict *relaystate.ConflictError
		if errors.As(err, &conflict) {
			s.metrics.writes.WithLabelValues("conflict").Inc()
			writeJSON(w, http.StatusConflict, map[string]any{
				"code":             "revision_conflict",
				"message":          err.Error(),
				"correlationId":    correlationID,
				"expectedRevision": nullableString(conflict.ExpectedRevision),
				"currentRevision":  nullableString(conflict.CurrentRevision),
				"updatedAt":        conflict.UpdatedAt,
				"updatedBy":        conflict.UpdatedBy,
			})
			return
		}
		s.metrics.writes.WithLabelValues("error").Inc()
		writeStoreError(w, err, correlationID)
		return
	}
	s.metrics.writes.WithLabelValues("accepted").Inc()
	s.logger.WithFields(logrus.Fields{
		"workspace":     workspaceID,
		"rev":           result.Revision,
		"correlationId": correlationID,
	}).Debug("state written")
	writeJSON(w, http.StatusAccepted, result)
}

// pushPayload picks the document from a push body. state is accepted as an
// alias for data; nil means the body carried neither.
func pushPayload(data, state json.RawMessage) json.RawMessage {
	if len(data) > 0 && (string(data) != "null" || len(state) == 0) {
		return data
	}
	if len(state) > 0 {
		return state
	}
	return nil
}

func (s *Server) handleAdminBackends(w http.ResponseWriter) {
	status := s.store.GetBackendStatus()
	payload := map[string]any{
		"backend":    status,
		"workspaces": s.store.ListWorkspaces(),
	}
	if s.hub != nil {
		rooms, members := s.hub.Stats()
		payload["realtime"] = map[string]int{"rooms": rooms, "members": members}
	}
	writeJSON(w, http.StatusOK, payload)
}

// publishChange turns an accepted write into a change notification for the
// workspace's realtime room.
func (s *Server) publishChange(change relaystate.Change) {
	type record struct {
		WorkspaceID string `json:"workspace_id"`
		Rev         string `json:"rev"`
		UpdatedAt   string `json:"updated_at"`
		UpdatedBy   string `json:"updated_by,omitempty"`
	}
	event := channelhub.ChangeEvent{
		EventType:       change.Type,
		CommitTimestamp: change.CommittedAt.UTC().Format(time.RFC3339Nano),
	}
	event.New, _ = json.Marshal(record{
		WorkspaceID: change.WorkspaceID,
		Rev:         change.Current.Revision,
		UpdatedAt:   change.Current.UpdatedAt,
		UpdatedBy:   change.Current.UpdatedBy,
	})
	if change.Previous != nil {
		event.Old, _ = json.Marshal(record{
			WorkspaceID: change.WorkspaceID,
			Rev:         change.Previous.Revision,
			UpdatedAt:   change.Previous.UpdatedAt,
			UpdatedBy:   change.Previous.UpdatedBy,
		})
	}
	s.hub.PublishChange(change.WorkspaceID, event)
	s.metrics.changes.Inc()
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, relaystate.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relaystate.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, `"`)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
