package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaystate/internal/logging"
)

// Mode selects the backend layout the client talks to.
type Mode string

const (
	// ModeSimple is a single shared document at /v1/state.
	ModeSimple Mode = "simple"
	// ModeWorkspace addresses one document per workspace id.
	ModeWorkspace Mode = "workspace"
)

func ParseMode(value string) Mode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "simple", "single":
		return ModeSimple
	default:
		return ModeWorkspace
	}
}

type ClientOptions struct {
	BaseURL     string
	Token       string
	WorkspaceID string
	Mode        Mode
	HTTPClient  *http.Client
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      logrus.FieldLogger
}

// HTTPClient implements Gateway over the REST surface.
type HTTPClient struct {
	baseURL     string
	token       string
	workspaceID string
	mode        Mode
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      logrus.FieldLogger
}

var _ Gateway = (*HTTPClient)(nil)

func NewHTTPClient(opts ClientOptions) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeWorkspace
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("remote")
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:       strings.TrimSpace(opts.Token),
		workspaceID: strings.TrimSpace(opts.WorkspaceID),
		mode:        mode,
		httpClient:  httpClient,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      logger,
	}
}

func (c *HTTPClient) Mode() Mode { return c.mode }

func (c *HTTPClient) WorkspaceID() string { return c.workspaceID }

// Configured reports whether the client has what it needs to reach a backend.
func (c *HTTPClient) Configured() bool {
	_, err := c.statePath()
	return err == nil
}

func (c *HTTPClient) FetchRemoteState(ctx context.Context) (RemoteState, error) {
	path, err := c.statePath()
	if err != nil {
		return RemoteState{}, err
	}
	var out RemoteState
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return RemoteState{Exists: false}, nil
		}
		return RemoteState{}, err
	}
	if out.Rev.IsZero() {
		out.Exists = false
	}
	return out, nil
}

func (c *HTTPClient) PushRemoteState(ctx context.Context, req PushRequest) (PushResult, error) {
	path, err := c.statePath()
	if err != nil {
		return PushResult{}, err
	}
	headers := map[string]string{}
	if !req.IfMatchRev.IsZero() {
		headers["If-Match"] = req.IfMatchRev.String()
	}
	var out PushResult
	if err := c.doJSON(ctx, http.MethodPut, path, headers, req, &out); err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) && conflict.ExpectedRevision.IsZero() {
			conflict.ExpectedRevision = req.IfMatchRev
		}
		return PushResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) statePath() (string, error) {
	var missing []string
	if c.baseURL == "" {
		missing = append(missing, "base URL")
	}
	if c.mode == ModeWorkspace && c.workspaceID == "" {
		missing = append(missing, "workspace id")
	}
	if len(missing) > 0 {
		return "", &ConfigurationError{Missing: missing}
	}
	if c.token == "" {
		return "", &AuthRequiredError{Message: "no access token"}
	}
	if c.mode == ModeSimple {
		return "/v1/state", nil
	}
	return "/v1/workspaces/" + url.PathEscape(c.workspaceID) + "/state", nil
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				c.logger.Debugf("%s %s failed (attempt %d): %v", method, requestPath, attempt+1, err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeErrorResponse(resp.StatusCode, payloadBytes)
	}
}

func decodeErrorResponse(status int, payload []byte) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	switch status {
	case http.StatusConflict:
		var conflict struct {
			ExpectedRevision Revision `json:"expectedRevision"`
			CurrentRevision  Revision `json:"currentRevision"`
			UpdatedAt        string   `json:"updatedAt"`
			UpdatedBy        string   `json:"updatedBy"`
		}
		_ = json.Unmarshal(payload, &conflict)
		details := map[string]any{}
		_ = json.Unmarshal(payload, &details)
		return &ConflictError{
			ExpectedRevision: conflict.ExpectedRevision,
			CurrentRevision:  conflict.CurrentRevision,
			UpdatedAt:        conflict.UpdatedAt,
			UpdatedBy:        conflict.UpdatedBy,
			Details:          details,
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		message := errPayload.Message
		if message == "" {
			message = http.StatusText(status)
		}
		return &AuthRequiredError{StatusCode: status, Message: message}
	default:
		return &HTTPError{
			StatusCode: status,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "sync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
