package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaystate/internal/channelhub"
	"github.com/agentworkforce/relaystate/internal/logging"
	"github.com/agentworkforce/relaystate/internal/presence"
)

type WebSocketOptions struct {
	// BaseURL is the gateway's http(s) root; the scheme is switched to ws(s).
	BaseURL          string
	Token            string
	HTTPClient       *http.Client
	SubscribeTimeout time.Duration
	ReadLimit        int64
	Logger           logrus.FieldLogger
}

// WebSocketTransport speaks the channel protocol over /v1/workspaces/{id}/realtime.
type WebSocketTransport struct {
	baseURL          string
	token            string
	httpClient       *http.Client
	subscribeTimeout time.Duration
	readLimit        int64
	logger           logrus.FieldLogger
}

func NewWebSocketTransport(opts WebSocketOptions) *WebSocketTransport {
	t := &WebSocketTransport{
		baseURL:          strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:            strings.TrimSpace(opts.Token),
		httpClient:       opts.HTTPClient,
		subscribeTimeout: opts.SubscribeTimeout,
		readLimit:        opts.ReadLimit,
		logger:           opts.Logger,
	}
	if t.subscribeTimeout <= 0 {
		t.subscribeTimeout = 10 * time.Second
	}
	if t.readLimit <= 0 {
		t.readLimit = 1 << 20
	}
	if t.logger == nil {
		t.logger = logging.NewLogger("realtime-ws")
	}
	return t
}

func (t *WebSocketTransport) endpoint(workspaceID, key string) (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported realtime scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/workspaces/" + url.PathEscape(workspaceID) + "/realtime"
	q := url.Values{}
	q.Set("key", key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *WebSocketTransport) Open(ctx context.Context, workspaceID, key string, h Handler) (Channel, error) {
	endpoint, err := t.endpoint(workspaceID, key)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &wsChannel{cancel: cancel, ready: make(chan struct{})}
	go c.run(runCtx, t, endpoint, h)
	return c, nil
}

type wsChannel struct {
	cancel context.CancelFunc
	ready  chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
}

func (c *wsChannel) run(ctx context.Context, t *WebSocketTransport, endpoint string, h Handler) {
	report := func(status ChannelStatus, err error) {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing || h.OnStatus == nil {
			return
		}
		h.OnStatus(status, err)
	}

	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, t.subscribeTimeout)
	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{HTTPClient: t.httpClient, HTTPHeader: header})
	dialCancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			report(ChannelTimedOut, err)
		} else {
			report(ChannelError, err)
		}
		return
	}
	conn.SetReadLimit(t.readLimit)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	c.conn = conn
	c.mu.Unlock()
	close(c.ready)

	subscribed := make(chan struct{})
	var timedOut atomic.Bool
	go func() {
		timer := time.NewTimer(t.subscribeTimeout)
		defer timer.Stop()
		select {
		case <-subscribed:
		case <-ctx.Done():
		case <-timer.C:
			timedOut.Store(true)
			report(ChannelTimedOut, errors.New("no subscription acknowledgement"))
			_ = conn.Close(websocket.StatusPolicyViolation, "subscribe timeout")
		}
	}()

	acked := false
	for {
		var msg channelhub.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if !acked {
				close(subscribed)
			}
			if ctx.Err() != nil || timedOut.Load() {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				report(ChannelClosed, nil)
			} else {
				report(ChannelError, err)
			}
			return
		}
		if msg.Type == channelhub.TypeSubscribed && !acked {
			acked = true
			close(subscribed)
		}
		dispatch(h, msg)
	}
}

func (c *wsChannel) write(ctx context.Context, msg channelhub.Message) error {
	select {
	case <-c.ready:
	default:
		return ErrNotSubscribed
	}
	c.mu.Lock()
	conn := c.conn
	closing := c.closing
	c.mu.Unlock()
	if closing || conn == nil {
		return ErrNotSubscribed
	}
	return wsjson.Write(ctx, conn, msg)
}

func (c *wsChannel) Track(ctx context.Context, entry presence.Entry) error {
	entry.Key = ""
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.write(ctx, channelhub.Message{Type: channelhub.TypeTrack, Payload: payload})
}

func (c *wsChannel) Untrack(ctx context.Context) error {
	return c.write(ctx, channelhub.Message{Type: channelhub.TypeUntrack})
}

func (c *wsChannel) Broadcast(ctx context.Context, event string, payload json.RawMessage) error {
	return c.write(ctx, channelhub.Message{Type: channelhub.TypeBroadcast, Event: event, Payload: payload})
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.mu.Unlock()
	c.cancel()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}
