package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaystate/internal/channelhub"
)

const realtimeWriteTimeout = 10 * time.Second

// handleRealtime upgrades to a websocket and joins the workspace room. The
// token may come from the Authorization header or the token query
// parameter, since browsers cannot set headers on an upgrade.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "realtime is disabled", getCorrelationID(r))
		return
	}
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		raw = r.URL.Query().Get("token")
	}
	claims, authErr := authorizeToken(raw, s.cfg.JWTSecret, s.cfg.Audience, workspaceID, ScopeStateRead, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if !s.limiter.allow(workspaceID+"|"+claims.AgentName, time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.WithError(err).Debug("websocket accept failed")
		return
	}
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := newConnSink(s.cfg.SendBuffer, func() {
		_ = conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	})
	member := s.hub.Join(workspaceID, r.URL.Query().Get("key"), sink)
	logger := s.logger.WithFields(logrus.Fields{
		"workspace": workspaceID,
		"key":       member.Key(),
		"agent":     claims.AgentName,
	})
	logger.Debug("realtime member joined")
	s.metrics.connections.Inc()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		sink.writeLoop(ctx, conn)
	}()

	canWrite := claims.hasScope(ScopeStateWrite) || claims.hasScope(ScopeRealtime)
	for {
		var msg channelhub.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Debug("realtime read ended")
			}
			break
		}
		if !canWrite && msg.Type != channelhub.TypeUntrack {
			sink.Deliver(channelhub.ErrorMessage("forbidden", "token cannot publish on this channel"))
			continue
		}
		switch msg.Type {
		case channelhub.TypeTrack:
			member.Track(msg.Payload)
		case channelhub.TypeUntrack:
			member.Untrack()
		case channelhub.TypeBroadcast:
			if msg.Event == "" {
				sink.Deliver(channelhub.ErrorMessage("bad_request", "broadcast event is required"))
				continue
			}
			member.Broadcast(msg.Event, msg.Payload)
		default:
			sink.Deliver(channelhub.ErrorMessage("bad_request", "unknown message type: "+msg.Type))
		}
	}

	member.Leave()
	sink.close()
	cancel()
	wg.Wait()
	s.metrics.connections.Dec()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	logger.Debug("realtime member left")
}

// connSink buffers frames for one websocket. When the buffer overflows the
// connection is dropped instead of blocking the hub.
type connSink struct {
	out        chan channelhub.Message
	done       chan struct{}
	once       sync.Once
	onOverflow func()
}

func newConnSink(size int, onOverflow func()) *connSink {
	return &connSink{
		out:        make(chan channelhub.Message, size),
		done:       make(chan struct{}),
		onOverflow: onOverflow,
	}
}

func (c *connSink) Deliver(msg channelhub.Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- msg:
	default:
		c.once.Do(func() {
			close(c.done)
			go c.onOverflow()
		})
	}
}

func (c *connSink) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *connSink) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, realtimeWriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
