package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/agentworkforce/relaystate/internal/channelhub"
	"github.com/agentworkforce/relaystate/internal/presence"
)

// HubTransport connects to a channelhub.Hub in the same process.
type HubTransport struct {
	Hub *channelhub.Hub
}

func NewHubTransport(hub *channelhub.Hub) *HubTransport {
	return &HubTransport{Hub: hub}
}

func (t *HubTransport) Open(_ context.Context, workspaceID, key string, h Handler) (Channel, error) {
	sink := newQueueSink(func(msg channelhub.Message) { dispatch(h, msg) })
	member := t.Hub.Join(workspaceID, key, sink)
	return &hubChannel{member: member, sink: sink}, nil
}

type hubChannel struct {
	member *channelhub.Member
	sink   *queueSink
}

func (c *hubChannel) Track(_ context.Context, entry presence.Entry) error {
	entry.Key = ""
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	c.member.Track(payload)
	return nil
}

func (c *hubChannel) Untrack(context.Context) error {
	c.member.Untrack()
	return nil
}

func (c *hubChannel) Broadcast(_ context.Context, event string, payload json.RawMessage) error {
	c.member.Broadcast(event, payload)
	return nil
}

func (c *hubChannel) Close() error {
	c.member.Leave()
	c.sink.close()
	return nil
}

// queueSink decouples hub delivery from handler execution so handlers may
// call back into the hub.
type queueSink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []channelhub.Message
	closed bool
	handle func(channelhub.Message)
}

func newQueueSink(handle func(channelhub.Message)) *queueSink {
	s := &queueSink{handle: handle}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *queueSink) Deliver(msg channelhub.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, msg)
	s.cond.Signal()
}

func (s *queueSink) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *queueSink) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.handle(msg)
	}
}
