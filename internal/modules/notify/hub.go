// README: Fan-out hub; session-scoped channel subscriptions with at-most-once, best-effort delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Relay carries envelopes to every instance, this one included.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Run(ctx context.Context, deliver func(Envelope)) error
}

// Pusher mirrors user-channel events to a device push service.
type Pusher interface {
	Push(ctx context.Context, userID, event string, payload json.RawMessage) error
}

type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Session // channel key -> session id -> session
	joined   map[string]map[string]Channel  // session id -> channel key -> channel
	sessions map[string]*Session

	relay  Relay
	pusher Pusher
	log    *zap.Logger
	now    func() time.Time

	delivered *atomic.Int64
	dropped   *atomic.Int64
}

type Option func(*Hub)

func WithRelay(r Relay) Option   { return func(h *Hub) { h.relay = r } }
func WithPusher(p Pusher) Option { return func(h *Hub) { h.pusher = p } }

func NewHub(log *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		channels:  make(map[string]map[string]*Session),
		joined:    make(map[string]map[string]Channel),
		sessions:  make(map[string]*Session),
		log:       log,
		now:       time.Now,
		delivered: atomic.NewInt64(0),
		dropped:   atomic.NewInt64(0),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	h.joined[s.ID] = make(map[string]Channel)
}

// Unregister drops every subscription the session holds and closes it.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		for key := range h.joined[sessionID] {
			h.removeLocked(key, sessionID)
		}
		delete(h.joined, sessionID)
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (h *Hub) Subscribe(sessionID string, ch Channel) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s is not registered", sessionID)
	}
	key := ch.Key()
	subs, ok := h.channels[key]
	if !ok {
		subs = make(map[string]*Session)
		h.channels[key] = subs
	}
	subs[sessionID] = s
	h.joined[sessionID][key] = ch
	return nil
}

func (h *Hub) Unsubscribe(sessionID string, ch Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(ch.Key(), sessionID)
	if j, ok := h.joined[sessionID]; ok {
		delete(j, ch.Key())
	}
}

func (h *Hub) removeLocked(key, sessionID string) {
	subs, ok := h.channels[key]
	if !ok {
		return
	}
	delete(subs, sessionID)
	if len(subs) == 0 {
		delete(h.channels, key)
	}
}

// Channels lists what the session has joined.
func (h *Hub) Channels(sessionID string) []Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Channel, 0, len(h.joined[sessionID]))
	for _, ch := range h.joined[sessionID] {
		out = append(out, ch)
	}
	return out
}

func (h *Hub) Subscribers(ch Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[ch.Key()])
}

// Publish is fire-and-forget: errors are logged, never returned. With a relay the event reaches
// local sessions through the relay loop; if the relay is down it is delivered locally only.
func (h *Hub) Publish(ctx context.Context, ch Channel, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("fan-out payload not serializable", zap.String("channel", ch.Key()), zap.String("event", event), zap.Error(err))
		return
	}
	env := Envelope{Channel: ch, Event: event, Payload: raw, At: h.now().UTC()}

	if h.relay != nil {
		if err := h.relay.Publish(ctx, env); err != nil {
			h.log.Warn("fan-out relay publish failed, delivering locally", zap.String("channel", ch.Key()), zap.Error(err))
			h.Deliver(env)
		}
	} else {
		h.Deliver(env)
	}

	if h.pusher != nil && ch.Kind == ChannelUser {
		if err := h.pusher.Push(ctx, ch.ID, event, raw); err != nil {
			h.log.Warn("device push failed", zap.String("user_id", ch.ID), zap.String("event", event), zap.Error(err))
		}
	}
}

// Deliver hands env to every local session on its channel and returns how many accepted it.
func (h *Hub) Deliver(env Envelope) int {
	h.mu.RLock()
	subs := make([]*Session, 0, len(h.channels[env.Channel.Key()]))
	for _, s := range h.channels[env.Channel.Key()] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return 0
	}

	frame, err := env.frame()
	if err != nil {
		h.log.Error("encode fan-out frame", zap.Error(err))
		return 0
	}
	n := 0
	for _, s := range subs {
		if s.Send(frame) {
			n++
			h.delivered.Inc()
		} else {
			h.dropped.Inc()
			h.log.Debug("session buffer full, event dropped", zap.String("session_id", s.ID), zap.String("event", env.Event))
		}
	}
	return n
}

// Run pumps relayed envelopes into local delivery until ctx ends. Without a relay it just waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		<-ctx.Done()
		return nil
	}
	return h.relay.Run(ctx, func(env Envelope) { h.Deliver(env) })
}

type Stats struct {
	Sessions  int   `json:"sessions"`
	Channels  int   `json:"channels"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Sessions:  len(h.sessions),
		Channels:  len(h.channels),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}
