// README: A connected client's session; a bounded outbound buffer that drops instead of blocking.
package notify

import (
	"sync"

	"github.com/google/uuid"

	"courier/internal/types"
)

type Session struct {
	ID    string
	Actor types.Actor

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(actor types.Actor, buffer int) *Session {
	if buffer <= 0 {
		buffer = 16
	}
	return &Session{
		ID:    uuid.NewString(),
		Actor: actor,
		out:   make(chan []byte, buffer),
		done:  make(chan struct{}),
	}
}

// Out yields frames to write to the client.
func (s *Session) Out() <-chan []byte { return s.out }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Send offers msg without blocking. A full buffer or closed session loses the message.
func (s *Session) Send(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}
