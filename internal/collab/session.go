package collab

import "folio/api/internal/util"

// Session is the server-side handle of one authenticated live connection.
// Handle and identity are fixed at construction; the remaining fields belong
// to the hub loop.
type Session struct {
	handle   string
	identity Identity
	send     chan []byte

	page      string
	workspace string
	closed    bool
}

func NewSession(identity Identity, buffer int) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	return &Session{
		handle:   util.NewHandle(),
		identity: identity,
		send:     make(chan []byte, buffer),
	}
}

func (s *Session) Handle() string     { return s.handle }
func (s *Session) Identity() Identity { return s.identity }

// Outbound yields encoded frames for the writer. It is closed when the hub
// drops the session.
func (s *Session) Outbound() <-chan []byte { return s.send }
