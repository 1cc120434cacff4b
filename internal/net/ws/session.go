package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session owns one websocket connection. Frames queue on a bounded channel
// drained by a single writer goroutine, so Send never blocks the relay.
type Session struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	onWriteError func(error)
}

func newSession(conn *websocket.Conn, sendBuffer int, writeTimeout time.Duration) *Session {
	if sendBuffer < 1 {
		sendBuffer = 1
	}
	return &Session{
		id:           uuid.NewString(),
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Send queues frame for delivery. It reports false when the session is
// closed or its queue is full.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			if s.writeTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if s.onWriteError != nil {
					s.onWriteError(err)
				}
				s.Close()
				return
			}
		}
	}
}

// Close stops the writer and closes the connection. It is safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
