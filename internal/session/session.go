package session

import (
	"sync/atomic"
	"time"
)

// Session is an authenticated session with the controller. It is owned by
// the Manager and handed out by reference only.
type Session struct {
	id            uint32
	establishedAt time.Time
	sequence      atomic.Uint32
	lastUsed      atomic.Int64
}

func newSession(id, initialSequence uint32, now time.Time) *Session {
	s := &Session{id: id, establishedAt: now}
	s.sequence.Store(initialSequence - 1)
	s.touch(now)

	return s
}

// ID is the controller-assigned session id.
func (s *Session) ID() uint32 { return s.id }

// EstablishedAt is when activation completed.
func (s *Session) EstablishedAt() time.Time { return s.establishedAt }

// Sequence is the sequence number of the most recent request.
func (s *Session) Sequence() uint32 { return s.sequence.Load() }

func (s *Session) next() uint32 { return s.sequence.Add(1) }

func (s *Session) touch(now time.Time) { s.lastUsed.Store(now.UnixNano()) }

func (s *Session) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastUsed.Load()))
}
