// Package bus is the per-session progress event bus: one publisher (the
// session's runner), zero or more subscribers, ordered delivery with replay
// of missed events on late subscribe. Publication never blocks the runner:
// a subscriber that cannot keep up is ejected with a lagged mark and is
// expected to reconnect and replay.
package bus

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/deskpilot/internal/types"
)

// ErrUnknownSession is returned by Subscribe when the session has no live
// stream — never registered, or already discarded after the grace window.
// Callers fall through to the history store.
var ErrUnknownSession = errors.New("bus: unknown session")

// Bus owns one stream per live session.
type Bus struct {
	subBuf int
	grace  time.Duration
	log    *zap.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// stream is the single-producer multi-consumer event channel of one session.
// events holds everything published so far; it is the replay source until the
// grace window closes, after which readers use the history store.
type stream struct {
	mu       sync.Mutex
	events   []types.ProgressEvent
	subs     map[*Subscriber]struct{}
	terminal bool
}

// Subscriber is one consumer's private, bounded view of a session stream.
type Subscriber struct {
	ch      chan types.ProgressEvent
	st      *stream
	lastSeq uint64

	closeOnce sync.Once
	lagged    bool
}

// New creates a Bus. subBuf is the per-subscriber live buffer; grace is how
// long a terminated session's events stay replayable.
func New(subBuf int, grace time.Duration, log *zap.Logger) *Bus {
	return &Bus{
		subBuf:  subBuf,
		grace:   grace,
		log:     log,
		streams: make(map[string]*stream),
	}
}

// Register creates the stream for a session so subscribers can attach before
// the first event is published. Idempotent.
func (b *Bus) Register(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[sessionID]; !ok {
		b.streams[sessionID] = &stream{subs: make(map[*Subscriber]struct{})}
	}
}

// Publish appends evt to the session's stream and fans it out. Non-blocking:
// a subscriber whose buffer is full is ejected with a lagged mark rather than
// slowing the publisher. When evt is terminal the stream stops accepting
// publishes, live subscribers are closed, and the events stay replayable for
// the grace window.
func (b *Bus) Publish(evt types.ProgressEvent) {
	b.mu.Lock()
	st, ok := b.streams[evt.SessionID]
	if !ok {
		st = &stream{subs: make(map[*Subscriber]struct{})}
		b.streams[evt.SessionID] = st
	}
	b.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.terminal {
		// Once terminal, no further emission occurs; a publish here is a
		// runner bug, not a subscriber condition.
		b.log.Error("publish after terminal event dropped",
			zap.String("session_id", evt.SessionID), zap.Uint64("sequence", evt.Sequence))
		return
	}
	st.events = append(st.events, evt)

	for sub := range st.subs {
		if evt.Sequence <= sub.lastSeq {
			continue
		}
		select {
		case sub.ch <- evt:
			sub.lastSeq = evt.Sequence
		default:
			sub.lagged = true
			delete(st.subs, sub)
			sub.closeOnce.Do(func() { close(sub.ch) })
			b.log.Warn("slow subscriber ejected",
				zap.String("session_id", evt.SessionID), zap.Uint64("at_sequence", evt.Sequence))
		}
	}

	if evt.Kind.TerminalEvent() {
		st.terminal = true
		for sub := range st.subs {
			delete(st.subs, sub)
			sub.closeOnce.Do(func() { close(sub.ch) })
		}
		sessionID := evt.SessionID
		time.AfterFunc(b.grace, func() { b.drop(sessionID) })
	}
}

// Subscribe attaches to a session's stream. All events published so far are
// replayed in sequence order, then delivery splices to live with no gap and
// no duplicate (replay fill and registration happen under the same stream
// lock). Subscribing to a terminated session within the grace window yields
// the full replay followed by stream close.
func (b *Bus) Subscribe(sessionID string) (*Subscriber, error) {
	b.mu.Lock()
	st, ok := b.streams[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Buffer sized to hold the whole replay plus the live allowance so the
	// replay fill below can never block or overflow.
	sub := &Subscriber{
		ch: make(chan types.ProgressEvent, len(st.events)+b.subBuf),
		st: st,
	}
	for _, evt := range st.events {
		sub.ch <- evt
		sub.lastSeq = evt.Sequence
	}
	if st.terminal {
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub, nil
	}
	st.subs[sub] = struct{}{}
	return sub, nil
}

// Replay returns a copy of every event published so far for a session still
// within its live or grace window.
func (b *Bus) Replay(sessionID string) ([]types.ProgressEvent, error) {
	b.mu.Lock()
	st, ok := b.streams[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]types.ProgressEvent, len(st.events))
	copy(out, st.events)
	return out, nil
}

// drop discards a terminated session's stream after the grace window.
func (b *Bus) drop(sessionID string) {
	b.mu.Lock()
	st, ok := b.streams[sessionID]
	delete(b.streams, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for sub := range st.subs {
		delete(st.subs, sub)
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
}

// Events is the subscriber's receive channel. It is closed on session
// termination, on ejection for lag (check Lagged), and on Close.
func (s *Subscriber) Events() <-chan types.ProgressEvent {
	return s.ch
}

// Lagged reports whether the subscriber was ejected for falling behind.
// Meaningful once Events is closed.
func (s *Subscriber) Lagged() bool {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	return s.lagged
}

// Close detaches the subscriber. Idempotent; never affects session state.
func (s *Subscriber) Close() {
	s.st.mu.Lock()
	delete(s.st.subs, s)
	s.st.mu.Unlock()
	s.closeOnce.Do(func() { close(s.ch) })
}
