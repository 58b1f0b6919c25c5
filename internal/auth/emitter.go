package auth

import (
	"sync"
	"time"
)

// LogoutReason explains why the session ended.
type LogoutReason string

const (
	ReasonManual         LogoutReason = "manual"
	ReasonSessionExpired LogoutReason = "session_expired"
	ReasonMissingRefresh LogoutReason = "missing_refresh_token"
	ReasonInvalidRefresh LogoutReason = "invalid_refresh"
)

// LogoutSignal is delivered to every subscriber when the session ends.
type LogoutSignal struct {
	Reason LogoutReason `json:"reason"`
	At     time.Time    `json:"at"`
}

// LogoutEmitter fans a logout signal out to any number of listeners with no
// ordering guarantee between them. Notify never blocks: a subscriber that
// falls behind misses intermediate signals rather than stalling the caller.
type LogoutEmitter struct {
	mu   sync.Mutex
	subs []chan LogoutSignal
	last *LogoutSignal
}

// NewLogoutEmitter creates an emitter with no subscribers.
func NewLogoutEmitter() *LogoutEmitter {
	return &LogoutEmitter{}
}

// Subscribe registers a listener. The channel is buffered so a slow consumer
// cannot block Notify.
func (e *LogoutEmitter) Subscribe() chan LogoutSignal {
	ch := make(chan LogoutSignal, 8)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (e *LogoutEmitter) Unsubscribe(ch chan LogoutSignal) {
	e.mu.Lock()
	for i, s := range e.subs {
		if s == ch {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	close(ch)
}

// Notify emits a logout signal to all subscribers. Fire-and-forget.
func (e *LogoutEmitter) Notify(reason LogoutReason) {
	sig := LogoutSignal{Reason: reason, At: time.Now()}
	e.mu.Lock()
	e.last = &sig
	subs := make([]chan LogoutSignal, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

// Last returns the most recent signal, if any. Used by the status API.
func (e *LogoutEmitter) Last() (LogoutSignal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return LogoutSignal{}, false
	}
	return *e.last, true
}
