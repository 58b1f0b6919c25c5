package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/viaiv/console/internal/logging"
)

// State is the supervisor's connection state for the current binding.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
	StateFailed       State = "failed"
)

// ErrNotConnected is returned by Send/SendCancel when no channel is live.
var ErrNotConnected = errors.New("stream: not connected")

// ErrNothingBound is returned by ManualRetry with no conversation selected.
var ErrNothingBound = errors.New("stream: no conversation bound")

// Config tunes the supervisor. Zero values fall back to the defaults
// (1s base delay, 5 retries, 30s heartbeat).
type Config struct {
	StreamBaseURL string
	Heartbeat     time.Duration
	BaseDelay     time.Duration
	MaxRetries    int
}

const (
	defaultBaseDelay  = time.Second
	defaultMaxRetries = 5
	defaultHeartbeat  = 30 * time.Second
)

// TokenFunc supplies the current access credential for the handshake.
type TokenFunc func() (string, bool)

// EventHandler consumes ordered protocol events for the bound conversation.
type EventHandler func(conversationID string, ev Event)

// conn is the slice of Channel the supervisor depends on.
type conn interface {
	Send(content string) error
	SendCancel() error
	Close()
}

// dialFunc opens one channel. Swapped out in tests.
type dialFunc func(ctx context.Context, conversationID, accessToken string, cbs Callbacks) (conn, error)

// timerHandle lets tests substitute scheduled retries.
type timerHandle interface{ Stop() bool }

type afterFunc func(d time.Duration, f func()) timerHandle

// Status is a snapshot for the local API.
type Status struct {
	State          State      `json:"state"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
}

// Supervisor owns the channel lifecycle for one conversation binding at a
// time: disconnected → connecting → connected, with backoff(n) → connecting
// on closure while n ≤ MaxRetries, then failed (terminal until ManualRetry).
// Switching conversations silently cancels any pending backoff timer; a
// scheduled retry only fires if its binding is still the current one.
type Supervisor struct {
	cfg     Config
	token   TokenFunc
	onEvent EventHandler
	dial    dialFunc
	after   afterFunc

	mu             sync.Mutex
	state          State
	conversationID string
	attempts       int
	seq            uint64 // binding epoch; bumped on every Bind/Unbind/ManualRetry
	timer          timerHandle
	ch             conn
	lastErr        error
	connectedAt    *time.Time
}

// NewSupervisor creates a supervisor in the disconnected state.
func NewSupervisor(cfg Config, token TokenFunc, onEvent EventHandler) *Supervisor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	s := &Supervisor{
		cfg:     cfg,
		token:   token,
		onEvent: onEvent,
		state:   StateDisconnected,
	}
	s.dial = s.dialChannel
	s.after = func(d time.Duration, f func()) timerHandle { return time.AfterFunc(d, f) }
	return s
}

func (s *Supervisor) dialChannel(ctx context.Context, conversationID, accessToken string, cbs Callbacks) (conn, error) {
	return Dial(ctx, s.cfg.StreamBaseURL, conversationID, accessToken, s.cfg.Heartbeat, cbs)
}

// Bind selects a conversation and opens its channel. Rebinding to a new
// conversation tears the old channel down first; no event from it reaches
// the new binding.
func (s *Supervisor) Bind(conversationID string) {
	s.mu.Lock()
	if s.conversationID == conversationID && s.state != StateDisconnected && s.state != StateFailed {
		s.mu.Unlock()
		return
	}
	s.seq++
	seq := s.seq
	s.cancelTimerLocked()
	old := s.ch
	s.ch = nil
	s.conversationID = conversationID
	s.attempts = 0
	s.lastErr = nil
	s.connectedAt = nil
	s.state = StateConnecting
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	logging.LogStream("bind", conversationID, "")
	go s.connect(seq, conversationID)
}

// Unbind tears down the current binding and returns to disconnected.
func (s *Supervisor) Unbind() {
	s.mu.Lock()
	s.seq++
	s.cancelTimerLocked()
	old := s.ch
	s.ch = nil
	convID := s.conversationID
	s.conversationID = ""
	s.attempts = 0
	s.lastErr = nil
	s.connectedAt = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if convID != "" {
		logging.LogStream("unbind", convID, "")
	}
}

// ManualRetry cancels any pending timer, resets the attempt counter and
// dials immediately. This is the escape hatch after retries are exhausted.
func (s *Supervisor) ManualRetry() error {
	s.mu.Lock()
	if s.conversationID == "" {
		s.mu.Unlock()
		return ErrNothingBound
	}
	s.seq++
	seq := s.seq
	s.cancelTimerLocked()
	old := s.ch
	s.ch = nil
	s.attempts = 0
	s.lastErr = nil
	s.connectedAt = nil
	convID := s.conversationID
	s.state = StateConnecting
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	logging.LogStream("manual_retry", convID, "")
	go s.connect(seq, convID)
	return nil
}

// Send pushes a user message over the live channel.
func (s *Supervisor) Send(content string) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Send(content)
}

// SendCancel requests cancellation of the active generation.
func (s *Supervisor) SendCancel() error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.SendCancel()
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:          s.state,
		ConversationID: s.conversationID,
		Attempts:       s.attempts,
		ConnectedAt:    s.connectedAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// connect performs one dial for the given binding epoch.
func (s *Supervisor) connect(seq uint64, conversationID string) {
	token, ok := s.token()
	if !ok {
		s.connectFailed(seq, errors.New("no access credential"))
		return
	}

	cbs := Callbacks{
		OnEvent: func(ev Event) { s.handleEvent(seq, conversationID, ev) },
		OnClose: func(err error) { s.handleClose(seq, err) },
	}

	ch, err := s.dial(context.Background(), conversationID, token, cbs)

	s.mu.Lock()
	if s.seq != seq {
		s.mu.Unlock()
		if err == nil {
			ch.Close()
		}
		return
	}
	if err != nil {
		s.scheduleRetryLocked(err)
		s.mu.Unlock()
		return
	}
	s.ch = ch
	s.state = StateConnected
	s.attempts = 0
	s.lastErr = nil
	now := time.Now()
	s.connectedAt = &now
	s.mu.Unlock()

	logging.LogStream("connected", conversationID, "")
}

func (s *Supervisor) connectFailed(seq uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq != seq {
		return
	}
	s.scheduleRetryLocked(err)
}

// handleEvent forwards protocol events for the current binding only.
func (s *Supervisor) handleEvent(seq uint64, conversationID string, ev Event) {
	s.mu.Lock()
	current := s.seq == seq
	s.mu.Unlock()
	if !current || s.onEvent == nil {
		return
	}
	s.onEvent(conversationID, ev)
}

// handleClose reacts to a transport-level closure of the live channel.
func (s *Supervisor) handleClose(seq uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq != seq {
		return
	}
	s.ch = nil
	s.connectedAt = nil
	logging.LogStream("closed", s.conversationID, fmt.Sprintf("err=%v", err))
	s.scheduleRetryLocked(err)
}

// scheduleRetryLocked applies the backoff schedule: delay(n) = base * 2^(n-1)
// for attempt n, up to MaxRetries, after which the state is terminal.
// Callers hold s.mu.
func (s *Supervisor) scheduleRetryLocked(err error) {
	s.lastErr = err
	n := s.attempts + 1
	if n > s.cfg.MaxRetries {
		s.state = StateFailed
		logging.LogStream("failed", s.conversationID, fmt.Sprintf("retries exhausted after %d attempts", s.attempts))
		return
	}
	s.attempts = n
	s.state = StateBackoff

	delay := s.cfg.BaseDelay << uint(n-1)
	seq := s.seq
	convID := s.conversationID
	s.timer = s.after(delay, func() { s.fireRetry(seq, convID) })
	logging.LogStream("backoff", convID, fmt.Sprintf("attempt %d in %s", n, delay))
}

// fireRetry runs when a backoff timer elapses. The binding captured at
// schedule time must still be current, otherwise the retry is dropped
// silently.
func (s *Supervisor) fireRetry(seq uint64, conversationID string) {
	s.mu.Lock()
	if s.seq != seq || s.conversationID != conversationID {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.state = StateConnecting
	s.mu.Unlock()

	s.connect(seq, conversationID)
}

func (s *Supervisor) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
