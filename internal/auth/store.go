// Package auth owns the bearer credential pair and everything that revolves
// around replacing it: the durable store, the single-flight renewal
// coordinator, and the process-wide logout signal.
//
// The store is the one piece of mutable state shared across arbitrarily many
// concurrent request pipelines. It is only ever replaced wholesale — readers
// get a copy by value and can never observe a half-updated pair.
package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Credentials is the bearer credential pair. AccessToken present means the
// session is considered authenticated.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is an absolute Unix timestamp (seconds). Informational;
	// renewal is driven by 401 responses, not by the clock.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// RenewalState tracks the renewal lifecycle for observability. It never
// gates correctness — the coordinator's own bookkeeping does that.
type RenewalState string

const (
	RenewalIdle     RenewalState = "idle"
	RenewalRenewing RenewalState = "renewing"
	RenewalRenewed  RenewalState = "renewed"
	RenewalExpired  RenewalState = "expired"
)

// renewedDisplayWindow is how long the "renewed" state is shown before
// auto-resetting to idle.
const renewedDisplayWindow = 3 * time.Second

const credentialsFileName = "credentials.json"

// Store holds the current credential pair, the renewal status and the
// session epoch. The pair is persisted to <dataPath>/credentials.json so a
// session survives daemon restarts.
type Store struct {
	mu            sync.Mutex
	creds         *Credentials
	epoch         uint64
	state         RenewalState
	lastRenewedAt time.Time
	resetTimer    *time.Timer
	path          string // empty disables persistence
}

// NewStore creates a store persisting to dataPath, loading any previously
// saved pair. An empty dataPath keeps the store purely in-memory.
func NewStore(dataPath string) (*Store, error) {
	s := &Store{state: RenewalIdle}
	if dataPath == "" {
		return s, nil
	}
	s.path = filepath.Join(dataPath, credentialsFileName)

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		// A corrupt credentials file is treated as logged out.
		return s, nil
	}
	if creds.AccessToken != "" {
		s.creds = &creds
	}
	return s, nil
}

// Credentials returns a copy of the current pair. ok is false when logged out.
func (s *Store) Credentials() (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return Credentials{}, false
	}
	return *s.creds, true
}

// Authenticated reports whether an access credential is present.
func (s *Store) Authenticated() bool {
	_, ok := s.Credentials()
	return ok
}

// Epoch returns the current session epoch. The epoch increments on every
// Clear so that a renewal racing a manual logout can detect it lost.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Replace installs a new credential pair wholesale and persists it.
func (s *Store) Replace(creds Credentials) error {
	s.mu.Lock()
	c := creds
	s.creds = &c
	path := s.path
	s.mu.Unlock()

	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Clear removes the credential pair, bumps the session epoch and deletes the
// persisted file. Idempotent.
func (s *Store) Clear() {
	s.mu.Lock()
	s.creds = nil
	s.epoch++
	path := s.path
	s.mu.Unlock()

	if path != "" {
		os.Remove(path)
	}
}

// RenewalStatus returns the current renewal state and the time of the last
// successful renewal (zero if never).
func (s *Store) RenewalStatus() (RenewalState, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastRenewedAt
}

// beginRenewal transitions idle→renewing.
func (s *Store) beginRenewal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
	s.state = RenewalRenewing
}

// abortRenewal resets the renewal state without marking it expired. Used
// when a renewal result is discarded because the session epoch moved on.
func (s *Store) abortRenewal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == RenewalRenewing {
		s.state = RenewalIdle
	}
}

// finishRenewal settles the renewal state. On success the state shows
// "renewed" for a short display window, then falls back to idle.
func (s *Store) finishRenewal(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !success {
		s.state = RenewalExpired
		return
	}
	s.state = RenewalRenewed
	s.lastRenewedAt = time.Now()
	if s.resetTimer != nil {
		s.resetTimer.Stop()
	}
	s.resetTimer = time.AfterFunc(renewedDisplayWindow, func() {
		s.mu.Lock()
		if s.state == RenewalRenewed {
			s.state = RenewalIdle
		}
		s.mu.Unlock()
	})
}
