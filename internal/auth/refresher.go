package auth

import (
	"context"
	"sync"

	"github.com/viaiv/console/internal/logging"
)

// RenewFunc performs one renewal call against the identity endpoint and
// returns the replacement credential pair. The api package supplies this.
type RenewFunc func(ctx context.Context, refreshToken string) (Credentials, error)

type renewResult struct {
	creds Credentials
	err   error
}

// Refresher is the single-flight renewal coordinator. However many request
// pipelines hit a stale credential concurrently, exactly one renewal network
// call is issued per episode; every other caller is queued and receives the
// same outcome.
type Refresher struct {
	store   *Store
	emitter *LogoutEmitter
	renew   RenewFunc

	mu       sync.Mutex
	inflight bool
	waiters  []chan renewResult // FIFO; drained the instant the renewal settles
}

// NewRefresher creates a coordinator bound to the store and emitter.
func NewRefresher(store *Store, emitter *LogoutEmitter, renew RenewFunc) *Refresher {
	return &Refresher{store: store, emitter: emitter, renew: renew}
}

// EnsureFreshCredentials returns a renewed credential pair. Safe to call
// concurrently: the first caller of an episode owns the network call, later
// callers wait for its outcome. On failure the store is cleared and one
// logout signal is emitted for the whole episode.
func (r *Refresher) EnsureFreshCredentials(ctx context.Context) (Credentials, error) {
	r.mu.Lock()
	if r.inflight {
		ch := make(chan renewResult, 1)
		r.waiters = append(r.waiters, ch)
		r.mu.Unlock()
		select {
		case res := <-ch:
			return res.creds, res.err
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		}
	}
	r.inflight = true
	r.mu.Unlock()

	creds, res := r.runRenewal(ctx)
	r.settle(creds, res)
	return creds, res
}

// runRenewal is executed by the episode owner only.
func (r *Refresher) runRenewal(ctx context.Context) (Credentials, error) {
	current, ok := r.store.Credentials()
	if !ok || current.RefreshToken == "" {
		err := NewError(CodeMissingRefresh, nil)
		r.store.Clear()
		r.emitter.Notify(ReasonMissingRefresh)
		logging.LogRenewal("missing_refresh", err)
		return Credentials{}, err
	}

	// Epoch captured before the network call; a manual logout while the
	// call is in flight bumps it, and the stale result must be discarded.
	epoch := r.store.Epoch()
	r.store.beginRenewal()

	renewed, err := r.renew(ctx, current.RefreshToken)
	if err != nil {
		r.store.finishRenewal(false)
		r.store.Clear()
		r.emitter.Notify(ReasonInvalidRefresh)
		logging.LogRenewal("invalid_refresh", err)
		return Credentials{}, NewError(CodeInvalidRefresh, err)
	}

	if r.store.Epoch() != epoch {
		r.store.abortRenewal()
		logging.LogRenewal("superseded", nil)
		return Credentials{}, ErrSuperseded
	}

	if err := r.store.Replace(renewed); err != nil {
		// The pair is installed in memory even if persistence fails;
		// Replace only returns disk errors after the swap.
		logging.Warn("failed to persist renewed credentials: %v", err)
	}
	r.store.finishRenewal(true)
	logging.LogRenewal("renewed", nil)
	return renewed, nil
}

// settle drains the waiter queue with the episode's outcome.
func (r *Refresher) settle(creds Credentials, err error) {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = nil
	r.inflight = false
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- renewResult{creds: creds, err: err}
	}
}
