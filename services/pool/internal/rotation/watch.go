package rotation

import (
	"context"
	"sync"
	"time"

	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/store"
)

// Watch lets issuers wait for an account to leave rotation. State lives in
// the accounts table; local broadcasts only shorten the wait when the
// rotation ran in this process.
type Watch struct {
	store *store.Store
	wait  time.Duration
	poll  time.Duration

	mu      sync.Mutex
	signals map[domain.AccountID]chan struct{}
}

func NewWatch(st *store.Store, wait, poll time.Duration) *Watch {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Watch{store: st, wait: wait, poll: poll, signals: make(map[domain.AccountID]chan struct{})}
}

func (w *Watch) signal(id domain.AccountID) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.signals[id]
	if !ok {
		ch = make(chan struct{})
		w.signals[id] = ch
	}
	return ch
}

// Broadcast wakes every waiter on the account.
func (w *Watch) Broadcast(id domain.AccountID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.signals[id]; ok {
		close(ch)
		delete(w.signals, id)
	}
}

// AwaitStable returns nil once the account is stable. It gives up with
// domain.ErrRotationInProgress after the configured wait and fails at once
// with domain.ErrManualIntervention for parked accounts.
func (w *Watch) AwaitStable(ctx context.Context, id domain.AccountID) error {
	deadline := time.NewTimer(w.wait)
	defer deadline.Stop()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		wake := w.signal(id)
		acct, err := w.store.Accounts().Get(ctx, id)
		if err != nil {
			return err
		}
		switch acct.RotationState {
		case domain.RotationStable:
			return nil
		case domain.RotationManualIntervention:
			return domain.ErrManualIntervention
		}
		if w.wait <= 0 {
			return domain.ErrRotationInProgress
		}
		select {
		case <-wake:
		case <-ticker.C:
		case <-deadline.C:
			return domain.ErrRotationInProgress
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
