// Package ledger tracks per-user unread state: one in-memory total shared
// by every mounted surface, per-thread counts for exact decrements, and a
// reconciliation rule that keeps the displayed total honest across
// refresh races. All mutations are monotonic-safe: while the dock is
// closed the displayed total never decreases except through an explicit
// read action.
package ledger

import (
	"context"
	"sync"

	"parley/pkg/logger"
	"parley/pkg/models"
	"parley/pkg/telemetry"
)

// Procedures are the remote calls the ledger and its surfaces consume.
// Implementations: client.Local (in-process) and client.Remote (HTTP).
type Procedures interface {
	// TotalUnread returns the server-side unread total for user.
	TotalUnread(ctx context.Context, user string) (int, error)
	// MarkRead advances user's read cursor for the thread. Best-effort:
	// a failure leaves the count stale until the next successful call.
	MarkRead(ctx context.Context, thread, user string) error
	// Inbox returns the per-thread projection for user.
	Inbox(ctx context.Context, user string) ([]models.InboxRow, error)
}

// seenLimit bounds the redelivery window: the feed is at-least-once, so
// the ledger remembers this many recent message ids and drops repeats.
const seenLimit = 1024

// Ledger is the single unread-state instance for one user. Inject the
// same instance into every surface; independent copies will diverge.
type Ledger struct {
	user string
	proc Procedures

	mu        sync.Mutex
	total     int
	perThread map[string]int
	open      bool
	watchers  map[uint64]func(int)
	nextWatch uint64
	seen      map[string]struct{}
	seenRing  []string
	seenNext  int
}

func New(user string, proc Procedures) *Ledger {
	return &Ledger{
		user:      user,
		proc:      proc,
		perThread: make(map[string]int),
		watchers:  make(map[uint64]func(int)),
		seen:      make(map[string]struct{}),
	}
}

// User returns the owning user id.
func (l *Ledger) User() string { return l.user }

// Total returns the currently displayed unread total.
func (l *Ledger) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// ThreadUnread returns the tracked unread count for one thread.
func (l *Ledger) ThreadUnread(thread string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perThread[thread]
}

// SetOpen records whether the dock is open. While open, the next Refresh
// snaps the displayed total to ground truth; while closed, Refresh only
// ever raises it.
func (l *Ledger) SetOpen(open bool) {
	l.mu.Lock()
	l.open = open
	l.mu.Unlock()
}

// NoteMessage applies the optimistic increment for an inbound realtime
// insert. Self-sent messages never count as unread, and a message id the
// ledger already counted is ignored: delivery is at-least-once, so dedupe
// is the receiver's job.
func (l *Ledger) NoteMessage(m models.Message) {
	if m.Sender == l.user {
		return
	}
	l.mu.Lock()
	if _, dup := l.seen[m.ID]; dup {
		l.mu.Unlock()
		return
	}
	l.remember(m.ID)
	l.total++
	l.perThread[m.Thread]++
	l.mu.Unlock()
	l.notify()
}

// remember records id in the seen window, evicting the oldest entry once
// the window is full. Caller holds l.mu.
func (l *Ledger) remember(id string) {
	if len(l.seenRing) < seenLimit {
		l.seenRing = append(l.seenRing, id)
	} else {
		delete(l.seen, l.seenRing[l.seenNext])
		l.seenRing[l.seenNext] = id
		l.seenNext = (l.seenNext + 1) % seenLimit
	}
	l.seen[id] = struct{}{}
}

// HydrateThread records the server-reported unread count for a thread,
// typically from inbox rows, so a later MarkRead decrements exactly.
func (l *Ledger) HydrateThread(thread string, unread int) {
	if unread < 0 {
		unread = 0
	}
	l.mu.Lock()
	l.perThread[thread] = unread
	l.mu.Unlock()
}

// MarkRead clears the thread's tracked count from the total exactly once
// (a second call is a no-op until new messages arrive) and advances the
// remote cursor best-effort. The total never goes below zero.
func (l *Ledger) MarkRead(ctx context.Context, thread string) {
	l.mu.Lock()
	n := l.perThread[thread]
	if n > 0 {
		l.total -= n
		if l.total < 0 {
			l.total = 0
		}
		l.perThread[thread] = 0
	}
	l.mu.Unlock()
	if n > 0 {
		l.notify()
	}

	if err := l.proc.MarkRead(ctx, thread, l.user); err != nil {
		// known staleness window: the displayed count and the server
		// cursor diverge until the next successful advance
		logger.Warn("mark_read_failed", "thread", thread, "user", l.user, "error", err)
	}
}

// Refresh fetches the server-side total and reconciles the displayed one:
// ground truth while the dock is open, max(displayed, fetched) while
// closed so a transient refresh race cannot lose the unread signal.
func (l *Ledger) Refresh(ctx context.Context) error {
	fetched, err := l.proc.TotalUnread(ctx, l.user)
	if err != nil {
		logger.Warn("unread_refresh_failed", "user", l.user, "error", err)
		return err
	}
	telemetry.UnreadRefreshes.Inc()
	changed := false
	l.mu.Lock()
	if l.open {
		changed = l.total != fetched
		l.total = fetched
	} else if fetched > l.total {
		l.total = fetched
		changed = true
	}
	l.mu.Unlock()
	if changed {
		l.notify()
	}
	return nil
}

// Name implements reconcile.Task.
func (l *Ledger) Name() string { return "unread_refresh:" + l.user }

// Run implements reconcile.Task.
func (l *Ledger) Run(ctx context.Context) error { return l.Refresh(ctx) }

// Watch registers fn to run after every change to the displayed total,
// with the latest value. The returned func cancels the registration.
func (l *Ledger) Watch(fn func(total int)) func() {
	l.mu.Lock()
	l.nextWatch++
	id := l.nextWatch
	l.watchers[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.watchers, id)
		l.mu.Unlock()
	}
}

func (l *Ledger) notify() {
	l.mu.Lock()
	total := l.total
	fns := make([]func(int), 0, len(l.watchers))
	for _, fn := range l.watchers {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(total)
	}
}
