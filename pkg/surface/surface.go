// Package surface keeps the independently mounted presentations of
// messaging state (the floating dock widget and the full-page inbox) from
// diverging. Every surface shares the one Ledger instance and the one
// realtime hub owned by the Manager; a mutation performed through one
// surface reaches the other on its next render pass by re-querying the
// inbox procedure and the ledger, never by trusting a stale local cache.
package surface

import (
	"context"
	"fmt"
	"sync"

	"parley/pkg/ledger"
	"parley/pkg/logger"
	"parley/pkg/models"
	"parley/pkg/realtime"
)

// Kind names a mounted presentation. At most one surface per kind.
type Kind string

const (
	Dock Kind = "dock"
	Page Kind = "page"
)

// Sender issues sends. Sends are scoped to the surface that issued them;
// reads are always safe to duplicate across surfaces.
type Sender interface {
	Send(ctx context.Context, from, to, body string) (models.Message, error)
}

// Manager owns the shared unread ledger and realtime wiring for one user
// and hands out surfaces.
type Manager struct {
	user   string
	hub    *realtime.Hub
	led    *ledger.Ledger
	proc   ledger.Procedures
	sender Sender

	mu        sync.Mutex
	surfaces  map[Kind]*Surface
	ledgerSub *realtime.Subscription
}

// NewManager builds the per-user synchronizer. One hub subscription feeds
// the ledger's optimistic increment; surfaces get their own invalidation
// subscriptions when mounted.
func NewManager(user string, hub *realtime.Hub, proc ledger.Procedures, sender Sender) *Manager {
	m := &Manager{
		user:     user,
		hub:      hub,
		led:      ledger.New(user, proc),
		proc:     proc,
		sender:   sender,
		surfaces: make(map[Kind]*Surface),
	}
	if hub != nil {
		m.ledgerSub = hub.Subscribe(func(ev *realtime.Event) {
			m.led.NoteMessage(ev.Message)
		})
	}
	return m
}

// Ledger returns the shared unread ledger.
func (m *Manager) Ledger() *ledger.Ledger { return m.led }

// Mount attaches a surface of the given kind. Mounting an already-mounted
// kind is an error; the existing surface must be unmounted first.
func (m *Manager) Mount(kind Kind) (*Surface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.surfaces[kind]; ok {
		return nil, fmt.Errorf("surface %s already mounted", kind)
	}
	s := &Surface{kind: kind, mgr: m, dirty: true}
	if m.hub != nil {
		s.sub = m.hub.Subscribe(func(ev *realtime.Event) { s.Invalidate() })
	}
	s.unwatch = m.led.Watch(func(int) { s.Invalidate() })
	m.surfaces[kind] = s
	logger.Debug("surface_mounted", "kind", string(kind), "user", m.user)
	return s, nil
}

// Unmount releases the surface's subscriptions. Skipping this leaks the
// subscription and keeps delivering to a dead handler.
func (m *Manager) Unmount(kind Kind) {
	m.mu.Lock()
	s, ok := m.surfaces[kind]
	delete(m.surfaces, kind)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.release()
	logger.Debug("surface_unmounted", "kind", string(kind), "user", m.user)
}

// Close unmounts everything and detaches the ledger feed.
func (m *Manager) Close() {
	m.mu.Lock()
	surfaces := m.surfaces
	m.surfaces = make(map[Kind]*Surface)
	sub := m.ledgerSub
	m.ledgerSub = nil
	m.mu.Unlock()
	for _, s := range surfaces {
		s.release()
	}
	if sub != nil {
		sub.Close()
	}
}

// View is one render pass's consistent snapshot.
type View struct {
	Rows  []models.InboxRow
	Badge int
}

// Surface is one mounted presentation. It caches inbox rows locally but
// invalidates the cache on every hub event and ledger change, so the next
// Render re-derives state instead of drifting.
type Surface struct {
	kind    Kind
	mgr     *Manager
	sub     *realtime.Subscription
	unwatch func()

	mu     sync.Mutex
	rows   []models.InboxRow
	dirty  bool
	closed bool
}

// Kind returns the surface kind.
func (s *Surface) Kind() Kind { return s.kind }

// Invalidate marks the local cache stale; the next Render re-queries.
func (s *Surface) Invalidate() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Render returns the current view, refreshing the inbox cache when it is
// stale. The badge always comes from the shared ledger's latest value,
// never from a captured snapshot.
func (s *Surface) Render(ctx context.Context) (View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, fmt.Errorf("surface %s unmounted", s.kind)
	}
	needsFetch := s.dirty || s.rows == nil
	s.mu.Unlock()

	if needsFetch {
		rows, err := s.mgr.proc.Inbox(ctx, s.mgr.user)
		if err != nil {
			// degrade to the last good rows; freshness is non-critical
			logger.Warn("inbox_refresh_failed", "kind", string(s.kind), "error", err)
		} else {
			for _, r := range rows {
				s.mgr.led.HydrateThread(r.Thread, r.Unread)
			}
			s.mu.Lock()
			s.rows = rows
			s.dirty = false
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	out := make([]models.InboxRow, len(s.rows))
	copy(out, s.rows)
	s.mu.Unlock()
	return View{Rows: out, Badge: s.mgr.led.Total()}, nil
}

// Send issues a message from this surface. Other surfaces observe it via
// the realtime feed and their next render pass.
func (s *Surface) Send(ctx context.Context, to, body string) (models.Message, error) {
	m, err := s.mgr.sender.Send(ctx, s.mgr.user, to, body)
	if err != nil {
		return models.Message{}, err
	}
	s.Invalidate()
	return m, nil
}

// SetOpen flips the dock open/closed policy on the shared ledger. Opening
// snaps the badge to ground truth immediately.
func (s *Surface) SetOpen(ctx context.Context, open bool) {
	s.mgr.led.SetOpen(open)
	if open {
		// best-effort; a failure leaves the monotonic closed-state value
		_ = s.mgr.led.Refresh(ctx)
	}
}

// ReadThread acknowledges a thread the user viewed in this surface. Safe
// to call repeatedly; the ledger decrements exactly once.
func (s *Surface) ReadThread(ctx context.Context, thread string) {
	s.mgr.led.MarkRead(ctx, thread)
	s.Invalidate()
}

func (s *Surface) release() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.sub != nil {
		s.sub.Close()
	}
	if s.unwatch != nil {
		s.unwatch()
	}
}
