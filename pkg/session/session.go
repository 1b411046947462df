// Package session is the per-open-conversation coordinator. It merges the
// three sources of a thread's message list (history fetch, optimistic
// local sends, realtime inserts) into one list kept sorted by
// (created_ts, id), deduplicates by durable id, and drives the read
// cursor. Optimistic sends are tracked as pending entries keyed by a
// client-generated correlation token until the server-assigned id is
// known; the realtime copy of the same message then collapses onto it.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/pkg/fault"
	"parley/pkg/models"
	"parley/pkg/realtime"
	"parley/pkg/telemetry"
)

// State is the coordinator lifecycle:
// Idle -> Loading -> Ready -> (Sending|Receiving)* -> Ready -> Closed.
type State string

const (
	Idle      State = "idle"
	Loading   State = "loading"
	Ready     State = "ready"
	Sending   State = "sending"
	Receiving State = "receiving"
	Closed    State = "closed"
)

// Delivery is the local state machine of one pending message.
type Delivery string

const (
	Pending   Delivery = "pending"
	Confirmed Delivery = "confirmed"
	Failed    Delivery = "failed"
)

// Entry is one rendered list item. Locally originated entries carry the
// correlation token; Failed entries stay visible with a retry affordance.
type Entry struct {
	models.Message
	Token    string
	Delivery Delivery
}

// Store is the message store adapter consumed by the session.
type Store interface {
	Thread(ctx context.Context, threadID string) (models.Thread, error)
	History(ctx context.Context, threadID string) ([]models.Message, error)
	Append(ctx context.Context, threadID, sender, body string) (models.Message, error)
}

// Profiles is the read-only profile directory.
type Profiles interface {
	Lookup(ctx context.Context, id string) (models.Profile, error)
}

// ReadMarker advances the viewing user's read cursor. *ledger.Ledger
// satisfies it; calls are best-effort.
type ReadMarker interface {
	MarkRead(ctx context.Context, thread string)
}

// Session coordinates one open conversation for one user.
type Session struct {
	user     string
	store    Store
	profiles Profiles
	marker   ReadMarker
	hub      *realtime.Hub
	settle   time.Duration

	mu       sync.Mutex
	state    State
	gen      uint64
	thread   string
	other    models.Profile
	entries  []Entry
	ids      map[string]struct{}
	pending  int
	visible  bool
	sub      *realtime.Subscription
	onChange func()
}

// Option configures a Session.
type Option func(*Session)

// WithSettleDelay sets the delay between the history load finishing and
// the automatic read-cursor advance, so the surface can render before the
// badge clears. A UX policy only; zero means immediate.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Session) { s.settle = d }
}

// WithReadMarker wires the unread ledger for automatic cursor advances.
func WithReadMarker(m ReadMarker) Option {
	return func(s *Session) { s.marker = m }
}

// WithProfiles wires the profile directory for the other participant's
// display snapshot.
func WithProfiles(p Profiles) Option {
	return func(s *Session) { s.profiles = p }
}

// WithOnChange registers a render hook invoked after every list or state
// mutation.
func WithOnChange(fn func()) Option {
	return func(s *Session) { s.onChange = fn }
}

// New creates an Idle session for user. hub may be nil when no realtime
// feed is available; the session then only sees history and local sends.
func New(user string, store Store, hub *realtime.Hub, opts ...Option) *Session {
	s := &Session{
		user:  user,
		store: store,
		hub:   hub,
		state: Idle,
		ids:   make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 && s.state == Ready {
		return Sending
	}
	return s.state
}

// Thread returns the open thread id.
func (s *Session) Thread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread
}

// Other returns the other participant's profile snapshot.
func (s *Session) Other() models.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.other
}

// Messages returns a snapshot of the merged, ordered list.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// Open loads the thread and transitions Idle/Closed -> Loading -> Ready.
// Opening a new thread supersedes any in-flight load: a slow history
// fetch for the previous thread cannot overwrite the new state. Realtime
// inserts arriving while the load is in flight are merged uniformly.
func (s *Session) Open(ctx context.Context, threadID string) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	s.gen++
	gen := s.gen
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
	s.thread = threadID
	s.entries = nil
	s.ids = make(map[string]struct{})
	s.pending = 0
	s.other = models.Profile{}
	s.state = Loading
	s.mu.Unlock()
	s.changed()

	// subscribe before fetching history so an insert racing the load is
	// not lost; the merge dedupes any overlap
	if s.hub != nil {
		sub := s.hub.Subscribe(func(ev *realtime.Event) {
			s.handleInsert(gen, ev.Message)
		})
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			sub.Close()
			return nil
		}
		s.sub = sub
		s.mu.Unlock()
	}

	th, err := s.store.Thread(ctx, threadID)
	if err == nil && !th.HasParticipant(s.user) {
		err = fault.ErrUnauthorized
	}
	var hist []models.Message
	if err == nil {
		hist, err = s.store.History(ctx, threadID)
	}

	s.mu.Lock()
	if s.gen != gen {
		// superseded by a newer Open or Close
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.state = Idle
		if s.sub != nil {
			s.sub.Close()
			s.sub = nil
		}
		s.mu.Unlock()
		s.changed()
		return fmt.Errorf("load thread %s: %w", threadID, err)
	}
	for _, m := range hist {
		s.mergeLocked(m)
	}
	s.state = Ready
	visible := s.visible
	s.mu.Unlock()
	s.changed()

	if s.profiles != nil {
		if p, perr := s.profiles.Lookup(ctx, th.Other(s.user)); perr == nil {
			s.mu.Lock()
			if s.gen == gen {
				s.other = p
			}
			s.mu.Unlock()
		}
	}

	if s.marker != nil && visible {
		s.settleMarkRead(gen, threadID)
	}
	return nil
}

// settleMarkRead advances the cursor after the settle delay, unless the
// session moved on or was hidden in the meantime.
func (s *Session) settleMarkRead(gen uint64, threadID string) {
	if s.settle <= 0 {
		s.marker.MarkRead(context.Background(), threadID)
		return
	}
	time.AfterFunc(s.settle, func() {
		s.mu.Lock()
		ok := s.gen == gen && s.visible
		s.mu.Unlock()
		if ok {
			s.marker.MarkRead(context.Background(), threadID)
		}
	})
}

// SetVisible records whether the surface showing this session is
// visible. Becoming visible on a Ready session acknowledges the thread.
func (s *Session) SetVisible(v bool) {
	s.mu.Lock()
	s.visible = v
	ready := s.state == Ready
	thread := s.thread
	s.mu.Unlock()
	if v && ready && s.marker != nil {
		s.marker.MarkRead(context.Background(), thread)
	}
}

// mergeLocked inserts m at its sorted (created_ts, id) position unless an
// entry with the same id is already present. This is the dedupe
// invariant: the optimistic copy and the realtime copy of one logical
// message collapse to a single rendered entry.
func (s *Session) mergeLocked(m models.Message) bool {
	if _, dup := s.ids[m.ID]; dup {
		return false
	}
	s.ids[m.ID] = struct{}{}
	e := Entry{Message: m, Delivery: Confirmed}
	i := sort.Search(len(s.entries), func(i int) bool { return m.Less(s.entries[i].Message) })
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	return true
}

// handleInsert routes one realtime event into the session.
func (s *Session) handleInsert(gen uint64, m models.Message) {
	s.mu.Lock()
	if s.gen != gen || m.Thread != s.thread || s.state == Closed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = Receiving
	added := s.mergeLocked(m)
	s.state = prev
	ack := added && m.Sender != s.user && s.visible && s.marker != nil
	thread := s.thread
	s.mu.Unlock()

	if added {
		s.changed()
	}
	if ack {
		// the viewer is looking at the thread right now
		s.marker.MarkRead(context.Background(), thread)
	}
}

func (s *Session) findToken(token string) int {
	for i := range s.entries {
		if s.entries[i].Token == token {
			return i
		}
	}
	return -1
}

func (s *Session) removeAt(i int) {
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

// Send validates and optimistically appends body, then persists it. On
// failure the optimistic entry is marked Failed and stays visible; there
// is no silent retry. The returned entry carries the correlation token
// for Retry.
func (s *Session) Send(ctx context.Context, body string) (Entry, error) {
	if strings.TrimSpace(body) == "" {
		return Entry{}, fault.ErrEmptyBody
	}
	s.mu.Lock()
	if s.state != Ready {
		st := s.state
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("session not ready (state %s)", st)
	}
	token := uuid.NewString()
	e := Entry{
		Message: models.Message{
			Thread:    s.thread,
			Sender:    s.user,
			Body:      body,
			CreatedTS: time.Now().UTC().UnixNano(),
		},
		Token:    token,
		Delivery: Pending,
	}
	i := sort.Search(len(s.entries), func(i int) bool { return e.Message.Less(s.entries[i].Message) })
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	s.mu.Unlock()
	s.changed()

	return s.dispatch(ctx, token, body)
}

// Retry re-sends a Failed entry. The entry flips back to Pending and the
// merge path guarantees the retried message is not duplicated.
func (s *Session) Retry(ctx context.Context, token string) (Entry, error) {
	s.mu.Lock()
	i := s.findToken(token)
	if i < 0 {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("unknown send token %s: %w", token, fault.ErrNotFound)
	}
	if s.entries[i].Delivery != Failed {
		d := s.entries[i].Delivery
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("send %s is %s, not retryable", token, d)
	}
	s.entries[i].Delivery = Pending
	body := s.entries[i].Body
	s.mu.Unlock()
	s.changed()

	return s.dispatch(ctx, token, body)
}

// dispatch runs the append for the pending entry identified by token and
// reconciles the result against the realtime stream.
func (s *Session) dispatch(ctx context.Context, token, body string) (Entry, error) {
	s.mu.Lock()
	gen := s.gen
	thread := s.thread
	s.pending++
	s.mu.Unlock()

	m, err := s.store.Append(ctx, thread, s.user, body)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return Entry{}, nil
	}
	s.pending--
	if err != nil {
		out := Entry{Token: token, Delivery: Failed}
		if i := s.findToken(token); i >= 0 {
			s.entries[i].Delivery = Failed
			out = s.entries[i]
		}
		s.mu.Unlock()
		s.changed()
		telemetry.SendFailures.Inc()
		return out, err
	}

	// the durable copy may already have arrived through the push feed;
	// either way exactly one entry for m.ID remains
	if i := s.findToken(token); i >= 0 {
		s.removeAt(i)
	}
	s.mergeLocked(m)
	out := Entry{Message: m, Token: token, Delivery: Confirmed}
	if i := s.findMessage(m.ID); i >= 0 {
		s.entries[i].Token = token
		out = s.entries[i]
	}
	s.mu.Unlock()
	s.changed()
	return out, nil
}

func (s *Session) findMessage(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// Close tears the session down and releases its subscription. Any
// in-flight load or send for this session is ignored when it completes.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.state = Closed
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	s.changed()
}
