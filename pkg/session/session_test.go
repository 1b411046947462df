package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"parley/pkg/fault"
	"parley/pkg/models"
	"parley/pkg/realtime"
)

// fakeStore is an in-memory Store with failure injection and a gate for
// stalling history fetches.
type fakeStore struct {
	mu          sync.Mutex
	threads     map[string]models.Thread
	hist        map[string][]models.Message
	seq         int64
	appendErr   error
	historyGate chan struct{}

	// hub, when set, receives the durable copy before Append returns so
	// tests can race the push feed against the response
	hub *realtime.Hub
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads: make(map[string]models.Thread),
		hist:    make(map[string][]models.Message),
	}
}

func (f *fakeStore) addThread(id, low, high string) {
	f.mu.Lock()
	f.threads[id] = models.Thread{ID: id, Low: low, High: high, CreatedTS: 1}
	f.mu.Unlock()
}

func (f *fakeStore) Thread(ctx context.Context, threadID string) (models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[threadID]
	if !ok {
		return models.Thread{}, fault.ErrNotFound
	}
	return th, nil
}

func (f *fakeStore) History(ctx context.Context, threadID string) ([]models.Message, error) {
	if f.historyGate != nil {
		<-f.historyGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.hist[threadID]...), nil
}

func (f *fakeStore) Append(ctx context.Context, threadID, sender, body string) (models.Message, error) {
	f.mu.Lock()
	if f.appendErr != nil {
		err := f.appendErr
		f.mu.Unlock()
		return models.Message{}, err
	}
	f.seq++
	m := models.Message{
		ID:        fmt.Sprintf("m%04d", f.seq),
		Thread:    threadID,
		Sender:    sender,
		Body:      body,
		CreatedTS: f.seq,
	}
	f.hist[threadID] = append(f.hist[threadID], m)
	hub := f.hub
	f.mu.Unlock()
	if hub != nil {
		hub.Publish(m)
	}
	return m, nil
}

func (f *fakeStore) setAppendErr(err error) {
	f.mu.Lock()
	f.appendErr = err
	f.mu.Unlock()
}

// markRecorder records read acknowledgements.
type markRecorder struct {
	mu      sync.Mutex
	threads []string
}

func (r *markRecorder) MarkRead(ctx context.Context, thread string) {
	r.mu.Lock()
	r.threads = append(r.threads, thread)
	r.mu.Unlock()
}

func (r *markRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpenLoadsHistory(t *testing.T) {
	fs := newFakeStore()
	fs.addThread("t1", "alice", "bob")
	ctx := context.Background()
	_, _ = fs.Append(ctx, "t1", "bob", "hey")
	_, _ = fs.Append(ctx, "t1", "alice", "hi back")

	s := New("alice", fs, nil)
	if err := s.Open(ctx, "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := s.State(); got != Ready {
		t.Fatalf("state = %s, want ready", got)
	}
	msgs := s.Messages()
	if len(msgs) != 2 || msgs[0].Body != "hey" || msgs[1].Body != "hi back" {
		t.Fatalf("history wrong: %+v", msgs)
	}
	for _, e := range msgs {
		if e.Delivery != Confirmed {
			t.Fatalf("history entry not confirmed: %+v", e)
		}
	}
}

func TestOpenRejectsNonParticipant(t *testing.T) {
	fs := newFakeStore()
	fs.addThread("t1", "alice", "bob")

	s := New("mallory", fs, nil)
	err := s.Open(context.Background(), "t1")
	if !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	fs := newFakeStore()
	fs.addThread("t1", "alice", "bob")
	hub := realtime.NewHub(16)
	defer hub.Close()
	fs.hub = hub // the push copy arrives before Append returns

	s := New("alice", fs, hub)
	ctx := context.Background()
	if err := s.Open(ctx, "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	e, err := s.Send(ctx, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if e.Delivery != Confirmed || e.ID == "" || e.Token == "" {
		t.Fatalf("confirmed entry wrong: %+v", e)
	}

	// the optimistic copy and the racing realtime copy collapse to one
	waitFor(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ID == e.ID
	}, "single deduplicated entry")
}

func TestSendEmptyBodyRejectedLocally(t *testing.T) {
	fs := newFakeStore()
	fs.addThread("t1", "alice", "bob")
	s := New("alice", fs, nil)
	ctx := context.Background()
	if err := s.Open(ctx, "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Send(ctx, "  \n "); !errors.Is(err, fault.ErrEmptyBody) {
		t.Fatalf("got %v, want ErrEmptyBody", err)
	}
	if len(s.Messages()) != 0 {
		t.Fatal("rejected send left an entry behind")
	}
}

func TestFailedSendStaysVisibleAndRetries(t *testing.T) {
	fs := newFakeStore()
	fs.addThread("t1", "alice", "bob")
	s := New("alice", fs, nil)
	ctx := context.Background()
	if err := s.Open(ctx, "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	fs.setAppendErr(fault.Transient("save_message", errors.New("disk full")))
	e, err := s.Send(ctx, "important")
	if err == nil {
		t.Fatal("send succeeded despite store failure")
	}
	if e.Delivery != Failed || e.Token == "" {
		t.Fatalf("failed entry wrong: %+v", e)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Delivery != Failed || msgs[0].Body != "important" {
		t.Fatalf("failed send not visible: %+v", msgs)
	}

	fs.setAppendErr(nil)
	e2, err := s.Retry(ctx, e.Token)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e2.Delivery != Confirmed || e2.ID == "" {
		t.Fatalf("retried entry wrong: %+v", e2)
	}
	msgs = s.Messages()
	if len(msgs) != 1 || msgs[0].ID != e2.ID {
		t.Fatalf("retry duplicated the message: %+v", msgs)
	}

	// a second retry of the now-confirmed token is rejected
	if _, err := s.Retry(ctx, e.Token); err == nil {
		t.Fatal("retry of a confirmed send succeeded")
	}
}

func TestRealtimeInsertDuringLoadIsMerged(t *testing.T) {
	fs := newFakeStore()
	fs.addThread("t1", "alice", "bob")
	ctx := context.Background()
	_, _ = fs.Append(ctx, "t1", "bob", "earlier")

	hub := realtime.NewHub(16)
	defer hub.Close()

	gate := make(chan struct{})
	fs.historyGate = gate
	s := New("alice", fs, hub)

	errc := make(chan error, 1)
	go func() { errc <- s.Open(ctx, "t1") }()

	waitFor(t, func() bool { return s.State() == Loading }, "loading state")
	// arrives through the push feed while the history fetch is stalled
	hub.Publish(models.Message{ID: "live1", Thread: "t1", Sender: "bob", Body: "while loading", CreatedTS: 99})
	close(gate)

	if err := <-errc; err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 2 && msgs[1].ID == "live1"
	}, "live insert merged after load")
}

func TestRealtimeInsertSortsIntoPlace(t *testing.T) {
	fs := newFakeStore()
	fs.addThread("t1", "alice", "bob")
	ctx := context.Background()
	_, _ = fs.Append(ctx, "t1", "bob", "one")   // created_ts 1
	_, _ = fs.Append(ctx, "t1", "bob", "two")   // created_ts 2
	_, _ = fs.Append(ctx, "t1", "bob", "three") // created_ts 3

	hub := realtime.NewHub(16)
	defer hub.Close()
	s := New("alice", fs, hub)
	if err := s.Open(ctx, "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	// arrives after newer messages but carries an older timestamp
	hub.Publish(models.Message{ID: "a-early", Thread: "t1", Sender: "bob", Body: "zero", CreatedTS: 0})
	// ties with "two" on created_ts; the id breaks the tie, sorting after
	hub.Publish(models.Message{ID: "z-tied", Thread: "t1", Sender: "bob", Body: "two-and-a-half", CreatedTS: 2})

	waitFor(t, func() bool { return len(s.Messages()) == 5 }, "late inserts merged")

	msgs := s.Messages()
	want := []string{"a-early", "m0001", "m0002", "z-tied", "m0003"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d = %s, want %s (list %+v)", i, msgs[i].ID, id, msgs)
		}
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i-1].Message.Less(msgs[i].Message) {
			t.Fatalf("list not strictly sorted at %d", i)
		}
	}
}

func TestFastThreadSwitchKeepsLatest(t *testing.T) {
	fs := newFakeStore()
	fs.addThread("t1", "alice", "bob")
	fs.addThread("t2", "alice", "carol")
	ctx := context.Background()
	_, _ = fs.Append(ctx, "t1", "bob", "from bob")

	gate := make(chan struct{})
	fs.historyGate = gate
	s := New("alice", fs, nil)

	errc := make(chan error, 1)
	go func() { errc <- s.Open(ctx, "t1") }()
	waitFor(t, func() bool { return s.State() == Loading }, "first load in flight")

	// the second open supersedes the first before its history lands
	go func() { _ = s.Open(ctx, "t2") }()
	waitFor(t, func() bool { return s.Thread() == "t2" }, "thread switched")
	close(gate)

	if err := <-errc; err != nil {
		t.Fatalf("superseded open returned error: %v", err)
	}
	waitFor(t, func() bool { return s.State() == Ready }, "second load ready")
	if s.Thread() != "t2" {
		t.Fatalf("thread = %s, want t2", s.Thread())
	}
	for _, e := range s.Messages() {
		if e.Thread != "t2" {
			t.Fatalf("stale entry from t1 leaked: %+v", e)
		}
	}
}

func TestVisibleSessionAcknowledgesIncoming(t *testing.T) {
	fs := newFakeStore()
	fs.addThread("t1", "alice", "bob")
	hub := realtime.NewHub(16)
	defer hub.Close()

	rec := &markRecorder{}
	s := New("alice", fs, hub, WithReadMarker(rec))
	s.SetVisible(true)
	ctx := context.Background()
	if err := s.Open(ctx, "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	opened := rec.count() // open itself acknowledges once

	hub.Publish(models.Message{ID: "live1", Thread: "t1", Sender: "bob", Body: "ping", CreatedTS: 50})
	waitFor(t, func() bool { return rec.count() == opened+1 }, "incoming acknowledgement")

	// own messages echoed back never re-acknowledge
	hub.Publish(models.Message{ID: "live2", Thread: "t1", Sender: "alice", Body: "echo", CreatedTS: 51})
	waitFor(t, func() bool { return len(s.Messages()) == 2 }, "echo merged")
	if rec.count() != opened+1 {
		t.Fatalf("self-sent echo acknowledged: %d calls", rec.count())
	}
}

func TestClosedSessionIgnoresEverything(t *testing.T) {
	fs := newFakeStore()
	fs.addThread("t1", "alice", "bob")
	hub := realtime.NewHub(16)
	defer hub.Close()

	s := New("alice", fs, hub)
	ctx := context.Background()
	if err := s.Open(ctx, "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Close()

	if got := s.State(); got != Closed {
		t.Fatalf("state = %s, want closed", got)
	}
	hub.Publish(models.Message{ID: "late", Thread: "t1", Sender: "bob", Body: "x", CreatedTS: 9})
	time.Sleep(20 * time.Millisecond)
	if len(s.Messages()) != 0 {
		t.Fatal("closed session merged a late insert")
	}
	if err := s.Open(ctx, "t1"); err == nil {
		t.Fatal("reopening a closed session succeeded")
	}
}
