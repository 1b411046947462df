package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"parley/pkg/models"
)

// fakeProc is an in-memory Procedures implementation with scriptable
// totals and failure injection.
type fakeProc struct {
	mu        sync.Mutex
	total     int
	markErr   error
	markCalls []string
}

func (f *fakeProc) TotalUnread(ctx context.Context, user string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, nil
}

func (f *fakeProc) MarkRead(ctx context.Context, thread, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls = append(f.markCalls, thread)
	return f.markErr
}

func (f *fakeProc) Inbox(ctx context.Context, user string) ([]models.InboxRow, error) {
	return nil, nil
}

func (f *fakeProc) setTotal(n int) {
	f.mu.Lock()
	f.total = n
	f.mu.Unlock()
}

func msg(id, thread, sender string) models.Message {
	return models.Message{ID: id, Thread: thread, Sender: sender, Body: "x"}
}

func TestNoteMessageIncrementsExceptSelf(t *testing.T) {
	l := New("alice", &fakeProc{})

	l.NoteMessage(msg("m1", "t1", "bob"))
	l.NoteMessage(msg("m2", "t1", "bob"))
	l.NoteMessage(msg("m3", "t2", "carol"))
	l.NoteMessage(msg("m4", "t1", "alice"))

	if got := l.Total(); got != 3 {
		t.Fatalf("total = %d, want 3", got)
	}
	if got := l.ThreadUnread("t1"); got != 2 {
		t.Fatalf("t1 unread = %d, want 2", got)
	}
}

func TestNoteMessageIgnoresRedelivery(t *testing.T) {
	l := New("alice", &fakeProc{})

	// the feed is at-least-once; the same insert may arrive again
	m := msg("m1", "t1", "bob")
	l.NoteMessage(m)
	l.NoteMessage(m)
	l.NoteMessage(m)

	if got := l.Total(); got != 1 {
		t.Fatalf("total = %d, want 1", got)
	}
	if got := l.ThreadUnread("t1"); got != 1 {
		t.Fatalf("t1 unread = %d, want 1", got)
	}

	// a genuinely new id still counts
	l.NoteMessage(msg("m2", "t1", "bob"))
	if got := l.Total(); got != 2 {
		t.Fatalf("total after new id = %d, want 2", got)
	}
}

func TestNoteMessageSeenWindowEvicts(t *testing.T) {
	l := New("alice", &fakeProc{})

	for i := 0; i < seenLimit+10; i++ {
		l.NoteMessage(msg(fmt.Sprintf("m%05d", i), "t1", "bob"))
	}
	if got := l.Total(); got != seenLimit+10 {
		t.Fatalf("total = %d, want %d", got, seenLimit+10)
	}

	// ids inside the window still dedupe, evicted ones count again
	l.NoteMessage(msg(fmt.Sprintf("m%05d", seenLimit+9), "t1", "bob"))
	if got := l.Total(); got != seenLimit+10 {
		t.Fatalf("recent id re-counted: total = %d", got)
	}
	l.NoteMessage(msg("m00000", "t1", "bob"))
	if got := l.Total(); got != seenLimit+11 {
		t.Fatalf("evicted id not re-counted: total = %d", got)
	}
}

func TestMarkReadDecrementsExactlyOnce(t *testing.T) {
	proc := &fakeProc{}
	l := New("alice", proc)
	ctx := context.Background()

	l.NoteMessage(msg("m1", "t1", "bob"))
	l.NoteMessage(msg("m2", "t1", "bob"))
	l.NoteMessage(msg("m3", "t2", "carol"))

	// opening the thread in two surfaces acknowledges twice; the total
	// drops once
	l.MarkRead(ctx, "t1")
	l.MarkRead(ctx, "t1")

	if got := l.Total(); got != 1 {
		t.Fatalf("total = %d, want 1", got)
	}
	if len(proc.markCalls) != 2 {
		t.Fatalf("remote cursor advanced %d times, want 2", len(proc.markCalls))
	}
}

func TestMarkReadNeverGoesNegative(t *testing.T) {
	l := New("alice", &fakeProc{})
	ctx := context.Background()

	l.HydrateThread("t1", 5)
	l.NoteMessage(msg("m1", "t1", "bob")) // total 1, t1 tracked at 6
	l.MarkRead(ctx, "t1")

	if got := l.Total(); got != 0 {
		t.Fatalf("total = %d, want 0", got)
	}
}

func TestMarkReadRemoteFailureKeepsLocalState(t *testing.T) {
	proc := &fakeProc{markErr: errors.New("boom")}
	l := New("alice", proc)
	ctx := context.Background()

	l.NoteMessage(msg("m1", "t1", "bob"))
	l.MarkRead(ctx, "t1")

	// fire-and-forget: the local decrement stands even when the remote
	// cursor advance fails
	if got := l.Total(); got != 0 {
		t.Fatalf("total = %d, want 0", got)
	}
}

func TestRefreshWhileClosedTakesMax(t *testing.T) {
	proc := &fakeProc{}
	l := New("alice", proc)
	ctx := context.Background()

	l.NoteMessage(msg("m1", "t1", "bob"))
	l.NoteMessage(msg("m2", "t2", "bob"))

	// a refresh snapshot taken before the latest insert must not lower
	// the displayed count while the dock is closed
	proc.setTotal(1)
	if err := l.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := l.Total(); got != 2 {
		t.Fatalf("closed refresh lowered total to %d", got)
	}

	proc.setTotal(7)
	_ = l.Refresh(ctx)
	if got := l.Total(); got != 7 {
		t.Fatalf("closed refresh did not raise total: %d", got)
	}
}

func TestRefreshWhileOpenSnapsToGroundTruth(t *testing.T) {
	proc := &fakeProc{}
	l := New("alice", proc)
	ctx := context.Background()

	l.NoteMessage(msg("m1", "t1", "bob"))
	l.NoteMessage(msg("m2", "t2", "bob"))
	l.SetOpen(true)

	proc.setTotal(1)
	if err := l.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := l.Total(); got != 1 {
		t.Fatalf("open refresh total = %d, want 1", got)
	}
}

func TestWatchObservesChanges(t *testing.T) {
	l := New("alice", &fakeProc{})

	var mu sync.Mutex
	var seen []int
	cancel := l.Watch(func(total int) {
		mu.Lock()
		seen = append(seen, total)
		mu.Unlock()
	})

	l.NoteMessage(msg("m1", "t1", "bob"))
	l.NoteMessage(msg("m2", "t1", "bob"))
	cancel()
	l.NoteMessage(msg("m3", "t1", "bob"))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("watcher saw %v, want [1 2]", seen)
	}
}
