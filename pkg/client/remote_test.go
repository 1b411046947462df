package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"parley/pkg/api"
	"parley/pkg/auth"
	"parley/pkg/client"
	"parley/pkg/fault"
	"parley/pkg/realtime"
	"parley/pkg/store"
)

func newRemote(t *testing.T, opts ...client.RemoteOption) *client.Remote {
	t.Helper()
	auth.Configure(nil, 0, 0)
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	hub := realtime.NewHub(64)
	srv := httptest.NewServer(api.Handler(hub))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		_ = store.Close()
	})
	return client.NewRemote(srv.URL, opts...)
}

func TestRemoteRoundTrip(t *testing.T) {
	r := newRemote(t, client.WithUser("alice"))
	ctx := context.Background()

	m, err := r.Send(ctx, "alice", "bob", "hello over http")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.ID == "" || m.Thread == "" {
		t.Fatalf("message fields missing: %+v", m)
	}

	th, err := r.Thread(ctx, m.Thread)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if th.Low != "alice" || th.High != "bob" {
		t.Fatalf("thread pair wrong: %+v", th)
	}

	msgs, err := r.History(ctx, m.Thread)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("history wrong: %+v", msgs)
	}

	if _, err := r.Append(ctx, m.Thread, "bob", "reply"); err != nil {
		t.Fatalf("append: %v", err)
	}
	n, err := r.TotalUnread(ctx, "alice")
	if err != nil || n != 1 {
		t.Fatalf("unread = %d, %v; want 1", n, err)
	}

	if err := r.MarkRead(ctx, m.Thread, "alice"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	n, _ = r.TotalUnread(ctx, "alice")
	if n != 0 {
		t.Fatalf("unread after read = %d, want 0", n)
	}

	rows, err := r.Inbox(ctx, "bob")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(rows) != 1 || rows[0].Other != "alice" {
		t.Fatalf("inbox wrong: %+v", rows)
	}
}

func TestRemoteFaultMapping(t *testing.T) {
	r := newRemote(t, client.WithUser("alice"))
	ctx := context.Background()

	if _, err := r.Send(ctx, "alice", "alice", "hi me"); !errors.Is(err, fault.ErrInvalidParticipants) {
		t.Fatalf("self send: got %v", err)
	}
	if _, err := r.Send(ctx, "alice", "bob", "   "); !errors.Is(err, fault.ErrEmptyBody) {
		t.Fatalf("blank body: got %v", err)
	}
	if _, err := r.Thread(ctx, "t0000000000000000000000"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("missing thread: got %v", err)
	}

	m, err := r.Send(ctx, "alice", "bob", "private")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := r.HistoryAs(ctx, m.Thread, "mallory"); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("outsider history: got %v", err)
	}
}
