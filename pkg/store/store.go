// Package store is the persistence collaborator for threads, messages,
// read cursors and profiles. Access is row-level authorized: reads and
// writes are restricted to thread participants. The package keeps a global
// backend handle for simple usage, mirroring how the rest of the service
// is wired; the default backend is pebble, postgres is available via
// SetBackend (see pkg/store/pg).
package store

import (
	"context"
	"fmt"

	"parley/pkg/models"
	"parley/pkg/threadkey"
)

// Backend is the storage contract. All methods classify failures with the
// pkg/fault taxonomy: ErrNotFound for missing rows, ErrUnauthorized for
// non-participants, ErrEmptyBody for blank sends, Transient for backend
// I/O failures (never retried by this layer).
type Backend interface {
	// EnsureThread creates the thread for the canonical pair if it does
	// not exist and returns it. Idempotent: a create attempt colliding
	// with an existing row resolves to that row.
	EnsureThread(ctx context.Context, key threadkey.Key) (models.Thread, error)
	GetThread(ctx context.Context, id string) (models.Thread, error)

	// ListMessages returns the thread history ascending by
	// (created_ts, id). asUser, when non-empty, must be a participant.
	ListMessages(ctx context.Context, threadID, asUser string) ([]models.Message, error)
	// AppendMessage durably appends one message and returns it with the
	// server-assigned id and timestamp.
	AppendMessage(ctx context.Context, threadID, sender, body string) (models.Message, error)

	// MarkRead advances user's read cursor for the thread to now and
	// returns the effective cursor. The cursor never moves backwards, so
	// repeated calls are idempotent with respect to unread counts.
	MarkRead(ctx context.Context, threadID, user string) (int64, error)
	ThreadUnread(ctx context.Context, threadID, user string) (int, error)
	TotalUnread(ctx context.Context, user string) (int, error)

	// Inbox returns one row per thread the user participates in, with the
	// other participant's display attributes, the latest message snapshot
	// and the unread count, newest activity first. No N+1 remote calls.
	Inbox(ctx context.Context, user string) ([]models.InboxRow, error)

	SaveProfile(ctx context.Context, p models.Profile) error
	GetProfile(ctx context.Context, id string) (models.Profile, error)
	ListProfiles(ctx context.Context) ([]models.Profile, error)

	Close() error
}

var backend Backend

// Open opens the default pebble backend at path and installs it as the
// package-global backend.
func Open(path string) error {
	b, err := OpenPebble(path)
	if err != nil {
		return err
	}
	backend = b
	return nil
}

// SetBackend installs an alternative backend (e.g. pg.Open result).
func SetBackend(b Backend) { backend = b }

// Ready reports whether a backend is installed.
func Ready() bool { return backend != nil }

// Close closes the installed backend if present.
func Close() error {
	if backend == nil {
		return nil
	}
	err := backend.Close()
	backend = nil
	return err
}

func active() (Backend, error) {
	if backend == nil {
		return nil, fmt.Errorf("store not opened; call store.Open first")
	}
	return backend, nil
}

func EnsureThread(ctx context.Context, key threadkey.Key) (models.Thread, error) {
	b, err := active()
	if err != nil {
		return models.Thread{}, err
	}
	return b.EnsureThread(ctx, key)
}

func GetThread(ctx context.Context, id string) (models.Thread, error) {
	b, err := active()
	if err != nil {
		return models.Thread{}, err
	}
	return b.GetThread(ctx, id)
}

func ListMessages(ctx context.Context, threadID, asUser string) ([]models.Message, error) {
	b, err := active()
	if err != nil {
		return nil, err
	}
	return b.ListMessages(ctx, threadID, asUser)
}

func AppendMessage(ctx context.Context, threadID, sender, body string) (models.Message, error) {
	b, err := active()
	if err != nil {
		return models.Message{}, err
	}
	return b.AppendMessage(ctx, threadID, sender, body)
}

func MarkRead(ctx context.Context, threadID, user string) (int64, error) {
	b, err := active()
	if err != nil {
		return 0, err
	}
	return b.MarkRead(ctx, threadID, user)
}

func ThreadUnread(ctx context.Context, threadID, user string) (int, error) {
	b, err := active()
	if err != nil {
		return 0, err
	}
	return b.ThreadUnread(ctx, threadID, user)
}

func TotalUnread(ctx context.Context, user string) (int, error) {
	b, err := active()
	if err != nil {
		return 0, err
	}
	return b.TotalUnread(ctx, user)
}

func Inbox(ctx context.Context, user string) ([]models.InboxRow, error) {
	b, err := active()
	if err != nil {
		return nil, err
	}
	return b.Inbox(ctx, user)
}

func SaveProfile(ctx context.Context, p models.Profile) error {
	b, err := active()
	if err != nil {
		return err
	}
	return b.SaveProfile(ctx, p)
}

func GetProfile(ctx context.Context, id string) (models.Profile, error) {
	b, err := active()
	if err != nil {
		return models.Profile{}, err
	}
	return b.GetProfile(ctx, id)
}

func ListProfiles(ctx context.Context) ([]models.Profile, error) {
	b, err := active()
	if err != nil {
		return nil, err
	}
	return b.ListProfiles(ctx)
}
