// Package client binds the external collaborator interfaces (message
// store, inbox aggregation, mark-read, total-unread, profile directory)
// either to the in-process store (Local) or to a remote parleyd over HTTP
// (Remote).
package client

import (
	"context"

	"parley/pkg/config"
	"parley/pkg/models"
	"parley/pkg/realtime"
	"parley/pkg/session"
	"parley/pkg/store"
	"parley/pkg/threadkey"
)

// Local serves the collaborator procedures directly from pkg/store and
// publishes durable inserts to the hub. It satisfies session.Store,
// session.Profiles, ledger.Procedures and surface.Sender.
type Local struct {
	hub *realtime.Hub
}

// NewLocal wires the local binding. hub may be nil; inserts are then not
// fanned out.
func NewLocal(hub *realtime.Hub) *Local {
	return &Local{hub: hub}
}

func (l *Local) Thread(ctx context.Context, threadID string) (models.Thread, error) {
	return store.GetThread(ctx, threadID)
}

func (l *Local) History(ctx context.Context, threadID string) ([]models.Message, error) {
	return store.ListMessages(ctx, threadID, "")
}

// Append durably persists one message and fans it out. The caller owns
// retries; append itself never retries, so a duplicate send can only come
// from the caller and is collapsed by the receivers' dedupe.
func (l *Local) Append(ctx context.Context, threadID, sender, body string) (models.Message, error) {
	m, err := store.AppendMessage(ctx, threadID, sender, body)
	if err != nil {
		return models.Message{}, err
	}
	if l.hub != nil {
		l.hub.Publish(m)
	}
	return m, nil
}

// Send resolves (or idempotently creates) the thread for the pair and
// appends body to it.
func (l *Local) Send(ctx context.Context, from, to, body string) (models.Message, error) {
	key, err := threadkey.Resolve(from, to)
	if err != nil {
		return models.Message{}, err
	}
	th, err := store.EnsureThread(ctx, key)
	if err != nil {
		return models.Message{}, err
	}
	return l.Append(ctx, th.ID, from, body)
}

func (l *Local) TotalUnread(ctx context.Context, user string) (int, error) {
	return store.TotalUnread(ctx, user)
}

func (l *Local) MarkRead(ctx context.Context, thread, user string) error {
	_, err := store.MarkRead(ctx, thread, user)
	return err
}

func (l *Local) Inbox(ctx context.Context, user string) ([]models.InboxRow, error) {
	return store.Inbox(ctx, user)
}

func (l *Local) Lookup(ctx context.Context, id string) (models.Profile, error) {
	return store.GetProfile(ctx, id)
}

// NewSession builds a conversation coordinator for user backed by this
// client, applying the service session policy from cfg (session.settle_ms
// becomes the settle delay). Extra opts are applied after the policy and
// may override it.
func (l *Local) NewSession(user string, cfg *config.Config, opts ...session.Option) *session.Session {
	base := []session.Option{session.WithProfiles(l)}
	if cfg != nil {
		if d := cfg.SettleDelay(); d > 0 {
			base = append(base, session.WithSettleDelay(d))
		}
	}
	return session.New(user, l, l.hub, append(base, opts...)...)
}
