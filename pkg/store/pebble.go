package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"parley/pkg/fault"
	"parley/pkg/logger"
	"parley/pkg/models"
	"parley/pkg/telemetry"
	"parley/pkg/threadkey"
)

// Key layout:
//
//	thread:<id>                       thread metadata (JSON)
//	thread:<id>:msg:<ts20>-<seq6>     message (JSON), naturally ordered
//	cursor:<thread>:<user>            read-through timestamp (ns, decimal)
//	user:<id>:thread:<threadID>       participation index (value: threadID)
//	profile:<id>                      profile (JSON)
type PebbleBackend struct {
	db   *pebble.DB
	path string

	// mu serializes read-modify-write sections (thread upsert, cursor
	// advance) so racing creators converge on one row.
	mu sync.Mutex

	// seq reduces key collisions when multiple messages share the same
	// nanosecond timestamp.
	seq uint64
}

// OpenPebble opens (or creates) a pebble database at the given path.
func OpenPebble(path string) (*PebbleBackend, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &PebbleBackend{db: db, path: path}, nil
}

func (p *PebbleBackend) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	logger.Info("pebble_closed", "path", p.path)
	return err
}

func threadMetaKey(id string) []byte { return []byte("thread:" + id) }

func msgPrefix(threadID string) []byte { return []byte("thread:" + threadID + ":msg:") }

func cursorKey(threadID, user string) []byte { return []byte("cursor:" + threadID + ":" + user) }

func userThreadPrefix(user string) []byte { return []byte("user:" + user + ":thread:") }

func profileKey(id string) []byte { return []byte("profile:" + id) }

// prefixEnd returns the smallest key greater than every key with the
// given prefix, for use as an iterator upper bound.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (p *PebbleBackend) get(key []byte) ([]byte, error) {
	val, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fault.ErrNotFound
		}
		return nil, fault.Transient("pebble_get", err)
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, nil
}

func (p *PebbleBackend) EnsureThread(ctx context.Context, key threadkey.Key) (models.Thread, error) {
	id := key.ThreadID()
	p.mu.Lock()
	defer p.mu.Unlock()

	if raw, err := p.get(threadMetaKey(id)); err == nil {
		var th models.Thread
		if uerr := json.Unmarshal(raw, &th); uerr != nil {
			return models.Thread{}, fmt.Errorf("invalid thread metadata for %s: %w", id, uerr)
		}
		return th, nil
	} else if !errors.Is(err, fault.ErrNotFound) {
		return models.Thread{}, err
	}

	th := models.Thread{
		ID:        id,
		Low:       key.Low,
		High:      key.High,
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	data, err := json.Marshal(th)
	if err != nil {
		return models.Thread{}, fmt.Errorf("marshal thread: %w", err)
	}
	b := p.db.NewBatch()
	_ = b.Set(threadMetaKey(id), data, nil)
	_ = b.Set(append(userThreadPrefix(key.Low), id...), []byte(id), nil)
	_ = b.Set(append(userThreadPrefix(key.High), id...), []byte(id), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("thread_create_failed", "thread", id, "error", err)
		return models.Thread{}, fault.Transient("thread_create", err)
	}
	telemetry.ThreadsCreated.Inc()
	logger.Info("thread_created", "thread", id, "low", key.Low, "high", key.High)
	return th, nil
}

func (p *PebbleBackend) GetThread(ctx context.Context, id string) (models.Thread, error) {
	raw, err := p.get(threadMetaKey(id))
	if err != nil {
		return models.Thread{}, err
	}
	var th models.Thread
	if err := json.Unmarshal(raw, &th); err != nil {
		return models.Thread{}, fmt.Errorf("invalid thread metadata for %s: %w", id, err)
	}
	return th, nil
}

func (p *PebbleBackend) AppendMessage(ctx context.Context, threadID, sender, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, fault.ErrEmptyBody
	}
	th, err := p.GetThread(ctx, threadID)
	if err != nil {
		return models.Message{}, err
	}
	if !th.HasParticipant(sender) {
		logger.Warn("append_rejected_nonparticipant", "thread", threadID, "sender", sender)
		return models.Message{}, fault.ErrUnauthorized
	}

	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&p.seq, 1)
	m := models.Message{
		ID:        uuid.NewString(),
		Thread:    threadID,
		Sender:    sender,
		Body:      body,
		CreatedTS: ts,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal message: %w", err)
	}
	key := fmt.Sprintf("thread:%s:msg:%020d-%06d", threadID, ts, s)
	if err := p.db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("save_message_failed", "thread", threadID, "key", key, "error", err)
		return models.Message{}, fault.Transient("save_message", err)
	}
	telemetry.MessagesAppended.Inc()
	logger.Info("message_saved", "thread", threadID, "msg_id", m.ID, "sender", sender)
	return m, nil
}

func (p *PebbleBackend) ListMessages(ctx context.Context, threadID, asUser string) ([]models.Message, error) {
	th, err := p.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if asUser != "" && !th.HasParticipant(asUser) {
		return nil, fault.ErrUnauthorized
	}
	msgs, _, err := p.scanMessages(threadID)
	if err != nil {
		return nil, err
	}
	// physical key order already reflects insertion time; re-sort on the
	// logical (created_ts, id) key so timestamp ties are deterministic
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Less(msgs[j]) })
	return msgs, nil
}

// scanMessages iterates a thread's messages in key order and returns them
// along with the latest one.
func (p *PebbleBackend) scanMessages(threadID string) ([]models.Message, models.Message, error) {
	prefix := msgPrefix(threadID)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, models.Message{}, fault.Transient("pebble_iter", err)
	}
	defer iter.Close()

	var msgs []models.Message
	var last models.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("skipping_bad_message", "thread", threadID, "key", string(iter.Key()), "error", err)
			continue
		}
		msgs = append(msgs, m)
		if last.ID == "" || last.Less(m) {
			last = m
		}
	}
	if err := iter.Error(); err != nil {
		return nil, models.Message{}, fault.Transient("pebble_iter", err)
	}
	return msgs, last, nil
}

func (p *PebbleBackend) readCursor(threadID, user string) (int64, error) {
	raw, err := p.get(cursorKey(threadID, user))
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	v, perr := strconv.ParseInt(string(raw), 10, 64)
	if perr != nil {
		logger.Warn("bad_cursor_value", "thread", threadID, "user", user, "value", string(raw))
		return 0, nil
	}
	return v, nil
}

func (p *PebbleBackend) MarkRead(ctx context.Context, threadID, user string) (int64, error) {
	th, err := p.GetThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if !th.HasParticipant(user) {
		return 0, fault.ErrUnauthorized
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cur, err := p.readCursor(threadID, user)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC().UnixNano()
	// cursor only moves forward
	if now <= cur {
		return cur, nil
	}
	if err := p.db.Set(cursorKey(threadID, user), []byte(strconv.FormatInt(now, 10)), pebble.Sync); err != nil {
		return 0, fault.Transient("mark_read", err)
	}
	telemetry.MarkReadCalls.Inc()
	logger.Debug("cursor_advanced", "thread", threadID, "user", user, "through", now)
	return now, nil
}

func (p *PebbleBackend) ThreadUnread(ctx context.Context, threadID, user string) (int, error) {
	th, err := p.GetThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if !th.HasParticipant(user) {
		return 0, fault.ErrUnauthorized
	}
	through, err := p.readCursor(threadID, user)
	if err != nil {
		return 0, err
	}
	msgs, _, err := p.scanMessages(threadID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range msgs {
		if m.CreatedTS > through && m.Sender != user {
			count++
		}
	}
	return count, nil
}

func (p *PebbleBackend) threadsOf(user string) ([]string, error) {
	prefix := userThreadPrefix(user)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fault.Transient("pebble_iter", err)
	}
	defer iter.Close()
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, fault.Transient("pebble_iter", err)
	}
	return ids, nil
}

func (p *PebbleBackend) TotalUnread(ctx context.Context, user string) (int, error) {
	ids, err := p.threadsOf(user)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		n, err := p.ThreadUnread(ctx, id, user)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (p *PebbleBackend) Inbox(ctx context.Context, user string) ([]models.InboxRow, error) {
	ids, err := p.threadsOf(user)
	if err != nil {
		return nil, err
	}
	rows := make([]models.InboxRow, 0, len(ids))
	for _, id := range ids {
		th, err := p.GetThread(ctx, id)
		if err != nil {
			logger.Warn("inbox_missing_thread", "thread", id, "user", user)
			continue
		}
		through, err := p.readCursor(id, user)
		if err != nil {
			return nil, err
		}
		msgs, last, err := p.scanMessages(id)
		if err != nil {
			return nil, err
		}
		unread := 0
		for _, m := range msgs {
			if m.CreatedTS > through && m.Sender != user {
				unread++
			}
		}
		row := models.InboxRow{
			Thread:     id,
			Other:      th.Other(user),
			LastBody:   last.Body,
			LastSender: last.Sender,
			LastTS:     last.CreatedTS,
			Unread:     unread,
		}
		// display attributes are best-effort; a missing profile leaves
		// the row usable
		if prof, perr := p.GetProfile(ctx, row.Other); perr == nil {
			row.OtherName = prof.Name
			row.OtherAvatar = prof.Avatar
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LastTS > rows[j].LastTS })
	return rows, nil
}

func (p *PebbleBackend) SaveProfile(ctx context.Context, prof models.Profile) error {
	if prof.ID == "" {
		return fmt.Errorf("profile id required")
	}
	data, err := json.Marshal(prof)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := p.db.Set(profileKey(prof.ID), data, pebble.Sync); err != nil {
		return fault.Transient("save_profile", err)
	}
	return nil
}

func (p *PebbleBackend) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	prefix := []byte("profile:")
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fault.Transient("pebble_iter", err)
	}
	defer iter.Close()
	var out []models.Profile
	for iter.First(); iter.Valid(); iter.Next() {
		var prof models.Profile
		if uerr := json.Unmarshal(iter.Value(), &prof); uerr != nil {
			continue
		}
		out = append(out, prof)
	}
	if err := iter.Error(); err != nil {
		return nil, fault.Transient("pebble_iter", err)
	}
	return out, nil
}

func (p *PebbleBackend) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	raw, err := p.get(profileKey(id))
	if err != nil {
		return models.Profile{}, err
	}
	var prof models.Profile
	if err := json.Unmarshal(raw, &prof); err != nil {
		return models.Profile{}, fmt.Errorf("invalid profile for %s: %w", id, err)
	}
	return prof, nil
}
