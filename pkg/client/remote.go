package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"parley/pkg/fault"
	"parley/pkg/models"
)

// Remote binds the unary collaborator procedures to a parleyd instance
// over HTTP. Realtime delivery is not part of this client; consumers
// attach to the push feed (GET /v1/events) separately.
type Remote struct {
	base    string
	user    string
	signKey string
	cli     *fasthttp.Client
	timeout time.Duration
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithUser sets the default caller identity for procedures that do not
// take an explicit user, such as Thread and History.
func WithUser(user string) RemoteOption {
	return func(r *Remote) { r.user = user }
}

// WithSigningKey enables HMAC request signing (X-User-Signature).
func WithSigningKey(key string) RemoteOption {
	return func(r *Remote) { r.signKey = key }
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) { r.timeout = d }
}

// NewRemote creates a client for the parleyd at base, e.g.
// "http://localhost:8080".
func NewRemote(base string, opts ...RemoteOption) *Remote {
	r := &Remote{
		base:    strings.TrimRight(base, "/"),
		cli:     &fasthttp.Client{Name: "parley-client"},
		timeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

// do performs one request as user and maps error statuses onto the fault
// taxonomy.
func (r *Remote) do(ctx context.Context, method, path, user string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.base + path)
	req.Header.SetMethod(method)
	if user == "" {
		user = r.user
	}
	req.Header.Set("X-User-ID", user)
	if r.signKey != "" {
		mac := hmac.New(sha256.New, []byte(r.signKey))
		mac.Write([]byte(user))
		req.Header.Set("X-User-Signature", hex.EncodeToString(mac.Sum(nil)))
	}
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(r.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := r.cli.DoDeadline(req, resp, deadline); err != nil {
		return nil, fault.Transient(method+" "+path, err)
	}

	status := resp.StatusCode()
	out := append([]byte(nil), resp.Body()...)
	if status >= 200 && status < 300 {
		return out, nil
	}

	var eb errorBody
	_ = json.Unmarshal(out, &eb)
	switch {
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return nil, fmt.Errorf("%s: %w", eb.Error, fault.ErrUnauthorized)
	case status == fasthttp.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", eb.Error, fault.ErrNotFound)
	case status == fasthttp.StatusBadRequest && strings.Contains(eb.Error, "empty message body"):
		return nil, fault.ErrEmptyBody
	case status == fasthttp.StatusBadRequest && strings.Contains(eb.Error, "invalid participants"):
		return nil, fault.ErrInvalidParticipants
	case status >= 500:
		return nil, fault.Transient(method+" "+path, fmt.Errorf("status %d: %s", status, eb.Error))
	default:
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, status, eb.Error)
	}
}

func (r *Remote) Thread(ctx context.Context, threadID string) (models.Thread, error) {
	// the caller's own identity scopes the read; thread ids are opaque
	b, err := r.do(ctx, fasthttp.MethodGet, "/v1/threads/"+url.PathEscape(threadID), "", nil)
	if err != nil {
		return models.Thread{}, err
	}
	var th models.Thread
	if err := json.Unmarshal(b, &th); err != nil {
		return models.Thread{}, fmt.Errorf("decode thread: %w", err)
	}
	return th, nil
}

func (r *Remote) History(ctx context.Context, threadID string) ([]models.Message, error) {
	return r.historyAs(ctx, threadID, "")
}

// HistoryAs lists a thread's messages as a specific caller, letting the
// server enforce participant-only reads.
func (r *Remote) HistoryAs(ctx context.Context, threadID, user string) ([]models.Message, error) {
	return r.historyAs(ctx, threadID, user)
}

func (r *Remote) historyAs(ctx context.Context, threadID, user string) ([]models.Message, error) {
	b, err := r.do(ctx, fasthttp.MethodGet, "/v1/threads/"+url.PathEscape(threadID)+"/messages", user, nil)
	if err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

type sendBody struct {
	Body string `json:"body"`
}

func (r *Remote) Append(ctx context.Context, threadID, sender, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, fault.ErrEmptyBody
	}
	payload, _ := json.Marshal(sendBody{Body: body})
	b, err := r.do(ctx, fasthttp.MethodPost, "/v1/threads/"+url.PathEscape(threadID)+"/messages", sender, payload)
	if err != nil {
		return models.Message{}, err
	}
	var m models.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return models.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func (r *Remote) Send(ctx context.Context, from, to, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, fault.ErrEmptyBody
	}
	payload, _ := json.Marshal(sendBody{Body: body})
	b, err := r.do(ctx, fasthttp.MethodPost, "/v1/users/"+url.PathEscape(to)+"/messages", from, payload)
	if err != nil {
		return models.Message{}, err
	}
	var m models.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return models.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func (r *Remote) TotalUnread(ctx context.Context, user string) (int, error) {
	b, err := r.do(ctx, fasthttp.MethodGet, "/v1/unread", user, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, fmt.Errorf("decode unread total: %w", err)
	}
	return out.Total, nil
}

func (r *Remote) MarkRead(ctx context.Context, thread, user string) error {
	_, err := r.do(ctx, fasthttp.MethodPost, "/v1/threads/"+url.PathEscape(thread)+"/read", user, nil)
	return err
}

func (r *Remote) Inbox(ctx context.Context, user string) ([]models.InboxRow, error) {
	b, err := r.do(ctx, fasthttp.MethodGet, "/v1/inbox", user, nil)
	if err != nil {
		return nil, err
	}
	var rows []models.InboxRow
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("decode inbox: %w", err)
	}
	return rows, nil
}

func (r *Remote) Lookup(ctx context.Context, id string) (models.Profile, error) {
	b, err := r.do(ctx, fasthttp.MethodGet, "/v1/profiles/"+url.PathEscape(id), "", nil)
	if err != nil {
		return models.Profile{}, err
	}
	var p models.Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return models.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}
