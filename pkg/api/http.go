// Package api exposes the messaging collaborators over HTTP: send,
// history, inbox aggregation, mark-read, total-unread, the profile
// directory, and the realtime push feed as server-sent events.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"parley/pkg/auth"
	"parley/pkg/client"
	"parley/pkg/fault"
	"parley/pkg/logger"
	"parley/pkg/models"
	"parley/pkg/realtime"
	"parley/pkg/store"
	"parley/pkg/telemetry"
)

// Handler returns the service router. hub carries realtime fanout for
// appends performed through this API and feeds the /v1/events stream.
func Handler(hub *realtime.Hub) http.Handler {
	local := client.NewLocal(hub)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/docs/").Handler(httpSwagger.Handler())

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(auth.RequireUser)
	v1.HandleFunc("/users/{other}/messages", sendToUser(local)).Methods(http.MethodPost)
	v1.HandleFunc("/threads/{id}", getThread).Methods(http.MethodGet)
	v1.HandleFunc("/threads/{id}/messages", listMessages).Methods(http.MethodGet)
	v1.HandleFunc("/threads/{id}/messages", appendMessage(local)).Methods(http.MethodPost)
	v1.HandleFunc("/threads/{id}/read", markRead).Methods(http.MethodPost)
	v1.HandleFunc("/unread", totalUnread).Methods(http.MethodGet)
	v1.HandleFunc("/inbox", inbox).Methods(http.MethodGet)
	v1.HandleFunc("/profiles/{id}", getProfile).Methods(http.MethodGet)
	v1.HandleFunc("/profiles/{id}", putProfile).Methods(http.MethodPut)
	v1.HandleFunc("/events", events(hub)).Methods(http.MethodGet)

	return telemetry.Middleware(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Error string `json:"error"`
}

// writeFault maps the fault taxonomy onto HTTP statuses.
func writeFault(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fault.ErrEmptyBody):
		writeJSON(w, http.StatusBadRequest, errResp{Error: "empty message body"})
	case errors.Is(err, fault.ErrInvalidParticipants):
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid participants"})
	case errors.Is(err, fault.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, errResp{Error: "not a participant"})
	case errors.Is(err, fault.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errResp{Error: "conversation unavailable"})
	case fault.IsTransient(err):
		writeJSON(w, http.StatusServiceUnavailable, errResp{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
	}
}

type sendReq struct {
	Body string `json:"body"`
}

func sendToUser(local *client.Local) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r.Context())
		other := mux.Vars(r)["other"]
		var req sendReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid json"})
			return
		}
		m, err := local.Send(r.Context(), user, other, req.Body)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

func appendMessage(local *client.Local) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r.Context())
		threadID := mux.Vars(r)["id"]
		var req sendReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid json"})
			return
		}
		m, err := local.Append(r.Context(), threadID, user, req.Body)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

func getThread(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	th, err := store.GetThread(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFault(w, err)
		return
	}
	if !th.HasParticipant(user) {
		writeFault(w, fault.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func listMessages(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	msgs, err := store.ListMessages(r.Context(), mux.Vars(r)["id"], user)
	if err != nil {
		writeFault(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func markRead(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	through, err := store.MarkRead(r.Context(), mux.Vars(r)["id"], user)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "through": through})
}

func totalUnread(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	n, err := store.TotalUnread(r.Context(), user)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": n})
}

func inbox(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	rows, err := store.Inbox(r.Context(), user)
	if err != nil {
		writeFault(w, err)
		return
	}
	if rows == nil {
		rows = []models.InboxRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := store.GetProfile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func putProfile(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	id := mux.Vars(r)["id"]
	// the directory is read-only for everyone but the owner
	if user != id {
		writeFault(w, fault.ErrUnauthorized)
		return
	}
	var p models.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid json"})
		return
	}
	p.ID = id
	if err := store.SaveProfile(r.Context(), p); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// events streams message inserts visible to the caller as server-sent
// events. Delivery is at-least-once; consumers dedupe by message id.
func events(hub *realtime.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r.Context())
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSON(w, http.StatusInternalServerError, errResp{Error: "streaming unsupported"})
			return
		}
		if hub == nil {
			writeJSON(w, http.StatusServiceUnavailable, errResp{Error: "realtime feed unavailable"})
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ch := make(chan []byte, 64)
		sub := hub.Subscribe(func(ev *realtime.Event) {
			// scope the feed to rows the caller may see
			th, err := store.GetThread(r.Context(), ev.Message.Thread)
			if err != nil || !th.HasParticipant(user) {
				return
			}
			payload := append([]byte(nil), ev.Payload()...)
			select {
			case ch <- payload:
			default:
				logger.Warn("sse_client_lagging", "user", user)
			}
		})
		defer sub.Close()

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case b := <-ch:
				_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
				flusher.Flush()
			}
		}
	}
}
