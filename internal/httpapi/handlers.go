package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/couriermsg/courier/internal/auth"
	"github.com/couriermsg/courier/internal/batch"
	"github.com/couriermsg/courier/internal/delivery"
	"github.com/couriermsg/courier/internal/logging"
	"github.com/couriermsg/courier/internal/message"
	"github.com/couriermsg/courier/internal/metrics"
	"github.com/couriermsg/courier/internal/queue"
	"github.com/couriermsg/courier/internal/registry"
	"github.com/couriermsg/courier/internal/storage"
	"github.com/couriermsg/courier/internal/user"
)

const (
	maxBodyBytes        = 1 << 20
	timeLayout          = time.RFC3339Nano
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Deps wires the handler to the delivery core. Everything is injected so
// tests can run the full poll state machine against fakes and tiny timeouts.
type Deps struct {
	Auth       *auth.Service
	Users      user.Repository
	Messages   message.Store
	Registry   *registry.Registry
	Governor   *registry.Governor
	Tracker    *delivery.Tracker
	Queue      *queue.Queue
	Batcher    *batch.Batcher
	Dispatcher *delivery.Dispatcher

	PollTimeout time.Duration
	ScanLimit   int
	Retention   time.Duration
	WorkerID    string

	Log     zerolog.Logger
	Metrics *metrics.Set
	Now     func() time.Time
}

type Handler struct {
	deps Deps
}

func NewHandler(deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handler{deps: deps}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/poll", h.handlePoll)
	mux.HandleFunc("/messages", h.handleSend)
	mux.HandleFunc("/messages/history", h.handleHistory)
	mux.HandleFunc("/messages/read", h.handleRead)
	mux.HandleFunc("/status", h.handleStatus)
}

type authRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	PublicKey string `json:"public_key"`
}

type authResponse struct {
	Token     string  `json:"token"`
	UserID    user.ID `json:"user_id"`
	Username  string  `json:"username"`
	PublicKey string  `json:"public_key"`
	ExpiresAt string  `json:"expires_at"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	ident, session, err := h.deps.Auth.Register(r.Context(), req.Username, req.Password, req.PublicKey)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, err)
		default:
			h.writeAuthError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{
		Token:     session.Token,
		UserID:    ident.ID,
		Username:  ident.Username,
		PublicKey: ident.PublicKey,
		ExpiresAt: session.ExpiresAt.UTC().Format(timeLayout),
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	ident, session, err := h.deps.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, auth.ErrUnauthorized):
			h.writeAuthError(w, http.StatusUnauthorized, err)
		default:
			h.writeAuthError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Token:     session.Token,
		UserID:    ident.ID,
		Username:  ident.Username,
		PublicKey: ident.PublicKey,
		ExpiresAt: session.ExpiresAt.UTC().Format(timeLayout),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token := bearerToken(r)
	if token == "" {
		h.writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized)
		return
	}
	if _, err := h.deps.Auth.ValidateToken(token); err != nil {
		h.writeAuthError(w, http.StatusUnauthorized, err)
		return
	}

	h.deps.Auth.Revoke(token)
	w.WriteHeader(http.StatusNoContent)
}

type envelopeResponse struct {
	MessageID  message.ID `json:"message_id"`
	SenderID   user.ID    `json:"sender_id"`
	Ciphertext string     `json:"ciphertext"`
	IV         string     `json:"iv"`
	Key        string     `json:"key"`
	CreatedAt  string     `json:"created_at"`
}

func toEnvelopeResponse(env *message.Envelope) envelopeResponse {
	return envelopeResponse{
		MessageID:  env.ID,
		SenderID:   env.SenderID,
		Ciphertext: base64.StdEncoding.EncodeToString(env.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(env.IV),
		Key:        base64.StdEncoding.EncodeToString(env.Key),
		CreatedAt:  env.CreatedAt.UTC().Format(timeLayout),
	}
}

// handlePoll is the held long-poll request. Order matters: admission check
// first, then a catch-up queue scan, and only then is the request parked in
// the registry. The session is resolved exactly once by whichever of
// dispatch, timeout, or disconnect claims it first; losing the claim race
// means an envelope is already on the channel.
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, err := h.authenticate(r)
	if err != nil {
		h.writeAuthError(w, http.StatusUnauthorized, err)
		return
	}

	active := h.deps.Registry.Len()
	if h.deps.Governor.AtCapacity(active) {
		h.deps.Metrics.CapacityRejections.Inc()
		load := h.deps.Governor.Load(active)
		w.Header().Set("Retry-After", strconv.Itoa(h.deps.Governor.RetryAfterSeconds(load)))
		h.writeError(w, http.StatusServiceUnavailable, errors.New("over capacity"))
		return
	}

	if m := h.deps.Queue.TakeMatch(session.UserID, h.deps.ScanLimit, h.deps.Tracker); m != nil {
		h.deps.Metrics.QueueDeliveries.Inc()
		writeJSON(w, http.StatusOK, toEnvelopeResponse(m.EnvelopeFor(session.UserID)))
		return
	}

	poll := registry.NewSession(session.UserID, h.deps.Now())
	h.deps.Registry.Register(poll)

	timer := time.NewTimer(h.deps.PollTimeout)
	defer timer.Stop()

	select {
	case env := <-poll.Done():
		// The resolver also removes the session from the registry.
		h.respondPoll(w, env)

	case <-timer.C:
		if poll.Claim() {
			h.deps.Registry.Remove(poll.ID)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		// A dispatcher won the race; its envelope is already buffered.
		env := <-poll.Done()
		h.deps.Registry.Remove(poll.ID)
		h.respondPoll(w, env)

	case <-r.Context().Done():
		if poll.Claim() {
			h.deps.Registry.Remove(poll.ID)
			return
		}
		// Delivery won but the client is gone; the tracker record stands
		// and the message remains in the catch-up queue and history.
		<-poll.Done()
		h.deps.Registry.Remove(poll.ID)
	}
}

func (h *Handler) respondPoll(w http.ResponseWriter, env *message.Envelope) {
	if env == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toEnvelopeResponse(env))
}

type sendRequest struct {
	Ciphertext string            `json:"ciphertext"`
	IV         string            `json:"iv"`
	Keys       map[string]string `json:"keys"`
}

type sendResponse struct {
	Accepted  bool       `json:"accepted"`
	MessageID message.ID `json:"message_id"`
}

// handleSend accepts a message and returns before any durable write: the
// batcher owns persistence and the dispatcher runs the fan-out in the
// background, detached from the request context.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, err := h.authenticate(r)
	if err != nil {
		h.writeAuthError(w, http.StatusUnauthorized, err)
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil || len(ciphertext) == 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("ciphertext must be non-empty base64"))
		return
	}
	iv, err := base64.StdEncoding.DecodeString(req.IV)
	if err != nil || len(iv) == 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("iv must be non-empty base64"))
		return
	}
	keys := make(map[user.ID][]byte, len(req.Keys))
	for id, raw := range req.Keys {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, errors.New("keys must be base64"))
			return
		}
		keys[user.ID(id)] = key
	}

	// Recipients are the full identity set, sender included, fixed at send
	// time. Identities created later only see the message through history.
	recipients, err := h.deps.Users.ListIDs(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	msg := message.New(session.UserID, ciphertext, iv, recipients, keys, h.deps.Retention)
	h.deps.Batcher.Add(msg)
	go h.deps.Dispatcher.Dispatch(context.WithoutCancel(r.Context()), msg)

	writeJSON(w, http.StatusAccepted, sendResponse{Accepted: true, MessageID: msg.ID})
}

type historyEntryResponse struct {
	envelopeResponse
	Unread bool   `json:"unread"`
	ReadAt string `json:"read_at,omitempty"`
}

type historyResponse struct {
	Entries []historyEntryResponse `json:"entries"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, err := h.authenticate(r)
	if err != nil {
		h.writeAuthError(w, http.StatusUnauthorized, err)
		return
	}

	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var before time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("before")); raw != "" {
		parsed, err := time.Parse(timeLayout, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, errors.New("before must be an RFC3339 timestamp"))
			return
		}
		before = parsed
	}

	entries, err := h.deps.Messages.ListForRecipient(r.Context(), session.UserID, before, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := historyResponse{Entries: make([]historyEntryResponse, 0, len(entries))}
	for _, e := range entries {
		item := historyEntryResponse{
			envelopeResponse: toEnvelopeResponse(&e.Envelope),
			Unread:           e.Unread,
		}
		if e.ReadAt != nil {
			item.ReadAt = e.ReadAt.UTC().Format(timeLayout)
		}
		resp.Entries = append(resp.Entries, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

type readRequest struct {
	MessageID message.ID `json:"message_id"`
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, err := h.authenticate(r)
	if err != nil {
		h.writeAuthError(w, http.StatusUnauthorized, err)
		return
	}

	var req readRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.MessageID == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("message_id is required"))
		return
	}

	err = h.deps.Messages.MarkRead(r.Context(), req.MessageID, session.UserID, h.deps.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	WorkerID     string  `json:"worker_id"`
	Active       int     `json:"active_connections"`
	Capacity     int     `json:"capacity"`
	Load         float64 `json:"load"`
	Draining     bool    `json:"draining"`
	QueueLen     int     `json:"queue_len"`
	TrackedMsgs  int     `json:"tracked_messages"`
	PendingBatch int     `json:"pending_batch"`
	CPUPercent   float64 `json:"cpu_percent"`
	RSSBytes     uint64  `json:"rss_bytes"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	active := h.deps.Registry.Len()
	resp := statusResponse{
		WorkerID:     h.deps.WorkerID,
		Active:       active,
		Capacity:     h.deps.Governor.Capacity(),
		Load:         h.deps.Governor.Load(active),
		Draining:     h.deps.Governor.Draining(),
		QueueLen:     h.deps.Queue.Len(),
		TrackedMsgs:  h.deps.Tracker.Len(),
		PendingBatch: h.deps.Batcher.PendingLen(),
	}

	// Process stats are best effort; a failure leaves them zeroed.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			resp.RSSBytes = mem.RSS
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) authenticate(r *http.Request) (auth.Session, error) {
	token := bearerToken(r)
	if token == "" {
		return auth.Session{}, auth.ErrUnauthorized
	}
	return h.deps.Auth.ValidateToken(token)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.deps.Log.Error().Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeAuthError logs only the error's type chain so credentials and tokens
// never reach the log stream, and returns a generic body.
func (h *Handler) writeAuthError(w http.ResponseWriter, status int, err error) {
	h.deps.Log.Warn().Str("err_types", logging.ErrorTypes(err)).Int("status", status).Msg("auth failed")
	writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
}
