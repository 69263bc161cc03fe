package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"offline0/internal/interceptor"
	"offline0/internal/lifecycle"
	"offline0/internal/notify"
	"offline0/internal/queue"
)

// Handler serves the control API under the configured prefix and hands every
// other request to the interceptor as a FetchEvent.
func (s *Service) Handler() http.Handler {
	p := s.cfg.Server.ControlPrefix
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+p+"message", s.handleMessageHTTP)
	mux.HandleFunc("POST "+p+"sync", s.handleSyncHTTP)
	mux.HandleFunc("POST "+p+"queue", s.handleEnqueue)
	mux.HandleFunc("GET "+p+"queue", s.handleListQueue)
	mux.HandleFunc("DELETE "+p+"queue/{id}", s.handleRemove)
	mux.HandleFunc("POST "+p+"push", s.handlePush)
	mux.HandleFunc("GET "+p+"notifications", s.handleNotifications)
	mux.HandleFunc("POST "+p+"notifications/{id}/click", s.handleClick)
	mux.HandleFunc("GET "+p+"status", s.handleStatus)
	mux.Handle("GET "+p+"metrics", s.metrics.Handler())
	mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) {
		controlError(w, "unknown control route", http.StatusNotFound)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = s.Dispatch(r.Context(), FetchEvent{W: w, R: r})
	})
	return mux
}

type messageRequest struct {
	Type string `json:"type"`
}

func (s *Service) handleMessageHTTP(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	out, err := s.Dispatch(r.Context(), MessageEvent{Type: req.Type})
	if err != nil {
		s.queueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type syncRequest struct {
	Tag string `json:"tag"`
}

func (s *Service) handleSyncHTTP(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	out, err := s.Dispatch(r.Context(), SyncEvent{Tag: req.Tag})
	if err != nil {
		s.queueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// submissionJSON is the wire form of a queued submission. Body is base64 and
// each header maps to a list of values.
type submissionJSON struct {
	ID        uint64      `json:"id,omitempty"`
	URL       string      `json:"url"`
	Method    string      `json:"method"`
	Headers   http.Header `json:"headers,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	CreatedAt *time.Time  `json:"createdAt,omitempty"`
}

func toJSON(sub queue.Submission) submissionJSON {
	out := submissionJSON{
		ID:     sub.ID,
		URL:    sub.URL,
		Method: sub.Method,
		Body:   sub.Body,
	}
	if len(sub.Header) > 0 {
		out.Headers = sub.Header.Clone()
	}
	if !sub.CreatedAt.IsZero() {
		t := sub.CreatedAt
		out.CreatedAt = &t
	}
	return out
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req submissionJSON
	if !s.decodeJSON(w, r, &req) {
		return
	}
	target, err := s.submissionTarget(req.URL)
	if err != nil {
		controlError(w, err.Error(), http.StatusBadRequest)
		return
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}
	if method == http.MethodGet || method == http.MethodHead {
		controlError(w, "only write requests can be queued", http.StatusBadRequest)
		return
	}

	sub := queue.Submission{URL: target, Method: method, Body: req.Body}
	if len(req.Headers) > 0 {
		sub.Header = make(http.Header, len(req.Headers))
		for k, vs := range req.Headers {
			for _, v := range vs {
				sub.Header.Add(k, v)
			}
		}
	}
	sub, err = s.queue.Enqueue(r.Context(), sub)
	if err != nil {
		s.queueError(w, err)
		return
	}
	s.log.Info("submission queued", "id", sub.ID, "method", sub.Method, "url", sub.URL)
	s.refreshQueueDepth(r.Context())
	writeJSON(w, http.StatusCreated, toJSON(sub))
}

// submissionTarget reduces a same-origin URL to its path and query. Absolute
// URLs must name the origin or the public origin.
func (s *Service) submissionTarget(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New("invalid url")
	}
	if u.IsAbs() {
		ok := s.client.SameOrigin(u)
		if !ok && s.cfg.Server.PublicOrigin != "" {
			pub, perr := url.Parse(s.cfg.Server.PublicOrigin)
			ok = perr == nil && strings.EqualFold(pub.Scheme, u.Scheme) && strings.EqualFold(pub.Host, u.Host)
		}
		if !ok {
			return "", errors.New("cross-origin submissions are not queued")
		}
	} else if !strings.HasPrefix(u.Path, "/") {
		return "", errors.New("url must be absolute or start with /")
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target, nil
}

func (s *Service) handleListQueue(w http.ResponseWriter, r *http.Request) {
	subs, err := s.queue.ListAll(r.Context())
	if err != nil {
		s.queueError(w, err)
		return
	}
	out := make([]submissionJSON, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toJSON(sub))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleRemove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		controlError(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.queue.Remove(r.Context(), id); err != nil {
		s.queueError(w, err)
		return
	}
	s.refreshQueueDepth(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			controlError(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		controlError(w, "read body", http.StatusBadRequest)
		return
	}
	// An empty body is a push message without data.
	var data []byte
	if len(b) > 0 {
		data = b
	}
	out, err := s.Dispatch(r.Context(), PushEvent{Data: data})
	if err != nil {
		s.log.Error("show notification", "err", err)
		controlError(w, "push failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.notifications.List())
}

func (s *Service) handleClick(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		controlError(w, "invalid id", http.StatusBadRequest)
		return
	}
	out, err := s.Dispatch(r.Context(), NotificationClickEvent{ID: id, Action: r.URL.Query().Get("action")})
	if errors.Is(err, notify.ErrNotFound) {
		controlError(w, "notification not found", http.StatusNotFound)
		return
	}
	if err != nil {
		controlError(w, "click failed", http.StatusInternalServerError)
		return
	}
	c, _ := out.(notify.Click)
	if c.Open == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, c.Open, http.StatusSeeOther)
}

type statusResponse struct {
	lifecycle.Status
	Generations []string `json:"generations"`
	QueueDepth  *int     `json:"queueDepth,omitempty"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names, err := s.cache.Names(ctx)
	if err != nil {
		s.log.Error("list generations", "err", err)
		controlError(w, "cache unavailable", http.StatusServiceUnavailable)
		return
	}
	out := statusResponse{Status: s.lifecycle.Status(), Generations: names}
	if n, err := s.queue.Len(ctx); err == nil {
		out.QueueDepth = &n
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) queueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotInitialized):
		controlError(w, "queue not initialized", http.StatusConflict)
	case errors.Is(err, queue.ErrUnavailable):
		s.log.Error("queue store", "err", err)
		controlError(w, "queue unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		controlError(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		s.log.Error("control request", "err", err)
		controlError(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Service) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.Server.maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		controlError(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func controlError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set(interceptor.StatusHeader, "control")
	http.Error(w, msg, status)
}
