package snapshot

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// Handler serves a Service over HTTP:
//
//	POST  /sessions
//	GET   /sessions/{id}
//	PATCH /sessions/{id}/snapshot
//	POST  /sessions/{id}/complete
type Handler struct {
	svc    Service
	logger *slog.Logger
	router *mux.Router
}

// NewHandler wires the routes.
func NewHandler(svc Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handler{svc: svc, logger: logger, router: mux.NewRouter()}
	h.router.HandleFunc("/sessions", h.create).Methods(http.MethodPost)
	h.router.HandleFunc("/sessions/{id}", h.fetch).Methods(http.MethodGet)
	h.router.HandleFunc("/sessions/{id}/snapshot", h.save).Methods(http.MethodPatch)
	h.router.HandleFunc("/sessions/{id}/complete", h.complete).Methods(http.MethodPost)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		h.logger.Error("session request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var sess Session
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&sess); err != nil || sess.ID == "" {
		http.Error(w, "invalid session", http.StatusBadRequest)
		return
	}
	created, err := h.svc.Create(r.Context(), sess)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Fetch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	var patch Patch
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&patch); err != nil {
		http.Error(w, "invalid patch", http.StatusBadRequest)
		return
	}
	if err := h.svc.Save(r.Context(), mux.Vars(r)["id"], patch); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Complete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
