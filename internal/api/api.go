// Package api is the JSON surface for users and events. Handlers read the
// requester attached by the lifecycle coordinator and redact every profile
// through the visibility resolver before it is written.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/earthapp/mantle/internal/cachepolicy"
	"github.com/earthapp/mantle/internal/directory"
	"github.com/earthapp/mantle/internal/visibility"
)

type Handler struct {
	dir    *directory.Directory
	logger *slog.Logger
}

// NewRouter returns the API routes relative to the API prefix.
func NewRouter(dir *directory.Directory, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{dir: dir, logger: logger.With(slog.String("agent", "api"))}
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Route("/users", func(users chi.Router) {
		users.Get("/", h.handleListUsers)
		users.Post("/", h.handleCreateUser)
		users.Post("/login", h.handleLogin)
		users.Post("/logout", h.handleLogout)
		users.Route("/{user}", func(user chi.Router) {
			user.Get("/", h.handleGetUser)
			user.With(h.requireAuth).Patch("/", h.handlePatchUser)
			user.With(h.requireAuth).Put("/", h.handlePatchUser)
			user.With(h.requireAuth).Delete("/", h.handleDeleteUser)
			user.Get("/friends", h.handleListFriends)
			user.With(h.requireAuth).Put("/friends/{fid}", h.handleAddFriend)
			user.With(h.requireAuth).Post("/friends/{fid}", h.handleAddFriend)
			user.With(h.requireAuth).Delete("/friends/{fid}", h.handleRemoveFriend)
			user.With(h.requireAuth).Get("/circle", h.handleListCircle)
			user.With(h.requireAuth).Put("/circle/{fid}", h.handleAddToCircle)
			user.With(h.requireAuth).Post("/circle/{fid}", h.handleAddToCircle)
			user.With(h.requireAuth).Delete("/circle/{fid}", h.handleRemoveFromCircle)
		})
	})

	r.Route("/events", func(events chi.Router) {
		events.Get("/", h.handleListEvents)
		events.With(h.requireAuth).Post("/", h.handleCreateEvent)
		events.Route("/{eid}", func(event chi.Router) {
			event.Get("/", h.handleGetEvent)
			event.With(h.requireAuth).Patch("/", h.handlePatchEvent)
			event.With(h.requireAuth).Put("/", h.handlePatchEvent)
			event.With(h.requireAuth).Delete("/", h.handleDeleteEvent)
			event.With(h.requireAuth).Put("/attendees", h.handleAttend)
		})
	})
	return r
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := directory.RequesterFrom(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// viewer loads the requester's relationships. It returns nil for anonymous requests.
func (h *Handler) viewer(ctx context.Context) (*visibility.Party, error) {
	user, ok := directory.RequesterFrom(ctx)
	if !ok {
		return nil, nil
	}
	party, err := h.dir.Party(ctx, user)
	if err != nil {
		return nil, err
	}
	return &party, nil
}

// resolveUser maps a path reference to a stored user. The reference is a
// numeric id, "current" for the requester, or a username with optional "@".
func (h *Handler) resolveUser(ctx context.Context, ref string) directory.Result[directory.User] {
	if ref == cachepolicy.CurrentUser {
		user, ok := directory.RequesterFrom(ctx)
		if !ok {
			return directory.NotFound[directory.User]()
		}
		return h.dir.LoadUser(ctx, user.ID)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return h.dir.LoadUser(ctx, id)
	}
	return h.dir.FindByUsername(ctx, ref)
}

// loadUserParam resolves {user} and writes the error response when it fails.
func (h *Handler) loadUserParam(w http.ResponseWriter, r *http.Request) (directory.User, bool) {
	res := h.resolveUser(r.Context(), chi.URLParam(r, "user"))
	switch res.Status {
	case directory.StatusOK:
		return res.Value, true
	case directory.StatusNotFound:
		writeError(w, http.StatusNotFound, "User not found")
	default:
		h.internalError(w, r, res.Err)
	}
	return directory.User{}, false
}

// canManage reports whether the requester may change target's account.
func canManage(ctx context.Context, targetID int64) bool {
	user, ok := directory.RequesterFrom(ctx)
	return ok && (user.Admin || user.ID == targetID)
}

func (h *Handler) profile(ctx context.Context, user directory.User, viewer *visibility.Party) (map[string]any, error) {
	subject, err := h.dir.Subject(ctx, user)
	if err != nil {
		return nil, err
	}
	return visibility.Redact(subject, viewer, user.Fields()), nil
}

func (h *Handler) profiles(ctx context.Context, users []directory.User, viewer *visibility.Party) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(users))
	for _, user := range users {
		p, err := h.profile(ctx, user, viewer)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func pageFrom(r *http.Request) directory.Page {
	q := r.URL.Query()
	number, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("limit"))
	return directory.Page{Number: number, Size: size}
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps directory errors onto HTTP statuses.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, directory.ErrInvalid):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "directory: "))
	case errors.Is(err, directory.ErrConflict):
		writeError(w, http.StatusConflict, strings.TrimPrefix(err.Error(), "directory: "))
	case errors.Is(err, directory.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}
