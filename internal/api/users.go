package api

import (
	"net/http"

	"github.com/earthapp/mantle/internal/directory"
	"github.com/earthapp/mantle/internal/visibility"
)

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type patchUserRequest struct {
	Name        *string           `json:"name"`
	Email       *string           `json:"email"`
	PhoneNumber *string           `json:"phone_number"`
	Address     *string           `json:"address"`
	Bio         *string           `json:"bio"`
	Country     *string           `json:"country"`
	Activities  *string           `json:"activities"`
	Privacy     map[string]string `json:"privacy"`
}

func (p patchUserRequest) patch() directory.UserPatch {
	out := directory.UserPatch{
		Name:        p.Name,
		Email:       p.Email,
		PhoneNumber: p.PhoneNumber,
		Address:     p.Address,
		Bio:         p.Bio,
		Country:     p.Country,
		Activities:  p.Activities,
	}
	if len(p.Privacy) > 0 {
		out.Privacy = make(map[string]visibility.PrivacyLevel, len(p.Privacy))
		for field, level := range p.Privacy {
			out.Privacy[field] = visibility.ParseLevel(level)
		}
	}
	return out
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	users, err := h.dir.ListUsers(ctx, directory.UserQuery{
		Search: q.Get("search"),
		Sort:   q.Get("sort"),
		Page:   pageFrom(r),
	})
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	viewer, err := h.viewer(ctx)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	items, err := h.profiles(ctx, users, viewer)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	user, err := h.dir.CreateUser(r.Context(), directory.NewUser{
		Username: req.Username,
		Password: req.Password,
		Name:     req.Name,
		Email:    req.Email,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	// The new account owns its profile, so nothing is redacted.
	writeJSON(w, http.StatusCreated, user.Fields())
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	token, user, err := h.dir.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user.Fields()})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := directory.BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	if err := h.dir.Logout(r.Context(), token); err != nil {
		h.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := h.loadUserParam(w, r)
	if !ok {
		return
	}
	viewer, err := h.viewer(ctx)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	profile, err := h.profile(ctx, user, viewer)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) handlePatchUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := h.loadUserParam(w, r)
	if !ok {
		return
	}
	if !canManage(ctx, user.ID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	var req patchUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	for field, level := range req.Privacy {
		if !visibility.KnownLevel(visibility.ParseLevel(level)) {
			writeError(w, http.StatusBadRequest, "Unknown privacy level for "+field)
			return
		}
	}
	updated, err := h.dir.UpdateUser(ctx, user.ID, req.patch()).Get()
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	out := updated.Fields()
	privacy := make(map[string]string, len(updated.Privacy))
	for field, level := range updated.Privacy {
		privacy[field] = string(level)
	}
	out["privacy"] = privacy
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := h.loadUserParam(w, r)
	if !ok {
		return
	}
	if !canManage(ctx, user.ID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	if err := h.dir.DeleteUser(ctx, user.ID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// relatedUsers loads ids as profiles redacted for the requester.
func (h *Handler) relatedUsers(w http.ResponseWriter, r *http.Request, ids []int64) {
	ctx := r.Context()
	page := pageFrom(r)
	if page.Number < 1 {
		page.Number = 1
	}
	if page.Size < 1 || page.Size > 100 {
		page.Size = 25
	}
	start := min((page.Number-1)*page.Size, len(ids))
	end := min(start+page.Size, len(ids))

	users := make([]directory.User, 0, end-start)
	for _, id := range ids[start:end] {
		res := h.dir.LoadUser(ctx, id)
		switch res.Status {
		case directory.StatusOK:
			users = append(users, res.Value)
		case directory.StatusFailed:
			h.internalError(w, r, res.Err)
			return
		}
	}
	viewer, err := h.viewer(ctx)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	items, err := h.profiles(ctx, users, viewer)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(ids)})
}

func (h *Handler) handleListFriends(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUserParam(w, r)
	if !ok {
		return
	}
	ids, err := h.dir.FriendsOf(r.Context(), user.ID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.relatedUsers(w, r, ids)
}

// handleListCircle is restricted to the owner and admins.
func (h *Handler) handleListCircle(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUserParam(w, r)
	if !ok {
		return
	}
	if !canManage(r.Context(), user.ID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	ids, err := h.dir.CircleOf(r.Context(), user.ID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.relatedUsers(w, r, ids)
}

type relationFunc func(h *Handler, r *http.Request, userID, otherID int64) error

func (h *Handler) mutateRelation(w http.ResponseWriter, r *http.Request, apply relationFunc) {
	user, ok := h.loadUserParam(w, r)
	if !ok {
		return
	}
	if !canManage(r.Context(), user.ID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	other, ok := idParam(r, "fid")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	if err := apply(h, r, user.ID, other); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddFriend(w http.ResponseWriter, r *http.Request) {
	h.mutateRelation(w, r, func(h *Handler, r *http.Request, userID, otherID int64) error {
		return h.dir.AddFriend(r.Context(), userID, otherID)
	})
}

func (h *Handler) handleRemoveFriend(w http.ResponseWriter, r *http.Request) {
	h.mutateRelation(w, r, func(h *Handler, r *http.Request, userID, otherID int64) error {
		return h.dir.RemoveFriend(r.Context(), userID, otherID)
	})
}

func (h *Handler) handleAddToCircle(w http.ResponseWriter, r *http.Request) {
	h.mutateRelation(w, r, func(h *Handler, r *http.Request, userID, otherID int64) error {
		return h.dir.AddToCircle(r.Context(), userID, otherID)
	})
}

func (h *Handler) handleRemoveFromCircle(w http.ResponseWriter, r *http.Request) {
	h.mutateRelation(w, r, func(h *Handler, r *http.Request, userID, otherID int64) error {
		return h.dir.RemoveFromCircle(r.Context(), userID, otherID)
	})
}
