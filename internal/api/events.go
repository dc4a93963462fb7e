package api

import (
	"context"
	"net/http"
	"time"

	"github.com/earthapp/mantle/internal/directory"
	"github.com/earthapp/mantle/internal/visibility"
)

type eventRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Type        *string    `json:"type"`
	Visibility  *string    `json:"visibility"`
	StartsAt    *time.Time `json:"starts_at"`
}

func (e eventRequest) patch() directory.EventPatch {
	out := directory.EventPatch{
		Title:       e.Title,
		Description: e.Description,
		Type:        e.Type,
		StartsAt:    e.StartsAt,
	}
	if e.Visibility != nil {
		v := visibility.EntityVisibility(*e.Visibility)
		out.Visibility = &v
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// canView loads the relationship facts for event and checks them against viewer.
func (h *Handler) canView(ctx context.Context, event directory.Event, viewer *visibility.Party) (bool, error) {
	if event.Visibility == visibility.EntityPublic {
		return true, nil
	}
	entity, err := h.dir.VisibleEntity(ctx, event)
	if err != nil {
		return false, err
	}
	return visibility.CanView(entity, viewer), nil
}

// loadEventParam resolves {eid}. Events the requester may not see are reported as missing.
func (h *Handler) loadEventParam(w http.ResponseWriter, r *http.Request) (directory.Event, *visibility.Party, bool) {
	ctx := r.Context()
	id, ok := idParam(r, "eid")
	if !ok {
		writeError(w, http.StatusNotFound, "Event not found")
		return directory.Event{}, nil, false
	}
	res := h.dir.LoadEvent(ctx, id)
	switch res.Status {
	case directory.StatusNotFound:
		writeError(w, http.StatusNotFound, "Event not found")
		return directory.Event{}, nil, false
	case directory.StatusFailed:
		h.internalError(w, r, res.Err)
		return directory.Event{}, nil, false
	}
	viewer, err := h.viewer(ctx)
	if err != nil {
		h.internalError(w, r, err)
		return directory.Event{}, nil, false
	}
	visible, err := h.canView(ctx, res.Value, viewer)
	if err != nil {
		h.internalError(w, r, err)
		return directory.Event{}, nil, false
	}
	if !visible {
		writeError(w, http.StatusNotFound, "Event not found")
		return directory.Event{}, nil, false
	}
	return res.Value, viewer, true
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	events, err := h.dir.ListEvents(ctx, directory.EventQuery{
		Type:   q.Get("type"),
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
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		// Unlisted events are reachable by id only.
		if event.Visibility == visibility.EntityUnlisted {
			continue
		}
		visible, err := h.canView(ctx, event, viewer)
		if err != nil {
			h.internalError(w, r, err)
			return
		}
		if visible {
			items = append(items, event.Fields())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, _ := directory.RequesterFrom(ctx)
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	event, err := h.dir.CreateEvent(ctx, directory.NewEvent{
		OwnerID:     owner.ID,
		Title:       deref(req.Title),
		Description: deref(req.Description),
		Type:        deref(req.Type),
		Visibility:  visibility.EntityVisibility(deref(req.Visibility)),
		StartsAt:    deref(req.StartsAt),
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event.Fields())
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, _, ok := h.loadEventParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, event.Fields())
}

func (h *Handler) handlePatchEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	event, _, ok := h.loadEventParam(w, r)
	if !ok {
		return
	}
	if !canManage(ctx, event.OwnerID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	updated, err := h.dir.UpdateEvent(ctx, event.ID, req.patch()).Get()
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Fields())
}

func (h *Handler) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	event, _, ok := h.loadEventParam(w, r)
	if !ok {
		return
	}
	if !canManage(ctx, event.OwnerID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	if err := h.dir.DeleteEvent(ctx, event.ID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAttend adds the requester to the event's attendees.
func (h *Handler) handleAttend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	event, _, ok := h.loadEventParam(w, r)
	if !ok {
		return
	}
	user, _ := directory.RequesterFrom(ctx)
	if err := h.dir.AddAttendee(ctx, event.ID, user.ID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
