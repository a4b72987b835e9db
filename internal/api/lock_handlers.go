package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
)

// StaffLocker is the advisory lock store behind /admin/locks.
type StaffLocker interface {
	Acquire(ctx context.Context, resource, holder string) (redisclient.ResourceLock, error)
	Check(ctx context.Context, resource string) (redisclient.ResourceLock, error)
	Release(ctx context.Context, resource, holder string) error
}

func (h *handlers) checkLock(w http.ResponseWriter, r *http.Request) {
	state, err := h.locks.Check(r.Context(), chi.URLParam(r, "resource"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toLockResponse(state))
}

func (h *handlers) acquireLock(w http.ResponseWriter, r *http.Request) {
	state, err := h.locks.Acquire(r.Context(), chi.URLParam(r, "resource"), actor(r).ID)
	if errors.Is(err, redisclient.ErrResourceLocked) {
		details := fmt.Sprintf("locked by %s", state.Holder)
		if !state.ExpiresAt.IsZero() {
			details += " until " + state.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		writeError(w, http.StatusConflict, "resource_locked", details)
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toLockResponse(state))
}

func (h *handlers) releaseLock(w http.ResponseWriter, r *http.Request) {
	if err := h.locks.Release(r.Context(), chi.URLParam(r, "resource"), actor(r).ID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
