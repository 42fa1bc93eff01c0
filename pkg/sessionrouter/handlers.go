package sessionrouter

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aixgo-dev/session-agent/internal/sessionactor"
	"github.com/aixgo-dev/session-agent/pkg/sessionerrors"
)

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
	Repo      string `json:"repo"`
}

func (rt *Router) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Repo == "" {
		writeError(w, http.StatusBadRequest, "sessionId and repo are required")
		return
	}
	if req.SessionID != p.SessionID {
		writeError(w, http.StatusForbidden, "session id does not match token")
		return
	}

	actor, err := rt.actorFor(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	view, err := actor.Initialize(r.Context(), sessionactor.InitializeRequest{
		Repo:      req.Repo,
		UserID:    p.UserID,
		Bearer:    p.Bearer,
		DBSiteURL: rt.cfg.DB.SiteURL,
	})
	if err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) handleGetSession(w http.ResponseWriter, r *http.Request) {
	actor, err := rt.actorFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, actor.GetState())
}

type promptRequest struct {
	Text string `json:"text"`
}

func (rt *Router) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	actor, err := rt.actorFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := actor.Prompt(r.Context(), req.Text); err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (rt *Router) handlePause(w http.ResponseWriter, r *http.Request) {
	actor, err := rt.actorFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	view, err := actor.Pause(r.Context())
	if err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) handleResume(w http.ResponseWriter, r *http.Request) {
	actor, err := rt.actorFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	view, err := actor.Resume(r.Context())
	if err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	actor, err := rt.actorFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := actor.Stop(r.Context()); err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeActorError maps a sessionerrors.Error to its spec §7 HTTP status;
// anything else (a bare Go error from a lower layer) is a 500.
func writeActorError(w http.ResponseWriter, err error) {
	var sessionErr *sessionerrors.Error
	if errors.As(err, &sessionErr) {
		writeJSON(w, sessionErr.Kind.HTTPStatus(), map[string]string{
			"error": sessionErr.Message,
			"kind":  string(sessionErr.Kind),
		})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
