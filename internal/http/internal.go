package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func tokenOK(r *http.Request, header, want string) bool {
	if want == "" {
		return false
	}
	got := r.Header.Get(header)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// runDispatch is the internal claim-and-send entrypoint, called by the
// gateway's trigger and by cron.
func (s *Server) runDispatch(w http.ResponseWriter, r *http.Request) {
	if !tokenOK(r, "X-Internal-Token", s.InternalToken) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var in struct {
		Organization string `json:"organization"`
		Limit        int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Organization == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if in.Limit <= 0 || in.Limit > 200 {
		in.Limit = s.DispatchLimit
	}

	res, err := s.Dispatcher.RunSweep(r.Context(), in.Organization, in.Limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "claimed": res.Claimed, "results": res.Results})
}

// runFollowups performs one follow-up sweep and reports per-lead
// outcomes with the stage any failure happened in.
func (s *Server) runFollowups(w http.ResponseWriter, r *http.Request) {
	if !tokenOK(r, "X-Followup-Token", s.FollowupToken) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var in struct {
		Organization string `json:"organization"`
		Limit        int    `json:"limit"`
		Timezone     string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Organization == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if in.Limit <= 0 || in.Limit > 200 {
		in.Limit = s.DispatchLimit
	}
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}

	res, err := s.Scheduler.RunSweep(r.Context(), in.Organization, in.Limit, in.Timezone)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "claimed": res.Claimed, "results": res.Results})
}

// listMessages serves the conversation log to the dashboard layer.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if !tokenOK(r, "X-Internal-Token", s.InternalToken) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	org := r.URL.Query().Get("org")
	ch := r.URL.Query().Get("channel")
	if org == "" || ch == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "org_and_channel_required"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	items, err := s.Store.ListMessages(r.Context(), org, ch, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

// requeueJob is the explicit operator transition for failed jobs.
func (s *Server) requeueJob(w http.ResponseWriter, r *http.Request) {
	if !tokenOK(r, "X-Internal-Token", s.InternalToken) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	id := chi.URLParam(r, "id")
	ok, err := s.Store.RequeueFailedJob(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": "job_not_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
