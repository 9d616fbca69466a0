package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Tonycreatyv/dentalconnect-engine/internal/core"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/dispatch"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/followup"
)

type Server struct {
	Store      *core.Store
	Dispatcher *dispatch.Dispatcher
	Scheduler  *followup.Scheduler
	Log        *zap.Logger

	VerifyToken   string
	InternalToken string
	FollowupToken string
	PageToken     string

	DefaultOrg     string
	DispatchLimit  int
	TriggerTimeout time.Duration
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, instrument)

	r.Get("/webhook/{channel}", s.verifyWebhook)
	r.Post("/webhook/{channel}", s.receiveWebhook)

	r.Post("/internal/dispatch", s.runDispatch)
	r.Post("/internal/followups", s.runFollowups)
	r.Post("/internal/jobs/{id}/requeue", s.requeueJob)
	r.Get("/internal/messages", s.listMessages)

	s.mountHealth(r)
	s.mountMetrics(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
