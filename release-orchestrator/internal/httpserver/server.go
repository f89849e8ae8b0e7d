// Package httpserver exposes the release orchestrator over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/auth"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/orchestrator"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/rollout"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/scheduler"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
)

const maxUploadBytes = 512 << 20

type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Rollout      *rollout.Controller
	Activity     *activity.Log
	Scheduler    *scheduler.Scheduler
	Store        store.Store
	Verifier     *auth.Verifier
	Logger       *zap.Logger
}

type Server struct {
	orch     *orchestrator.Orchestrator
	rollout  *rollout.Controller
	activity *activity.Log
	sched    *scheduler.Scheduler
	store    store.Store
	verifier *auth.Verifier
	logger   *zap.Logger
	validate *validator.Validate
}

func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		orch:     d.Orchestrator,
		rollout:  d.Rollout,
		activity: d.Activity,
		sched:    d.Scheduler,
		store:    d.Store,
		verifier: d.Verifier,
		logger:   logger.Named("http"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier, s.logger))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/releases", s.handleListReleases)
			r.Get("/releases/by-key/{key}", s.handleGetReleaseByKey)
			r.Get("/releases/{id}", s.handleGetRelease)
			r.Get("/releases/{id}/approval", s.handleApproval)
			r.Get("/releases/{id}/activity", s.handleListActivity)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(auth.RequireAnyRole(auth.RoleReleaseAdmin, auth.RoleReleaseManager, auth.RoleEngineer))
			r.Post("/releases", s.handleKickoff)
			r.Post("/releases/{id}/pause", s.handlePause)
			r.Post("/releases/{id}/resume", s.handleResume)
			r.Post("/releases/{id}/trigger-next-stage", s.handleTriggerNextStage)
			r.Post("/tasks/{taskID}/retry", s.handleRetryTask)
			r.Post("/releases/{id}/slots", s.handleAddSlot)
			r.Delete("/releases/{id}/slots/{slotID}", s.handleRemoveSlot)
			r.Post("/releases/{id}/cycles", s.handleStartCycle)
			r.Post("/releases/{id}/cycles/{cycleID}/abandon", s.handleAbandonCycle)
			r.Post("/releases/{id}/submissions", s.handleCreateSubmission)
			r.Patch("/releases/{id}/rollout", s.handleUpdateRollout)
			r.Post("/releases/{id}/rollout/pause", s.handlePauseRollout)
			r.Post("/releases/{id}/rollout/resume", s.handleResumeRollout)
			r.Post("/releases/{id}/rollout/halt", s.handleHaltRollout)
			r.Post("/releases/{id}/rollout/cancel", s.handleCancelRollout)
		})

		// Uploads stream large files and carry no request timeout.
		r.With(auth.RequireAnyRole(auth.RoleReleaseAdmin, auth.RoleReleaseManager, auth.RoleEngineer)).
			Post("/releases/{id}/builds", s.handleUploadBuild)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(auth.RequireAnyRole(auth.RoleReleaseAdmin, auth.RoleReleaseManager))
			r.Post("/releases/{id}/archive", s.handleArchive)
			r.Post("/releases/{id}/tick", s.handleTickRelease)
			r.Post("/tick", s.handleTick)
			r.Get("/activity/verify", s.handleVerifyActivity)
		})

		r.With(middleware.Timeout(30*time.Second), auth.RequireAnyRole(auth.RoleProductManager, auth.RoleReleaseAdmin)).
			Post("/releases/{id}/pm-approval", s.handlePMApproval)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(auth.RequireAnyRole(auth.RoleCIService, auth.RoleReleaseAdmin))
			r.Post("/callbacks/ci", s.handleCallback)
			r.Post("/callbacks/store-status", s.handleStoreStatus)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if s.sched != nil {
		status["lastTick"] = s.sched.Last()
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	sum, err := s.sched.RunOnce(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) handleTickRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.orch.TickRelease(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondView(w, r, id)
}

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	filter := activity.Filter{
		ReleaseID:  id,
		EntityType: activity.EntityType(r.URL.Query().Get("entityType")),
		Limit:      queryInt(r, "limit", 200),
	}
	if raw := r.URL.Query().Get("entityId"); raw != "" {
		eid, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, string(apperrors.CodeValidation), "invalid entityId")
			return
		}
		filter.EntityID = &eid
	}
	entries, err := s.activity.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleVerifyActivity(w http.ResponseWriter, r *http.Request) {
	n, err := s.activity.Verify(r.Context())
	if err != nil {
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"ok":       false,
			"verified": n,
			"error":    err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "verified": n})
}

// statusFor maps error codes to HTTP statuses.
func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeValidation:
		return http.StatusBadRequest
	case apperrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeInvalidTransition, apperrors.CodeDuplicateCompletion,
		apperrors.CodeCycleAlreadyActive, apperrors.CodeConflict:
		return http.StatusConflict
	case apperrors.CodeLockContention:
		return http.StatusLocked
	case apperrors.CodeInvalidPlatformOperation, apperrors.CodeTaskFailure:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	msg := err.Error()
	if status >= 500 {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		msg = "internal error"
	}
	body := map[string]interface{}{
		"error": msg,
		"code":  string(code),
	}
	if meta := apperrors.MetaOf(err); len(meta) > 0 {
		body["meta"] = meta
	}
	respondJSON(w, status, body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decodeJSON(w, r, v, 1<<20); err != nil {
		respondError(w, http.StatusBadRequest, string(apperrors.CodeValidation), err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, string(apperrors.CodeValidation), err.Error())
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, string(apperrors.CodeValidation), "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func actor(r *http.Request) string {
	return auth.FromContext(r.Context()).Actor()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
