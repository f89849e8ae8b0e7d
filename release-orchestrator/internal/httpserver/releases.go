package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/auth"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/orchestrator"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
)

func (s *Server) respondView(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	view, err := s.orch.View(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleKickoff(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.KickoffRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Actor = actor(r)
	view, err := s.orch.Kickoff(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListReleases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ReleaseFilter{
		TenantID: q.Get("tenantId"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, models.ReleaseStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	releases, err := s.orch.ListReleases(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"releases": releases})
}

func (s *Server) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	s.respondView(w, r, id)
}

func (s *Server) handleGetReleaseByKey(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.ViewByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// decodeOptional accepts an empty body.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	return s.decode(w, r, v)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	view, err := s.orch.Pause(r.Context(), id, actor(r), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := s.orch.Resume(r.Context(), id, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

type triggerRequest struct {
	ForceApprove bool   `json:"forceApprove"`
	Reason       string `json:"reason" validate:"required_if=ForceApprove true,max=1000"`
}

func (s *Server) handleTriggerNextStage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req triggerRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	ai := auth.FromContext(r.Context())
	in := orchestrator.TriggerInput{
		Actor:        ai.Actor(),
		ForceApprove: req.ForceApprove,
		Reason:       req.Reason,
	}
	if ai != nil {
		in.Roles = ai.Roles
	}
	view, err := s.orch.TriggerNextStage(r.Context(), id, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	task, err := s.orch.RetryTask(r.Context(), id, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	view, err := s.orch.Archive(r.Context(), id, actor(r), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleAddSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req orchestrator.SlotRequest
	if !s.decode(w, r, &req) {
		return
	}
	slot, err := s.orch.AddSlot(r.Context(), id, req, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, slot)
}

func (s *Server) handleRemoveSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	slotID, ok := pathUUID(w, r, "slotID")
	if !ok {
		return
	}
	if err := s.orch.RemoveSlot(r.Context(), id, slotID, actor(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	cycle, err := s.orch.StartCycle(r.Context(), id, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, cycle)
}

func (s *Server) handleAbandonCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	cycleID, ok := pathUUID(w, r, "cycleID")
	if !ok {
		return
	}
	var req reasonRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	cycle, err := s.orch.AbandonCycle(r.Context(), id, cycleID, actor(r), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cycle)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	eval, readiness, err := s.orch.Approval(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"approval":  eval,
		"readiness": readiness,
	})
}

func (s *Server) handlePMApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rel, err := s.orch.ApprovePM(r.Context(), id, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}
