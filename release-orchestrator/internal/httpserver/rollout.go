package httpserver

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/rollout"
)

type createSubmissionRequest struct {
	Platform       models.Platform `json:"platform" validate:"required,oneof=ANDROID IOS WEB"`
	BuildID        *uuid.UUID      `json:"buildId,omitempty"`
	PhasedRelease  *bool           `json:"phasedRelease,omitempty"`
	InitialRollout *float64        `json:"initialRollout,omitempty"`
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req createSubmissionRequest
	if !s.decode(w, r, &req) {
		return
	}
	create := rollout.CreateRequest{
		ReleaseID:      id,
		Platform:       req.Platform,
		BuildID:        req.BuildID,
		PhasedRelease:  req.PhasedRelease,
		InitialRollout: req.InitialRollout,
		Actor:          actor(r),
	}
	sub, err := s.rollout.CreateSubmission(r.Context(), create)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleStoreStatus(w http.ResponseWriter, r *http.Request) {
	var u rollout.StoreStatusUpdate
	if !s.decode(w, r, &u) {
		return
	}
	sub, err := s.rollout.ApplyStoreStatus(r.Context(), u)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

type rolloutRequest struct {
	Platform   models.Platform `json:"platform" validate:"required,oneof=ANDROID IOS WEB"`
	Percentage *float64        `json:"percentage,omitempty"`
	Reason     string          `json:"reason" validate:"max=1000"`
}

type rolloutOp func(context.Context, rollout.Action) (models.Submission, error)

// handleRollout decodes a rollout action. Only a rollout update needs a percentage;
// an omitted one is rejected rather than read as 0%.
func (s *Server) handleRollout(needPercentage bool, op func(*rollout.Controller) rolloutOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req rolloutRequest
		if !s.decode(w, r, &req) {
			return
		}
		if needPercentage && req.Percentage == nil {
			s.fail(w, r, apperrors.Validation("percentage is required"))
			return
		}
		action := rollout.Action{
			ReleaseID: id,
			Platform:  req.Platform,
			Reason:    req.Reason,
			Actor:     actor(r),
		}
		if req.Percentage != nil {
			action.Percentage = *req.Percentage
		}
		sub, err := op(s.rollout)(r.Context(), action)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, sub)
	}
}

func (s *Server) handleUpdateRollout(w http.ResponseWriter, r *http.Request) {
	s.handleRollout(true, func(c *rollout.Controller) rolloutOp { return c.UpdateRollout })(w, r)
}

func (s *Server) handlePauseRollout(w http.ResponseWriter, r *http.Request) {
	s.handleRollout(false, func(c *rollout.Controller) rolloutOp { return c.Pause })(w, r)
}

func (s *Server) handleResumeRollout(w http.ResponseWriter, r *http.Request) {
	s.handleRollout(false, func(c *rollout.Controller) rolloutOp { return c.Resume })(w, r)
}

func (s *Server) handleHaltRollout(w http.ResponseWriter, r *http.Request) {
	s.handleRollout(false, func(c *rollout.Controller) rolloutOp { return c.Halt })(w, r)
}

func (s *Server) handleCancelRollout(w http.ResponseWriter, r *http.Request) {
	s.handleRollout(false, func(c *rollout.Controller) rolloutOp { return c.Cancel })(w, r)
}
