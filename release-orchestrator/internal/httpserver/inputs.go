package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/orchestrator"
)

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.CallbackInput
	if !s.decode(w, r, &in) {
		return
	}
	task, err := s.orch.HandleCallback(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, task)
}

// handleUploadBuild takes multipart/form-data with platform, stage and either a
// file part or a testflightNumber.
func (s *Server) handleUploadBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, string(apperrors.CodeValidation), "invalid multipart form: "+err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	in := orchestrator.UploadInput{
		ReleaseID:         id,
		Platform:          models.Platform(r.FormValue("platform")),
		Stage:             models.BuildStage(r.FormValue("stage")),
		TestflightNumber:  r.FormValue("testflightNumber"),
		InternalTrackLink: r.FormValue("internalTrackLink"),
		Actor:             actor(r),
	}
	if raw := r.FormValue("versionCode"); raw != "" {
		vc, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, string(apperrors.CodeValidation), "versionCode must be an integer")
			return
		}
		in.VersionCode = &vc
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		in.Body = file
		in.FileName = header.Filename
		in.ContentType = header.Header.Get("Content-Type")
	case errors.Is(err, http.ErrMissingFile):
	default:
		respondError(w, http.StatusBadRequest, string(apperrors.CodeValidation), err.Error())
		return
	}

	build, err := s.orch.UploadBuild(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, build)
}
