package server

import (
	"errors"
	"net/http"

	"sentinel-ids/internal/ml"
)

// VersionResponse reports the active bundle after a reload or rollback.
type VersionResponse struct {
	Active ml.ArtifactVersion `json:"active"`
	Error  string             `json:"error,omitempty"`
}

type DriftResponse struct {
	Enabled bool            `json:"enabled"`
	Report  *ml.DriftReport `json:"report,omitempty"`
}

func (s *Server) handleModelVersions(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeError(w, http.StatusNotFound, "model management disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.models.Versions())
}

// handleModelReload rereads the artifact directory. A failed load keeps
// the active bundle and answers 500 with that bundle in the body.
func (s *Server) handleModelReload(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeError(w, http.StatusNotFound, "model management disabled")
		return
	}
	v, err := s.models.Reload()
	if err != nil {
		s.countError()
		writeJSON(w, http.StatusInternalServerError, VersionResponse{Active: v, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{Active: v})
}

func (s *Server) handleModelRollback(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeError(w, http.StatusNotFound, "model management disabled")
		return
	}
	v, err := s.models.Rollback()
	switch {
	case errors.Is(err, ml.ErrNoPreviousVersion):
		writeJSON(w, http.StatusConflict, VersionResponse{Active: v, Error: err.Error()})
	case err != nil:
		s.countError()
		writeJSON(w, http.StatusInternalServerError, VersionResponse{Active: v, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, VersionResponse{Active: v})
	}
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	m := s.svc.Dispatcher().Drift()
	if m == nil {
		writeJSON(w, http.StatusOK, DriftResponse{})
		return
	}
	report := m.Report()
	writeJSON(w, http.StatusOK, DriftResponse{Enabled: true, Report: &report})
}
