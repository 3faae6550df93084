package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/deployd/internal/apperror"
	"github.com/mattjoyce/deployd/internal/dispatch"
)

// handleDeploy handles POST /deploy.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req dispatch.DeployRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Suffix) == "" {
		s.renderError(w, r, apperror.New(http.StatusBadRequest, "Missing deployment suffix"))
		return
	}

	res, err := s.deployer.Deploy(r.Context(), req)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleUndeploy handles POST /undeploy. The suffix names the application.
func (s *Server) handleUndeploy(w http.ResponseWriter, r *http.Request) {
	var req UndeployRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Suffix) == "" {
		s.renderError(w, r, apperror.New(http.StatusBadRequest, "Missing application suffix"))
		return
	}

	if err := s.deployer.Undeploy(r.Context(), req.Suffix); err != nil {
		s.renderError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, UndeployResponse{Suffix: req.Suffix})
}

// handleInspect handles GET /inspect.
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	handles := s.deployer.Workers()
	workers := make([]WorkerView, 0, len(handles))
	for _, h := range handles {
		workers = append(workers, WorkerView{
			ID:           h.ID,
			PID:          h.PID,
			DeploymentID: h.DeploymentID,
			State:        h.State().String(),
			StartedAt:    h.StartedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"applications": s.deployer.Applications(),
		"workers":      workers,
	})
}

// handleValidate handles GET /validate.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ValidateResponse{Status: "success", Data: true})
}

// handleReadiness handles GET /readiness.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		HostID:        s.deployer.HostID(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workers:       len(s.deployer.Workers()),
		Applications:  len(s.deployer.Applications()),
	})
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.deployer.HostID(), s.events != nil, s.metrics != nil))
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperror.New(http.StatusRequestEntityTooLarge, "Request body too large")
		case errors.Is(err, io.EOF):
			return apperror.New(http.StatusBadRequest, "Request body is empty")
		default:
			return apperror.New(http.StatusBadRequest, "Invalid JSON body")
		}
	}
	return nil
}

// renderError is the single place failures are translated for the caller.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperror.From(err)

	attrs := []any{
		"status_code", ae.Code,
		"message", ae.Message,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
	}
	if !s.config.Production {
		attrs = append(attrs, "stack", ae.Stack())
	}
	if ae.Code >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Warn("request failed", attrs...)
	}

	respondJSON(w, ae.Code, ErrorResponse{Status: ae.Status, Message: ae.Message})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response without logging.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	ae := apperror.New(statusCode, message)
	respondJSON(w, statusCode, ErrorResponse{Status: ae.Status, Message: ae.Message})
}
