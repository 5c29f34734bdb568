package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/polisai/agepredict/pkg/domain"
	"github.com/polisai/agepredict/pkg/telemetry"
)

// PredictResponse is the body of GET /predict. Age is null when the
// prediction API failed or does not know the name.
type PredictResponse struct {
	Age *int `json:"age"`
}

// handlePredict handles GET /predict?name=<name>.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.URL.Query().Get("name")
	s.logger.InfoContext(ctx, "predict request received", "name", name)

	if name == "" {
		s.writeError(w, r, http.StatusBadRequest, domain.NewBadRequest(domain.ErrMissingName))
		return
	}

	var resp PredictResponse
	if age, ok := s.predictor.PredictAge(ctx, name); ok {
		resp.Age = &age
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleError always fails. It exercises the global error handler.
func (s *Server) handleError(http.ResponseWriter, *http.Request) {
	panic(domain.ErrDeliberateFailure)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusNotFound, &domain.DomainError{Message: "Not Found", Status: http.StatusNotFound})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response body", "error", err)
	}
}

// writeError renders err as an ErrorResponse. Server errors are reported with
// a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	body := domain.ErrorResponse{Error: http.StatusText(status)}

	var de *domain.DomainError
	if errors.As(err, &de) {
		body.Code = de.Code
		if status < http.StatusInternalServerError {
			body.Error = de.Error()
		}
	}
	if corr, ok := telemetry.CorrelationFromContext(r.Context()); ok {
		body.RequestID = corr.RequestID
	}

	s.writeJSON(w, status, body)
}
