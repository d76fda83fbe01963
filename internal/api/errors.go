package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"reward-distributor/internal/domain"
)

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	ErrorID string `json:"errorId,omitempty"`
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindRaceLost, domain.KindConcurrencyConflict:
		return http.StatusConflict
	case domain.KindTransientUpstream:
		return http.StatusBadGateway
	case domain.KindInsufficientLiquidity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a classified error onto the response. Fatal errors are
// logged and reported under a fresh error id that is returned to the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.Fatal(err)
	}

	resp := errorResponse{Error: de.Msg, Code: de.Code}
	if de.Kind == domain.KindFatal {
		resp.ErrorID = uuid.NewString()
		s.log.Error("api: internal error",
			"error_id", resp.ErrorID,
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"error", err)
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("error_id", resp.ErrorID)
			scope.SetTag("path", r.URL.Path)
			sentry.CaptureException(err)
		})
	} else {
		s.log.Debug("api: request rejected", "path", r.URL.Path, "kind", de.Kind.String(), "code", de.Code)
	}

	writeJSON(w, statusFor(de.Kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		return domain.Validationf("invalid_body", "malformed request body: %v", err)
	}
	return nil
}
