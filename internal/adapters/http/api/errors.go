package api

import (
	"context"
	"net/http"

	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/pkg/logger"
	"github.com/okian/rewards/pkg/metrics"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindMisconfiguration:
		return http.StatusServiceUnavailable
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAlreadyClaimed:
		return http.StatusOK
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindSettlementFailed:
		return http.StatusBadGateway
	case apperr.KindSettlementTimeout:
		return http.StatusAccepted
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", logger.String("kind", kind.String()), logger.Error(err))
		metrics.RecordErrorByComponent("http", kind.String())
		if kind == apperr.KindUnknown {
			msg = http.StatusText(status)
		}
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: kind.String()})
}

func writeStatus(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
