package api

import (
	"net/http"

	"github.com/okian/rewards/internal/authz"
	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/okian/rewards/internal/adapters/http/api"

// handleAuthorize handles POST /v1/authorizations: it signs a claim for a
// settlement client that holds no key of its own.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	const op = "api.Authorize"
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), op)
	defer span.End()

	if s.deps.Authorizer == nil {
		metrics.RecordAuthorization("misconfigured")
		writeStatus(w, http.StatusServiceUnavailable, "misconfiguration", "signing key is not configured")
		return
	}
	var wire authz.WireRequest
	if err := decodeJSON(w, r, &wire); err != nil {
		metrics.RecordAuthorization("rejected")
		s.writeError(ctx, w, apperr.Wrapf(apperr.KindInvalidArgument, op, err, "decode body"))
		return
	}
	req, err := wire.Decode()
	if err != nil {
		metrics.RecordAuthorization("rejected")
		s.writeError(ctx, w, err)
		return
	}
	sig, err := s.deps.Authorizer.Issue(ctx, req)
	if err != nil {
		metrics.RecordAuthorization("failed")
		span.SetStatus(codes.Error, err.Error())
		s.writeError(ctx, w, err)
		return
	}
	metrics.RecordAuthorization("issued")
	writeJSON(w, http.StatusOK, authz.EncodeSignature(sig))
}
