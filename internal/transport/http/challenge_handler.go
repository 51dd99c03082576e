package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"licensegate/internal/challenge"
	apierrors "licensegate/internal/errors"
	"licensegate/internal/middleware"
	"licensegate/internal/validation"
	api "licensegate/pkg/contracts/api/v1"
)

const challengeVerifiedMessage = "Challenge verified successfully"

// ChallengeService issues and verifies challenges
type ChallengeService interface {
	Issue(ctx context.Context, req challenge.IssueRequest) (challenge.Challenge, error)
	Verify(ctx context.Context, resp challenge.Response) error
}

// ChallengeHandler serves the challenge-response endpoints
type ChallengeHandler struct {
	service ChallengeService
	logger  *slog.Logger
}

// NewChallengeHandler creates a new challenge handler
func NewChallengeHandler(service ChallengeService, logger *slog.Logger) *ChallengeHandler {
	return &ChallengeHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "challenge")),
	}
}

// Issue handles POST /validate/challenge
func (h *ChallengeHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var body api.ChallengeRequest
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		h.logger.DebugContext(r.Context(), "undecodable challenge body", slog.String("error", err.Error()))
		body = api.ChallengeRequest{}
	}

	ch, err := h.service.Issue(r.Context(), challenge.IssueRequest{
		APIKey:    body.APIKey,
		Domain:    body.Domain,
		ClientIP:  middleware.ClientIP(r),
		RequestID: middleware.GetReqID(r.Context()),
	})
	if err != nil {
		render.Render(w, r, challengeError(err))
		return
	}

	render.Render(w, r, api.ChallengeResponse{
		Challenge: api.ChallengeData{
			Nonce:     ch.Nonce,
			Timestamp: ch.Timestamp,
			Signature: ch.Signature,
			ExpiresIn: ch.ExpiresIn,
		},
	})
}

// Verify handles POST /validate/challenge/verify
func (h *ChallengeHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var body api.ChallengeVerifyRequest
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		h.logger.DebugContext(r.Context(), "undecodable challenge response", slog.String("error", err.Error()))
		body = api.ChallengeVerifyRequest{}
	}

	err := h.service.Verify(r.Context(), challenge.Response{
		APIKey:    body.APIKey,
		Nonce:     body.Nonce,
		Timestamp: body.Timestamp,
		Signature: body.Signature,
		ClientIP:  middleware.ClientIP(r),
		RequestID: middleware.GetReqID(r.Context()),
	})
	if err != nil {
		render.Render(w, r, challengeError(err))
		return
	}

	render.Render(w, r, api.ValidateResponse{
		Success: true,
		Valid:   true,
		Message: challengeVerifiedMessage,
	})
}

// challengeError maps a service error onto the validation envelope.
// Anything that is not a policy rejection is reported as INTERNAL_ERROR.
func challengeError(err error) *apierrors.ValidationErrorResponse {
	var rej *challenge.Error
	if errors.As(err, &rej) {
		return apierrors.NewValidationErrorResponse(rej.Code.HTTPStatus(), string(rej.Code), rej.Message)
	}
	code := validation.CodeInternalError
	return apierrors.NewValidationErrorResponse(code.HTTPStatus(), string(code), code.Message())
}
