package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/middleware"
	"licensegate/internal/validation"
	api "licensegate/pkg/contracts/api/v1"
)

// Validator runs the license validation pipeline
type Validator interface {
	Validate(ctx context.Context, req validation.Request) validation.Outcome
}

// ValidationHandler serves POST /validate/request
type ValidationHandler struct {
	validator Validator
	logger    *slog.Logger
}

// NewValidationHandler creates a new validation handler
func NewValidationHandler(v Validator, logger *slog.Logger) *ValidationHandler {
	return &ValidationHandler{
		validator: v,
		logger:    logger.With(slog.String("handler", "validation")),
	}
}

// Validate handles POST /validate/request.
// A body that cannot be decoded still runs through the pipeline as an empty
// request so it is rejected and audited like any other malformed input.
func (h *ValidationHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var body api.ValidateRequest
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		h.logger.DebugContext(r.Context(), "undecodable validation body", slog.String("error", err.Error()))
		body = api.ValidateRequest{}
	}

	out := h.validator.Validate(r.Context(), validation.Request{
		ProductID: body.ProductID,
		Domain:    body.Domain,
		APIKey:    body.APIKey,
		Timestamp: body.Timestamp,
		Nonce:     body.Nonce,
		Signature: body.Signature,
		ClientIP:  middleware.ClientIP(r),
		RequestID: middleware.GetReqID(r.Context()),
	})

	if !out.Success {
		render.Render(w, r, apierrors.NewValidationErrorResponse(out.HTTPStatus(), string(out.Code), out.Message))
		return
	}

	render.Render(w, r, validateResponse(out))
}

func validateResponse(out validation.Outcome) api.ValidateResponse {
	resp := api.ValidateResponse{
		Success: true,
		Valid:   true,
		Message: out.Message,
	}
	if out.Product != nil && out.License != nil {
		resp.Data = &api.ValidateData{
			Product: api.ProductInfo{
				ID:      out.Product.ID,
				Name:    out.Product.Name,
				Version: out.Product.Version,
			},
			License: api.LicenseInfo{
				Status:    out.License.Status,
				ExpiresAt: out.License.ExpiresAt,
			},
		}
	}
	return resp
}
