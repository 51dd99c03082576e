package api

import (
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// ProductInfo summarizes the product a key belongs to
type ProductInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// LicenseInfo summarizes the license state; ExpiresAt is null for open ended subscriptions
type LicenseInfo struct {
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// ValidateData is the payload of an accepted validation
type ValidateData struct {
	Product ProductInfo `json:"product"`
	License LicenseInfo `json:"license"`
}

// ValidateResponse is the body of an accepted validation
type ValidateResponse struct {
	Success bool          `json:"success"`
	Valid   bool          `json:"valid"`
	Message string        `json:"message"`
	Data    *ValidateData `json:"data,omitempty"`
}

// Render implements render.Renderer
func (ValidateResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusOK)
	return nil
}

// ChallengeData is an issued challenge
type ChallengeData struct {
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
	ExpiresIn int    `json:"expires_in"`
}

// ChallengeResponse is the body of a successful challenge issuance
type ChallengeResponse struct {
	Challenge ChallengeData `json:"challenge"`
}

// Render implements render.Renderer
func (ChallengeResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusOK)
	return nil
}

// HealthResponse is the body of GET /validate/health
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Server    string            `json:"server"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Render implements render.Renderer
func (h HealthResponse) Render(w http.ResponseWriter, r *http.Request) error {
	if h.Status != "ok" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	return nil
}
