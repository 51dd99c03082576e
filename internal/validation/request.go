package validation

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"licensegate/internal/signature"
)

// Request is a signed validation request together with transport facts
type Request struct {
	ProductID string `json:"product_id" validate:"required,uuid"`
	Domain    string `json:"domain" validate:"required,max=253"`
	APIKey    string `json:"api_key" validate:"required,max=128"`
	Timestamp int64  `json:"timestamp" validate:"required,gt=0"`
	Nonce     string `json:"nonce" validate:"required,min=32,max=128"`
	Signature string `json:"signature" validate:"required,max=128"`

	// ClientIP is the caller address as seen by the transport
	ClientIP string `json:"-" validate:"-"`
	// RequestID correlates the audit entry with the transport request
	RequestID string `json:"-" validate:"-"`
}

// SignedFields returns the canonical field set covered by the signature
func (r Request) SignedFields() signature.Fields {
	return signature.Fields{
		"product_id": r.ProductID,
		"domain":     r.Domain,
		"api_key":    r.APIKey,
		"timestamp":  r.Timestamp,
		"nonce":      r.Nonce,
	}
}

// ProductSummary is returned on acceptance
type ProductSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// LicenseSummary is returned on acceptance
type LicenseSummary struct {
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Outcome is the binary result of one pipeline run
type Outcome struct {
	Success bool
	Code    Code
	Message string
	KeyID   string
	Elapsed time.Duration

	Product *ProductSummary
	License *LicenseSummary
}

// HTTPStatus returns the response status for the outcome
func (o Outcome) HTTPStatus() int {
	return o.Code.HTTPStatus()
}

var fieldValidator = newFieldValidator()

func newFieldValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CheckFields validates presence and shape of the six signed fields and
// returns the names of offending fields, sorted
func CheckFields(r Request) []string {
	err := fieldValidator.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"request"}
	}
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		names = append(names, fe.Field())
	}
	sort.Strings(names)
	return names
}
