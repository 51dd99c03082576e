package validation

import "net/http"

// Code is a terminal rejection code of the validation pipeline
type Code string

const (
	CodeMissingFields       Code = "MISSING_FIELDS"
	CodeInvalidTimestamp    Code = "INVALID_TIMESTAMP"
	CodeInvalidAPIKey       Code = "INVALID_API_KEY"
	CodeAPIKeyInactive      Code = "API_KEY_INACTIVE"
	CodeProductInactive     Code = "PRODUCT_INACTIVE"
	CodeProductMismatch     Code = "PRODUCT_MISMATCH"
	CodeUserSuspended       Code = "USER_SUSPENDED"
	CodePaymentRequired     Code = "PAYMENT_REQUIRED"
	CodeSubscriptionExpired Code = "SUBSCRIPTION_EXPIRED"
	CodeDomainNotAllowed    Code = "DOMAIN_NOT_ALLOWED"
	CodeIPNotAllowed        Code = "IP_NOT_ALLOWED"
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeInvalidNonce        Code = "INVALID_NONCE"
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeInternalError       Code = "INTERNAL_ERROR"
)

var defaultMessages = map[Code]string{
	CodeMissingFields:       "Missing or malformed required fields",
	CodeInvalidTimestamp:    "Request timestamp is outside the allowed window",
	CodeInvalidAPIKey:       "Invalid API key",
	CodeAPIKeyInactive:      "API key is not active",
	CodeProductInactive:     "Product is not active",
	CodeProductMismatch:     "API key does not belong to this product",
	CodeUserSuspended:       "Account is suspended",
	CodePaymentRequired:     "Payment required for this license",
	CodeSubscriptionExpired: "Subscription has expired",
	CodeDomainNotAllowed:    "Domain is not authorized for this license",
	CodeIPNotAllowed:        "IP address is not authorized for this license",
	CodeRateLimitExceeded:   "Daily request limit exceeded",
	CodeInvalidNonce:        "Invalid nonce",
	CodeInvalidSignature:    "Invalid signature",
	CodeInternalError:       "Internal server error",
}

// Message returns the default human readable message for c
func (c Code) Message() string {
	if m, ok := defaultMessages[c]; ok {
		return m
	}
	return string(c)
}

// HTTPStatus maps c to a response status: 400 for malformed input, 500 for
// internal faults and 403 for every policy rejection
func (c Code) HTTPStatus() int {
	switch c {
	case "":
		return http.StatusOK
	case CodeMissingFields:
		return http.StatusBadRequest
	case CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusForbidden
	}
}

// Codes lists every rejection code in pipeline order
func Codes() []Code {
	return []Code{
		CodeMissingFields, CodeInvalidTimestamp, CodeInvalidAPIKey, CodeAPIKeyInactive,
		CodeProductInactive, CodeProductMismatch, CodeUserSuspended, CodePaymentRequired,
		CodeSubscriptionExpired, CodeDomainNotAllowed, CodeIPNotAllowed, CodeRateLimitExceeded,
		CodeInvalidNonce, CodeInvalidSignature, CodeInternalError,
	}
}
