package main

import (
	"encoding/json"
	"net/http"
)

// Error codes surfaced to clients. Every one of these is recoverable by the
// caller correcting input or requesting a fresh invite; none is fatal.
const (
	CodeInviteRequired     = "INVITE_REQUIRED"
	CodeInvalidOrExpired   = "INVALID_OR_EXPIRED_INVITE"
	CodeAlreadyRegistered  = "ALREADY_REGISTERED"
	CodeDuplicateInvite    = "DUPLICATE_INVITE"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenReuseDetected = "TOKEN_REUSE_DETECTED"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}
