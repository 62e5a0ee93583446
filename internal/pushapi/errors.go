// Package pushapi is the server side of web push: it stores the
// subscriptions pages report and delivers messages to them with VAPID.
package pushapi

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrLoginRequired       = errors.New("login is required to enable push notifications")
	ErrInvalidSubscription = errors.New("invalid push subscription payload received")
	ErrPushDisabled        = errors.New("VAPID keys are not configured")
	ErrNotFound            = errors.New("push subscription not found")
)

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrLoginRequired):
		return http.StatusForbidden, "LoginRequired"
	case errors.Is(err, ErrInvalidSubscription):
		return http.StatusBadRequest, "InvalidSubscription"
	case errors.Is(err, ErrPushDisabled):
		return http.StatusServiceUnavailable, "PushDisabled"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "NotFound"
	}
	return http.StatusInternalServerError, "InternalError"
}

// WriteError renders err as an ErrorResponse with a matching status.
func WriteError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeMessage wraps v in the {"message": ...} envelope.
func writeMessage(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, map[string]any{"message": v})
}
