// Package api exposes the chat HTTP endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"chat_fanout/internal/apperr"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"message":"failed to encode response","code":"unknown"}}`, http.StatusInternalServerError)
	}
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAlreadyExists:
		return http.StatusConflict
	case apperr.KindMalformed:
		return http.StatusBadRequest
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindInvalidCredentials, apperr.KindInvalidToken:
		return http.StatusUnauthorized
	case apperr.KindStorage, apperr.KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error writes the error envelope for err. Server-side failures keep their details out of the body.
func Error(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := StatusOf(kind)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = "internal error"
	}
	JSON(w, status, errorBody{Error: errorDetail{Message: message, Code: kind.String()}})
}
