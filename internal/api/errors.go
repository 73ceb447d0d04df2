package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ErrorBody is the JSON document sent with every error status.
type ErrorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorised",
	http.StatusNotFound:            "not_found",
	http.StatusInternalServerError: "internal_error",
	http.StatusServiceUnavailable:  "unavailable",
}

// errorCode falls back to the snake-cased status text for statuses
// without an explicit code.
func errorCode(status int) string {
	if code, ok := errorCodes[status]; ok {
		return code
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // client may be gone
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorBody{Status: status, Code: errorCode(status), Message: message})
}
