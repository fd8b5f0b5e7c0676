package api

import (
	"encoding/json"
	"net/http"

	"github.com/baremetal-lab/inspector/internal/logger"
)

// ErrorBody is the wire shape of error responses. The message is nested
// under an "error" key so clients can distinguish failures from payloads.
type ErrorBody struct {
	Error ErrorMessage `json:"error"`
}

// ErrorMessage carries the human-readable failure description.
type ErrorMessage struct {
	Message string `json:"message"`
}

// ErrorResponse builds the error body for a failed request.
func ErrorResponse(message string) ErrorBody {
	return ErrorBody{Error: ErrorMessage{Message: message}}
}

// JSON writes v as the JSON response body with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The status line is already written, so all we can do is log.
		logger.Error("Failed to encode response body", "error", err)
	}
}
