package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxRequestBody bounds JSON bodies read by DecodeJSON.
const maxRequestBody = 8 << 20

// ErrorResponse is the error envelope used on every route: {"detail": ...}.
// Detail is usually a string; the re-authentication response nests an object.
type ErrorResponse struct {
	Detail any `json:"detail"`
}

// RespondWithError sends an error response
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, ErrorResponse{Detail: message})
}

// RespondWithDetail sends an error response with a structured detail
func RespondWithDetail(w http.ResponseWriter, code int, detail any) {
	RespondWithJSON(w, code, ErrorResponse{Detail: detail})
}

// RespondWithJSON sends a JSON response
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// DecodeJSON decodes a request body into v. An empty body leaves v untouched.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
