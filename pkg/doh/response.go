package doh

import (
	"encoding/json"
	"net/http"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type"
	corsMaxAge       = "86400"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
}

// writePreflight answers a CORS preflight without contacting any upstream.
func writePreflight(w http.ResponseWriter) {
	setCORSHeaders(w.Header())
	w.Header().Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusNoContent)
}

// writeMessage writes the winning upstream body unchanged.
func writeMessage(w http.ResponseWriter, body []byte) {
	setCORSHeaders(w.Header())
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if status == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", corsAllowMethods)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: message, Details: details})
}
