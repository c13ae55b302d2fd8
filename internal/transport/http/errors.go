package transporthttp

import (
	"encoding/json"
	"net/http"
	"time"

	"example.com/moderationbridge/internal/domain"
)

// ErrorBody is the JSON shape of every failure response.
type ErrorBody struct {
	Success   *bool               `json:"success,omitempty"`
	Error     string              `json:"error"`
	Details   string              `json:"details,omitempty"`
	Fields    map[string][]string `json:"fields,omitempty"`
	Timestamp string              `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorBody stamped with the current time.
func WriteError(w http.ResponseWriter, status int, msg, details string, fields map[string][]string) {
	writeJSON(w, status, ErrorBody{
		Error:     msg,
		Details:   details,
		Fields:    fields,
		Timestamp: domain.FormatTimestamp(time.Now()),
	})
}
