package api

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"

	"go.uber.org/zap"

	"warden/util"
)

const (
	maxIdentifierLength   = 256
	maxErrorMessageLength = 512
)

var (
	connStringPattern = regexp.MustCompile(`(?:sqlite|redis|clickhouse|nats|tcp)://[^\s"']+`)
	filePathPattern   = regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:[^\\/:*?"<>|\s]+[\\/])+[^\\/:*?"<>|\s]+`)
	privateIPPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:10|127)(?:\.\d{1,3}){3}(?::\d{1,5})?\b`),
		regexp.MustCompile(`\b172\.(?:1[6-9]|2[0-9]|3[01])(?:\.\d{1,3}){2}(?::\d{1,5})?\b`),
		regexp.MustCompile(`\b192\.168(?:\.\d{1,3}){2}(?::\d{1,5})?\b`),
	}
)

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// sanitizeErrorMessage strips connection strings, file paths, internal addresses and secrets
// before a message reaches a client
func sanitizeErrorMessage(message string) string {
	message = connStringPattern.ReplaceAllString(message, "[CONNECTION]")
	message = filePathPattern.ReplaceAllString(message, "[FILE_PATH]")
	for _, p := range privateIPPatterns {
		message = p.ReplaceAllString(message, "[PRIVATE_IP]")
	}
	message = util.SanitizeString(message)
	if len(message) > maxErrorMessageLength {
		message = util.Truncate(message, maxErrorMessageLength)
	}
	return message
}

// writeError logs the full error and sends the client a sanitized JSON message
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	fields := []any{"status_code", statusCode}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}
	if statusCode >= http.StatusInternalServerError {
		logger.Errorw(message, fields...)
	} else {
		logger.Warnw(message, fields...)
	}

	resp := errorResponse{Error: sanitizeErrorMessage(message)}
	if id := w.Header().Get(requestIDHeader); id != "" {
		resp.RequestID = id
	}
	writeJSON(w, statusCode, resp, logger)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("Failed to encode response", "error", err)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
