package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"warden/core"
	"warden/ingest"
	"warden/metrics"
)

const healthCheckTimeout = 2 * time.Second

type blockedResponse struct {
	Type       core.EntityType `json:"type"`
	Identifier string          `json:"identifier"`
	Blocked    bool            `json:"blocked"`
}

type allowResponse struct {
	Identity string `json:"identity"`
	Allowed  bool   `json:"allowed"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Time   string            `json:"time"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ingestEvent godoc
// POST /api/v1/events
// Accepts a JSON or MessagePack raw event and returns the ProcessResult.
func (a *API) ingestEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.Server.MaxBodyBytes)

	data, err := readBody(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			metrics.EventsRejected.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", err, a.logger)
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", err, a.logger)
		return
	}

	contentType := r.Header.Get("Content-Type")
	raw, err := ingest.DecodeRawEvent(contentType, data)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("decode").Inc()
		writeError(w, http.StatusBadRequest, "invalid event body", err, a.logger)
		return
	}

	res, err := a.engine.Ingest(r.Context(), raw)
	if err != nil {
		if errors.Is(err, core.ErrInvalidEvent) {
			writeError(w, http.StatusUnprocessableEntity, err.Error(), err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to process event", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, res, a.logger)
}

// getBlocked godoc
// GET /api/v1/blocked/{type}/{id}
func (a *API) getBlocked(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, err := core.ParseEntityType(vars["type"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "entity type must be ip or user", err, a.logger)
		return
	}
	id := vars["id"]
	if id == "" || len(id) > maxIdentifierLength {
		writeError(w, http.StatusBadRequest, "invalid identifier", nil, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, blockedResponse{
		Type:       kind,
		Identifier: id,
		Blocked:    a.engine.IsBlocked(kind, id),
	}, a.logger)
}

// allowRequest godoc
// POST /api/v1/ratelimit/{identity}/allow
// Consumes one token from the identity's rate-limit signal.
func (a *API) allowRequest(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	if identity == "" || len(identity) > maxIdentifierLength {
		writeError(w, http.StatusBadRequest, "invalid identity", nil, a.logger)
		return
	}
	allowed := a.engine.AllowRequest(identity)
	status := http.StatusOK
	if !allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, allowResponse{Identity: identity, Allowed: allowed}, a.logger)
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy", Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if len(a.checks) > 0 {
		resp.Checks = make(map[string]string, len(a.checks))
	}
	for name, check := range a.checks {
		if err := check.HealthCheck(ctx); err != nil {
			a.logger.Warnw("Health check failed", "check", name, "error", err)
			resp.Checks[name] = "unhealthy"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp, a.logger)
}
