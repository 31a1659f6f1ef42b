package soar

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
	"warden/util"
)

// Executor runs registered action handlers. Failures are isolated: one failed
// action never prevents the others from running.
type Executor struct {
	handlers   map[core.Action]Handler
	handlersMu sync.RWMutex
	logger     *zap.SugaredLogger
}

// NewExecutor creates an executor with no handlers
func NewExecutor(logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{
		handlers: make(map[core.Action]Handler),
		logger:   logger,
	}
}

// RegisterAction registers or replaces the handler for an action
func (e *Executor) RegisterAction(h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[h.Action()] = h
	e.logger.Debugw("Registered response action", "action", h.Action())
}

// GetAction retrieves the handler for an action
func (e *Executor) GetAction(action core.Action) (Handler, error) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()

	h, ok := e.handlers[action]
	if !ok {
		return nil, fmt.Errorf("action %s not registered", action)
	}
	return h, nil
}

// Execute runs a single action. Any failure, including a panic inside the
// handler, comes back as a *core.ActionError.
func (e *Executor) Execute(ctx context.Context, action core.Action, req Request) (err error) {
	h, err := e.GetAction(action)
	if err != nil {
		return &core.ActionError{Action: action, Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &core.ActionError{Action: action, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := h.Execute(ctx, req); err != nil {
		return &core.ActionError{Action: action, Err: err}
	}
	return nil
}

// ExecuteAll runs every action of the set in order; log is always first.
// It returns the actions that succeeded and the failures of the others.
func (e *Executor) ExecuteAll(ctx context.Context, actions *core.ActionSet, req Request) ([]core.Action, []error) {
	ordered := make([]core.Action, 0, actions.Len()+1)
	ordered = append(ordered, core.ActionLog)
	for _, a := range actions.List() {
		if a != core.ActionLog {
			ordered = append(ordered, a)
		}
	}

	taken := make([]core.Action, 0, len(ordered))
	var errs []error
	for _, a := range ordered {
		if err := e.Execute(ctx, a, req); err != nil {
			metrics.ActionFailures.WithLabelValues(string(a)).Inc()
			e.logger.Errorw("Response action failed",
				"action", a,
				"event_id", eventID(req),
				"error", util.SanitizeError(err))
			errs = append(errs, err)
			continue
		}
		metrics.ActionsExecuted.WithLabelValues(string(a)).Inc()
		taken = append(taken, a)
	}
	return taken, errs
}

func eventID(req Request) string {
	if req.Event == nil || req.Event.SecurityEvent == nil {
		return ""
	}
	return req.Event.ID
}
