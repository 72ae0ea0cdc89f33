// Package response writes the uniform JSON envelope returned by every endpoint.
package response

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/pkg/apperror"
)

// Envelope is the body shape of every response.
type Envelope struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       any    `json:"data"`
	Stack      string `json:"stack,omitempty"`
}

// Responder serialises results and failures. When ShowStack is true error
// envelopes carry the recorded stack trace.
type Responder struct {
	logger    *zap.SugaredLogger
	ShowStack bool
}

func NewResponder(logger *zap.SugaredLogger, showStack bool) *Responder {
	return &Responder{logger: logger, ShowStack: showStack}
}

// OK writes a 200 envelope.
func (r *Responder) OK(w http.ResponseWriter, message string, data any) {
	r.Success(w, http.StatusOK, message, data)
}

// Created writes a 201 envelope.
func (r *Responder) Created(w http.ResponseWriter, message string, data any) {
	r.Success(w, http.StatusCreated, message, data)
}

func (r *Responder) Success(w http.ResponseWriter, status int, message string, data any) {
	Write(w, status, Envelope{Success: true, StatusCode: status, Message: message, Data: data})
}

// Error normalises err and writes it. Internal failures are logged at error
// level with their cause; the caller only sees the public message.
func (r *Responder) Error(w http.ResponseWriter, req *http.Request, err error) {
	appErr := apperror.As(err)
	status := appErr.Status()
	if appErr.Kind == apperror.KindInternal {
		r.logger.Errorw("request failed",
			"method", req.Method,
			"path", req.URL.Path,
			"err", err,
		)
	} else {
		r.logger.Debugw("request rejected",
			"path", req.URL.Path,
			"kind", appErr.Kind.String(),
			"message", appErr.Message,
		)
	}
	env := Envelope{StatusCode: status, Message: appErr.Message}
	if r.ShowStack {
		env.Stack = appErr.Stack()
	}
	Write(w, status, env)
}

// Write encodes v as JSON with the given status.
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
