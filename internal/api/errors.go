package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MJE43/prize-wheel/internal/audit"
	"github.com/MJE43/prize-wheel/internal/rng"
	"github.com/MJE43/prize-wheel/internal/spin"
	"github.com/MJE43/prize-wheel/internal/wheel"
)

// ErrorBuilder constructs an EngineError with context.
type ErrorBuilder struct {
	errType   string
	message   string
	context   map[string]interface{}
	requestID string
}

func NewError(errType, message string) *ErrorBuilder {
	return &ErrorBuilder{
		errType: errType,
		message: message,
		context: make(map[string]interface{}),
	}
}

func (eb *ErrorBuilder) WithContext(key string, value interface{}) *ErrorBuilder {
	eb.context[key] = value
	return eb
}

func (eb *ErrorBuilder) WithRequestID(requestID string) *ErrorBuilder {
	eb.requestID = requestID
	return eb
}

func (eb *ErrorBuilder) Build() EngineError {
	ctx := eb.context
	if len(ctx) == 0 {
		ctx = nil
	}
	return EngineError{
		Type:      eb.errType,
		Message:   eb.message,
		Context:   ctx,
		RequestID: eb.requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// classify maps a domain error to its HTTP status, error type and client-safe message.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, spin.ErrQuotaExceeded):
		return http.StatusTooManyRequests, ErrTypeQuotaExceeded, "daily spin limit reached"
	case errors.Is(err, spin.ErrSpinInProgress):
		return http.StatusConflict, ErrTypeSpinInProgress, "a spin is already in progress for this wheel"
	case errors.Is(err, spin.ErrIdempotencyKeyReused):
		return http.StatusConflict, ErrTypeIdempotencyConflict, err.Error()
	case errors.Is(err, spin.ErrWheelNotFound):
		return http.StatusNotFound, ErrTypeWheelNotFound, "wheel not found"
	case errors.Is(err, wheel.ErrInvalidDistribution), errors.Is(err, wheel.ErrInvalidConfig):
		return http.StatusUnprocessableEntity, ErrTypeInvalidDistribution, err.Error()
	case errors.Is(err, spin.ErrInvalidRequest), errors.Is(err, audit.ErrInvalidRequest):
		return http.StatusBadRequest, ErrTypeInvalidParams, err.Error()
	case errors.Is(err, rng.ErrSourceUnavailable):
		return http.StatusServiceUnavailable, ErrTypeServiceUnavailable, "random source unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, ErrTypeTimeout, "operation timed out"
	default:
		return http.StatusInternalServerError, ErrTypeInternal, "internal server error"
	}
}

// ErrorHandler writes error envelopes and logs them.
type ErrorHandler struct {
	logger *zap.Logger
}

func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError classifies err and writes the matching response.
// Internal errors are logged with their cause but never echoed to the client.
func (eh *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	var engineErr EngineError
	status := http.StatusInternalServerError
	if errors.As(err, &engineErr) {
		status = http.StatusBadRequest
	} else {
		var errType, message string
		status, errType, message = classify(err)
		eb := NewError(errType, message).
			WithRequestID(middleware.GetReqID(r.Context()))
		if id := chi.URLParam(r, "wheelID"); id != "" {
			eb.WithContext("wheel_id", id)
		}
		engineErr = eb.Build()
	}
	eh.logError(r, engineErr, status, err)
	eh.writeErrorResponse(w, status, engineErr)
}

func (eh *ErrorHandler) HandleValidationError(w http.ResponseWriter, r *http.Request, field, message string) {
	engineErr := NewError(ErrTypeValidation, fmt.Sprintf("Validation failed: %s", message)).
		WithRequestID(middleware.GetReqID(r.Context())).
		WithContext("field", field).
		Build()
	eh.logError(r, engineErr, http.StatusBadRequest, nil)
	eh.writeErrorResponse(w, http.StatusBadRequest, engineErr)
}

func (eh *ErrorHandler) HandleUnauthorized(w http.ResponseWriter, r *http.Request, cause error) {
	engineErr := NewError(ErrTypeUnauthorized, "unauthorized").
		WithRequestID(middleware.GetReqID(r.Context())).
		Build()
	eh.logError(r, engineErr, http.StatusUnauthorized, cause)
	eh.writeErrorResponse(w, http.StatusUnauthorized, engineErr)
}

func (eh *ErrorHandler) logError(r *http.Request, engineErr EngineError, status int, cause error) {
	level := zapcore.WarnLevel
	if status >= http.StatusInternalServerError {
		level = zapcore.ErrorLevel
	}
	fields := []zap.Field{
		zap.String("type", engineErr.Type),
		zap.String("category", string(GetErrorCategory(engineErr.Type))),
		zap.Int("status", status),
		zap.String("request_id", engineErr.RequestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if ce := eh.logger.Check(level, engineErr.Message); ce != nil {
		ce.Write(fields...)
	}
}

func (eh *ErrorHandler) writeErrorResponse(w http.ResponseWriter, status int, engineErr EngineError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Service-Version", Version)
	w.Header().Set("X-Error-Type", engineErr.Type)
	w.Header().Set("X-Error-Category", string(GetErrorCategory(engineErr.Type)))
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(engineErr); err != nil {
		eh.logger.Error("encode error response", zap.Error(err))
	}
}

// RecoveryHandler turns a panic into a 500 envelope.
func (eh *ErrorHandler) RecoveryHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				requestID := middleware.GetReqID(r.Context())
				eh.logger.Error("panic recovered",
					zap.String("request_id", requestID),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rvr),
					zap.Stack("stack"))
				engineErr := NewError(ErrTypeInternal, "Internal server error").
					WithRequestID(requestID).
					Build()
				eh.writeErrorResponse(w, http.StatusInternalServerError, engineErr)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request once it completes.
func (eh *ErrorHandler) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		eh.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_ip", r.RemoteAddr))
	})
}
