package api

import (
	"github.com/MJE43/prize-wheel/internal/audit"
	"github.com/MJE43/prize-wheel/internal/spin"
	"github.com/MJE43/prize-wheel/internal/store"
)

// EngineError is the JSON error envelope every endpoint returns on failure.
type EngineError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

func (e EngineError) Error() string {
	return e.Message
}

const (
	ErrTypeInvalidParams = "invalid_params"
	ErrTypeValidation    = "validation_error"
	ErrTypeUnauthorized  = "unauthorized"

	ErrTypeWheelNotFound       = "wheel_not_found"
	ErrTypeInvalidDistribution = "invalid_distribution"
	ErrTypeQuotaExceeded       = "quota_exceeded"
	ErrTypeSpinInProgress      = "spin_in_progress"
	ErrTypeIdempotencyConflict = "idempotency_key_reused"

	ErrTypeTimeout            = "timeout"
	ErrTypeInternal           = "internal_error"
	ErrTypeServiceUnavailable = "service_unavailable"
)

// ErrorCategory groups error types for logging and the X-Error-Category header.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "auth"
	CategorySpin       ErrorCategory = "spin"
	CategorySystem     ErrorCategory = "system"
	CategoryTimeout    ErrorCategory = "timeout"
)

func GetErrorCategory(errType string) ErrorCategory {
	switch errType {
	case ErrTypeInvalidParams, ErrTypeValidation, ErrTypeInvalidDistribution:
		return CategoryValidation
	case ErrTypeUnauthorized:
		return CategoryAuth
	case ErrTypeWheelNotFound, ErrTypeQuotaExceeded, ErrTypeSpinInProgress, ErrTypeIdempotencyConflict:
		return CategorySpin
	case ErrTypeTimeout:
		return CategoryTimeout
	default:
		return CategorySystem
	}
}

type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

type WheelsResponse struct {
	Wheels []spin.Summary `json:"wheels"`
}

// SpinRequest is the optional spin body.
type SpinRequest struct {
	CurrentRotationDeg float64 `json:"currentRotationDeg"`
}

type ResolveRequest struct {
	FinalRotationDeg *float64 `json:"finalRotationDeg"`
}

type AuditResponse struct {
	*audit.Report
	Version string `json:"version"`
}

// Pagination mirrors the history envelope clients page through.
type Pagination struct {
	CurrentPage int  `json:"currentPage"`
	TotalPages  int  `json:"totalPages"`
	Total       int  `json:"total"`
	HasNext     bool `json:"hasNext"`
	HasPrev     bool `json:"hasPrev"`
}

type HistoryResponse struct {
	Records    []store.SpinRecord `json:"records"`
	Pagination Pagination         `json:"pagination"`
}

func newHistoryResponse(p store.HistoryPage) HistoryResponse {
	return HistoryResponse{
		Records: p.Records,
		Pagination: Pagination{
			CurrentPage: p.Page,
			TotalPages:  p.TotalPages,
			Total:       p.Total,
			HasNext:     p.Page < p.TotalPages,
			HasPrev:     p.Page > 1,
		},
	}
}
