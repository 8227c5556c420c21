package spin

import (
	"errors"

	"github.com/MJE43/prize-wheel/internal/catalog"
	"github.com/MJE43/prize-wheel/internal/store"
)

var (
	// ErrQuotaExceeded: the user has no spins left today on this wheel.
	ErrQuotaExceeded = store.ErrQuotaExceeded

	// ErrSpinInProgress: another spin for the same user and wheel has not finished.
	ErrSpinInProgress = errors.New("spin already in progress")

	ErrWheelNotFound = catalog.ErrWheelNotFound

	// ErrIdempotencyKeyReused: the key already identifies a spin on another wheel.
	ErrIdempotencyKeyReused = errors.New("idempotency key already used on another wheel")

	ErrInvalidRequest = errors.New("invalid spin request")
)
