package wheel

import "errors"

var (
	// ErrInvalidDistribution means the prize weights cannot form a probability distribution.
	ErrInvalidDistribution = errors.New("invalid distribution")

	// ErrInvalidConfig covers wheel settings other than the weights.
	ErrInvalidConfig = errors.New("invalid wheel config")

	// ErrUnknownPrize means a drawn id is not present in the wheel it was drawn from.
	ErrUnknownPrize = errors.New("unknown prize")

	// ErrIndexOutOfRange is returned by the angle resolver for a slot index outside [0, N).
	ErrIndexOutOfRange = errors.New("segment index out of range")
)
