package worker

import "errors"

// Ошибки воркера.
var (
	// ErrWorkerStopped — Start вызван после Stop.
	ErrWorkerStopped = errors.New("worker stopped")
)
