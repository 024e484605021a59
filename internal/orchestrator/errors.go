package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrInvalidSpecification — JobSpec не прошёл валидацию
	// (размер batch, записи, tenant, target).
	ErrInvalidSpecification = errors.New("invalid job specification")

	// ErrInvalidState — операция недопустима в текущем статусе job.
	ErrInvalidState = errors.New("invalid job state")
)
