package repo

import "errors"

// Общие ошибки хранилища.
var (
	// ErrNotFound — запись не найдена (в том числе если она принадлежит другому tenant).
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrLeaseHeld — batch захвачен другим воркером.
	ErrLeaseHeld = errors.New("batch lease held by another worker")

	// ErrLeaseLost — lease истёк или перехвачен до фиксации результата.
	ErrLeaseLost = errors.New("batch lease lost")
)
