package classify

import (
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Freight/internal/domain"
)

// Ошибки, которые adapters target system используют для явной классификации.
var (
	// ErrValidation — запись не прошла валидацию в target system.
	ErrValidation = errors.New("validation failed")

	// ErrSchema — запись не соответствует схеме target system.
	ErrSchema = errors.New("schema mismatch")

	// ErrRateLimited — target system сообщил о превышении лимита запросов.
	ErrRateLimited = errors.New("rate limited")
)

// TransferError — ошибка переноса записи.
//
// Kind задаёт класс явно. Если Kind пустой, класс выводится из StatusCode.
type TransferError struct {
	Kind       domain.ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *TransferError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer failed: HTTP %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("transfer failed: %s", msg)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Transient создаёт transient ошибку.
func Transient(msg string) *TransferError {
	return &TransferError{Kind: domain.ErrorKindTransient, Message: msg}
}

// Permanent создаёт permanent ошибку.
func Permanent(msg string) *TransferError {
	return &TransferError{Kind: domain.ErrorKindPermanent, Message: msg}
}

// RateLimited создаёт ошибку превышения лимита с retry-after.
func RateLimited(retryAfter time.Duration, msg string) *TransferError {
	return &TransferError{
		Kind:       domain.ErrorKindRateLimited,
		RetryAfter: retryAfter,
		Message:    msg,
		Err:        ErrRateLimited,
	}
}

// HTTPError создаёт ошибку по HTTP-коду ответа target system.
func HTTPError(statusCode int, retryAfter time.Duration, msg string) *TransferError {
	return &TransferError{StatusCode: statusCode, RetryAfter: retryAfter, Message: msg}
}
