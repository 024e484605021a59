// Package classify сводит ошибки переноса записей к фиксированной таксономии:
// Transient, RateLimited(retry-after) и Permanent.
//
// Неизвестные ошибки считаются transient, но с пониженным бюджетом retry
// (Classification.Unknown), чтобы баги не маскировались бесконечными повторами.
package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/shaiso/Freight/internal/breaker"
	"github.com/shaiso/Freight/internal/domain"
)

// DefaultRetryAfter — оценка retry-after, когда target system его не сообщил.
const DefaultRetryAfter = 30 * time.Second

// Classification — результат классификации ошибки.
type Classification struct {
	Kind domain.ErrorKind

	// RetryAfter — для RateLimited задержка до следующей попытки;
	// для Transient — минимальная задержка (например, до восстановления breaker).
	RetryAfter time.Duration

	// Unknown — ошибка не распознана и считается transient с пониженным бюджетом.
	Unknown bool
}

// Retryable возвращает true для классов, которые имеет смысл повторять.
func (c Classification) Retryable() bool {
	return c.Kind == domain.ErrorKindTransient || c.Kind == domain.ErrorKindRateLimited
}

// Classify классифицирует ошибку переноса записи. Функция чистая.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	// Breaker открыт — transient, повтор не раньше восстановления
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return Classification{Kind: domain.ErrorKindTransient, RetryAfter: openErr.RetryAfter}
	}
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return Classification{Kind: domain.ErrorKindTransient}
	}

	var te *TransferError
	if errors.As(err, &te) {
		if te.Kind != domain.ErrorKindNone {
			return fromKind(te.Kind, te.RetryAfter)
		}
		if te.StatusCode != 0 {
			return FromStatus(te.StatusCode, te.RetryAfter)
		}
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return Classification{Kind: domain.ErrorKindRateLimited, RetryAfter: DefaultRetryAfter}
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSchema):
		return Classification{Kind: domain.ErrorKindPermanent}
	case isNetworkError(err):
		return Classification{Kind: domain.ErrorKindTransient}
	}

	return classifyMessage(err.Error())
}

// FromStatus классифицирует HTTP-код ответа.
func FromStatus(code int, retryAfter time.Duration) Classification {
	switch {
	case code == http.StatusTooManyRequests:
		return fromKind(domain.ErrorKindRateLimited, retryAfter)
	case code >= 500:
		return Classification{Kind: domain.ErrorKindTransient}
	case code == http.StatusRequestTimeout:
		return Classification{Kind: domain.ErrorKindTransient}
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound,
		code == http.StatusBadRequest, code == http.StatusConflict, code == http.StatusUnprocessableEntity:
		return Classification{Kind: domain.ErrorKindPermanent}
	default:
		return Classification{Kind: domain.ErrorKindTransient, Unknown: true}
	}
}

func fromKind(kind domain.ErrorKind, retryAfter time.Duration) Classification {
	c := Classification{Kind: kind, RetryAfter: retryAfter}
	if kind == domain.ErrorKindRateLimited && c.RetryAfter <= 0 {
		c.RetryAfter = DefaultRetryAfter
	}
	if kind == domain.ErrorKindPermanent {
		c.RetryAfter = 0
	}
	return c
}

// isNetworkError распознаёт таймауты и разрывы соединения.
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// permanentMarkers — фразы, которыми target system отвергает саму запись.
// Голые "invalid" и "not found" сюда не входят: их же пишут парсеры ответа
// ("invalid character '<'") и резолвер ("host not found") при временных сбоях.
var permanentMarkers = []string{
	"unauthorized",
	"forbidden",
	"unprocessable",
	"validation failed",
	"validation error",
	"invalid request",
	"invalid argument",
	"invalid input",
	"invalid field",
	"record not found",
	"resource not found",
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// classifyMessage — последний шанс: разбор текста ошибки от клиентских библиотек.
func classifyMessage(msg string) Classification {
	s := strings.ToLower(msg)

	switch {
	case strings.Contains(s, "429") || strings.Contains(s, "too many requests") ||
		strings.Contains(s, "rate limit"):
		return Classification{Kind: domain.ErrorKindRateLimited, RetryAfter: DefaultRetryAfter}

	case strings.Contains(s, "timeout") || strings.Contains(s, "timed out") ||
		strings.Contains(s, "connection reset") || strings.Contains(s, "connection refused") ||
		strings.Contains(s, "broken pipe") || strings.Contains(s, "temporarily unavailable"):
		return Classification{Kind: domain.ErrorKindTransient}

	case containsAny(s, permanentMarkers):
		return Classification{Kind: domain.ErrorKindPermanent}
	}

	return Classification{Kind: domain.ErrorKindTransient, Unknown: true}
}
