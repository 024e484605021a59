// Package retry решает судьбу batch после попытки выполнения.
//
// Решение — явное значение Decision (Complete, Retry с задержкой, FailFinal),
// а не исключение: воркер передаёт его оркестратору вместе с результатом batch.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/shaiso/Freight/internal/classify"
	"github.com/shaiso/Freight/internal/domain"
)

// Default policy values.
const (
	DefaultBaseDelay          = 2 * time.Second
	DefaultMaxDelay           = 3600 * time.Second
	DefaultMaxAttempts        = 5
	DefaultUnknownMaxAttempts = 2
	DefaultJitterFraction     = 0.1
)

// Policy — политика retry для batches.
type Policy struct {
	// BaseDelay — задержка для attempt=0 (default: 2s).
	BaseDelay time.Duration

	// MaxDelay — верхняя граница задержки без jitter (default: 3600s).
	MaxDelay time.Duration

	// MaxAttempts — бюджет повторов для transient ошибок (default: 5).
	MaxAttempts int

	// UnknownMaxAttempts — бюджет повторов для нераспознанных ошибок (default: 2).
	UnknownMaxAttempts int

	// JitterFraction — доля задержки для равномерного jitter [0, f*delay] (default: 0.1).
	JitterFraction float64

	// Rand возвращает число в [0, 1). Nil — math/rand/v2.
	Rand func() float64
}

// DefaultPolicy возвращает политику по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:          DefaultBaseDelay,
		MaxDelay:           DefaultMaxDelay,
		MaxAttempts:        DefaultMaxAttempts,
		UnknownMaxAttempts: DefaultUnknownMaxAttempts,
		JitterFraction:     DefaultJitterFraction,
	}
}

// withDefaults заполняет нулевые поля значениями по умолчанию.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.UnknownMaxAttempts <= 0 {
		p.UnknownMaxAttempts = d.UnknownMaxAttempts
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// BackoffDelay возвращает min(BaseDelay * 2^attempt, MaxDelay) без jitter.
func (p Policy) BackoffDelay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// NextDelay возвращает задержку перед повтором: экспоненциальный backoff
// плюс равномерный jitter в [0, JitterFraction*delay].
func (p Policy) NextDelay(attempt int) time.Duration {
	p = p.withDefaults()
	return p.withJitter(p.BackoffDelay(attempt))
}

func (p Policy) withJitter(delay time.Duration) time.Duration {
	jitter := time.Duration(p.Rand() * p.JitterFraction * float64(delay))
	return delay + jitter
}

// ShouldRetry решает, повторять ли batch с attempt выполненными повторами
// после ошибки класса c.
func (p Policy) ShouldRetry(attempt int, c classify.Classification) bool {
	p = p.withDefaults()

	if !c.Retryable() {
		return false
	}
	if c.Unknown {
		return attempt < min(p.UnknownMaxAttempts, p.MaxAttempts)
	}
	return attempt < p.MaxAttempts
}

// Decide выбирает решение для batch по худшему исходу среди записей попытки.
//
//   - нет retryable ошибок — Complete
//   - бюджет не исчерпан — Retry; RateLimited подменяет backoff своим retry-after
//   - иначе — FailFinal
func (p Policy) Decide(attempt int, failures []classify.Classification) Decision {
	p = p.withDefaults()

	var (
		retryable   bool
		rateLimited bool
		rateLimit   time.Duration
		floor       time.Duration
	)

	for _, c := range failures {
		if !c.Retryable() {
			continue
		}
		retryable = true

		if !p.ShouldRetry(attempt, c) {
			return FailFinal{}
		}

		switch c.Kind {
		case domain.ErrorKindRateLimited:
			rateLimited = true
			rateLimit = max(rateLimit, c.RetryAfter)
		default:
			floor = max(floor, c.RetryAfter)
		}
	}

	if !retryable {
		return Complete{}
	}

	var delay time.Duration
	if rateLimited {
		delay = p.withJitter(rateLimit)
	} else {
		delay = p.NextDelay(attempt)
	}
	// Transient с подсказкой (например, открытый breaker) не раньше подсказки
	delay = max(delay, floor)

	return Retry{Delay: delay}
}
