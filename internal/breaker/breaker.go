package breaker

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// State — состояние circuit breaker.
type State int32

const (
	Closed   State = iota // запросы разрешены
	Open                  // запросы отклоняются без обращения к target
	HalfOpen              // пробный запрос в полёте
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen — breaker открыт, запрос отклонён без обращения к target.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError — отказ открытого breaker с оценкой времени до восстановления.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s (retry after %s)", ErrCircuitOpen, e.Name, e.RetryAfter)
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// Config — конфигурация breaker.
type Config struct {
	// FailureThreshold — количество ошибок в окне, после которого breaker открывается (default: 5).
	FailureThreshold int

	// Window — окно подсчёта ошибок (default: 60s).
	Window time.Duration

	// RecoveryTimeout — время в open перед пробным запросом (default: 60s).
	RecoveryTimeout time.Duration

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// DefaultConfig возвращает значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		RecoveryTimeout:  60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker — circuit breaker для одной пары (tenant, target).
//
// Состояние хранится в атомиках: переход open → half-open выполняется через CAS,
// поэтому пробный запрос получает ровно один вызывающий.
type Breaker struct {
	name string
	cfg  Config

	state       atomic.Int32
	failures    atomic.Int32
	windowStart atomic.Int64 // unix nano
	openedAt    atomic.Int64 // unix nano
}

// New создаёт breaker в состоянии closed.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults()}
}

// Name возвращает имя breaker.
func (b *Breaker) Name() string {
	return b.name
}

// Allow проверяет, можно ли выполнить запрос.
// Возвращает *OpenError, если запрос нужно отклонить.
func (b *Breaker) Allow() error {
	switch State(b.state.Load()) {
	case Closed:
		return nil

	case Open:
		elapsed := b.cfg.Now().Sub(time.Unix(0, b.openedAt.Load()))
		if elapsed < b.cfg.RecoveryTimeout {
			return &OpenError{Name: b.name, RetryAfter: b.cfg.RecoveryTimeout - elapsed}
		}
		// Пробный запрос достаётся только победителю CAS
		if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			return nil
		}
		return &OpenError{Name: b.name, RetryAfter: b.cfg.RecoveryTimeout}

	default:
		// half-open: пробный запрос уже выполняется
		return &OpenError{Name: b.name, RetryAfter: b.cfg.RecoveryTimeout}
	}
}

// RecordSuccess фиксирует успешный запрос: breaker закрывается, счётчик сбрасывается.
// Запоздавший успех запроса, начатого до открытия, breaker не закрывает.
func (b *Breaker) RecordSuccess() {
	if b.state.Load() == int32(Open) {
		return
	}
	b.failures.Store(0)
	b.windowStart.Store(0)
	b.state.Store(int32(Closed))
}

// RecordFailure фиксирует неудачный запрос.
func (b *Breaker) RecordFailure() {
	now := b.cfg.Now()

	switch State(b.state.Load()) {
	case HalfOpen:
		// Пробный запрос не прошёл — обратно в open
		b.openedAt.Store(now.UnixNano())
		b.state.CompareAndSwap(int32(HalfOpen), int32(Open))
		return
	case Open:
		return
	}

	start := b.windowStart.Load()
	if start == 0 || now.Sub(time.Unix(0, start)) > b.cfg.Window {
		if b.windowStart.CompareAndSwap(start, now.UnixNano()) {
			b.failures.Store(0)
		}
	}

	if int(b.failures.Add(1)) >= b.cfg.FailureThreshold {
		b.openedAt.Store(now.UnixNano())
		b.state.CompareAndSwap(int32(Closed), int32(Open))
	}
}

// Do выполняет fn через breaker.
//
// isFailure решает, считается ли ошибка fn отказом target. Ошибки, не являющиеся
// отказом (например, ошибки валидации конкретной записи), считаются успешным ответом.
func (b *Breaker) Do(fn func() error, isFailure func(error) bool) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.RecordFailure()
		return err
	}

	b.RecordSuccess()
	return err
}

// State возвращает текущее состояние.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Failures возвращает количество ошибок в текущем окне.
func (b *Breaker) Failures() int {
	return int(b.failures.Load())
}

// Reset возвращает breaker в closed.
func (b *Breaker) Reset() {
	b.failures.Store(0)
	b.windowStart.Store(0)
	b.openedAt.Store(0)
	b.state.Store(int32(Closed))
}
