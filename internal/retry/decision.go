package retry

import (
	"time"

	"github.com/shaiso/Freight/internal/domain"
)

// Decision — решение по batch после попытки: Complete, Retry или FailFinal.
type Decision interface {
	isDecision()
}

// Complete — повторять нечего: все записи в финальном состоянии.
type Complete struct{}

// Retry — вернуть batch в очередь с задержкой Delay.
type Retry struct {
	Delay time.Duration
}

// FailFinal — бюджет повторов исчерпан.
type FailFinal struct{}

func (Complete) isDecision()  {}
func (Retry) isDecision()     {}
func (FailFinal) isDecision() {}

// BatchStatus возвращает статус batch для решения.
// hasPermanent — в batch есть записи с permanent ошибкой.
func BatchStatus(d Decision, hasPermanent bool) domain.BatchStatus {
	switch d.(type) {
	case Retry:
		return domain.BatchStatusRetrying
	case FailFinal:
		return domain.BatchStatusFailedFinal
	default:
		if hasPermanent {
			return domain.BatchStatusFailed
		}
		return domain.BatchStatusSucceeded
	}
}
