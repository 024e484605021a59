// Package breaker реализует circuit breaker для обращений к target system.
//
// Breaker заводится на пару (tenant, target): отказы одного tenant не блокируют
// остальных. Состояния:
//   - closed    — запросы разрешены, ошибки считаются в скользящем окне
//   - open      — FailureThreshold ошибок в окне; запросы отклоняются с ErrCircuitOpen
//   - half-open — после RecoveryTimeout ровно один пробный запрос
package breaker
