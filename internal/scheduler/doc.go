// Package scheduler выполняет периодическое обслуживание очереди и jobs.
//
// Задачи (robfig/cron, расписание в формате cron с секундами или @every):
//   - promote   — отложенные batches с наступившим runAt переходят в ready
//   - reclaim   — элементы с истёкшим visibility lease возвращаются в ready
//   - resync    — открытые batches, потерянные очередью, ставятся заново
//   - reconcile — running jobs без открытых batches получают финальный статус
//   - gauges    — глубина очереди и состояние breakers в Prometheus
//
// Структура:
//   - scheduler.go — Scheduler и задачи
//   - cron.go      — парсер расписаний и адаптер логгера cron
//
// Все задачи идемпотентны: Scheduler можно запускать в каждом процессе
// freight-worker без leader election.
package scheduler
