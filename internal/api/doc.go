// Package api содержит служебный HTTP-сервер процесса freight-worker.
//
// Структура:
//   - handler.go    — Handler с зависимостями (проверки готовности, breakers, очередь)
//   - routes.go     — chi-роутер и регистрация маршрутов
//   - middleware.go — middleware (logging, recovery)
//   - response.go   — унифицированные JSON-ответы
//
// Маршруты:
//   - GET /healthz        — процесс жив
//   - GET /readyz         — доступны PostgreSQL, Redis и RabbitMQ
//   - GET /metrics        — метрики Prometheus
//   - GET /debug/breakers — состояние circuit breakers по (tenant, target)
//   - GET /debug/queue    — размер очереди batches
//   - GET /debug/workers  — занятость пула воркеров
//
// CRUD jobs через HTTP не предоставляется: jobs создаются и управляются через
// Go API оркестратора и freight-cli.
package api
