// Package cli реализует инструмент командной строки Freight.
//
// # Обзор
//
// CLI работает с теми же PostgreSQL, Redis и RabbitMQ, что и freight-worker:
// job-команды вызывают Go API оркестратора напрямую, служебные команды (ops)
// обращаются к HTTP-серверу воркера. Отдельного HTTP API для jobs нет.
//
// # Ключевые компоненты
//
// ## Backend
//
// Подключения к хранилищу, очереди и брокеру, созданные по config.Config.
// Создаётся лениво, только для команд, которым он нужен.
//
//	backend, err := cli.Connect(ctx, cfg, logger)
//	defer backend.Close()
//
// ## Client
//
// HTTP-клиент для ops-сервера воркера (/healthz, /readyz, /debug/*).
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: freight job list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - job: submit, list, show, batches, retry, cancel, logs, archive
//   - tenant: create, list, show, suspend, activate
//   - events: watch
//   - ops: health, ready, breakers, queue, workers
//
// Каждая группа создаётся через фабричную функцию (NewJobCmd и т.д.),
// принимающую замыкания для ленивого создания зависимостей и Output
// после парсинга PersistentFlags.
package cli
