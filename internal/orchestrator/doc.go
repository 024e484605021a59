// Package orchestrator управляет жизненным циклом migration jobs.
//
// Orchestrator отвечает за:
//   - Валидацию JobSpec и разбиение записей на batches
//   - Постановку batches в очередь (первые попытки — default, повторы — high_priority)
//   - Применение результатов batches (OnBatchComplete) и разрешение финального статуса job
//   - RetryJob и CancelJob
//   - Чтение состояния job и потоковое чтение RecordLog
//   - Публикацию событий жизненного цикла в RabbitMQ
//
// Единственный писатель статуса job — Orchestrator. Воркеры сообщают
// результаты через OnBatchComplete.
package orchestrator
