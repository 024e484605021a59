// Package mq публикует события жизненного цикла jobs в RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация событий
//   - consumer.go   — потребление событий (архивация, events watch)
//
// Типы событий (routing key совпадает с типом):
//   - job.submitted    — job создан и поставлен в очередь
//   - batch.completed  — результат попытки batch применён
//   - job.finished     — job перешёл в completed, completed_with_errors или failed
//   - job.cancelled    — job отменён
//   - job.retried      — RetryJob вернул batches в работу
//
// Exchanges:
//   - freight.events   — topic exchange событий
//   - freight.dlq      — dead letter exchange
package mq
