// Package worker выполняет batches migration jobs.
//
// # Обзор
//
// Worker — stateless компонент, который забирает batches из очереди,
// выполняет их записи через transfer.Port и передаёт результат оркестратору.
// Workers масштабируются горизонтально: несколько процессов читают одну
// очередь, эксклюзивность выполнения batch обеспечивает lease в хранилище.
//
// # Ключевые компоненты
//
// ## BatchExecutor
//
// Одна попытка batch:
//
//  1. Записи batch.RemainingRecords() обрабатываются последовательно
//  2. Перед каждой записью проверяется отмена job (CancelChecker)
//  3. Запись отправляется через circuit breaker (tenant, target) в Port
//  4. Ошибка классифицируется (classify.Classify)
//  5. По всем ошибкам retry.Policy принимает решение: Complete, Retry, FailFinal
//  6. На каждую запись формируется RecordLog (success, failed, retrying, skipped)
//
// Ошибка одной записи не прерывает batch.
//
// ## Worker
//
// Пул горутин:
//
//	w := worker.New(worker.Config{
//	    Store:    store,
//	    Queue:    q,
//	    Executor: executor,
//	    Sink:     orch,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Обработка элемента очереди
//
//  1. Dequeue с visibility lease
//  2. AcquireBatchLease в хранилище (ErrLeaseHeld → элемент откладывается до истечения чужого lease)
//  3. Job не running → lease снимается, элемент подтверждается
//  4. Выполнение с heartbeat, продлевающим оба lease
//  5. OnBatchComplete; repo.ErrLeaseLost → результат отбрасывается
//  6. Ack
//
// Инфраструктурные ошибки (хранилище, остановка воркера) возвращают batch
// в очередь без результата; попытка не засчитывается.
package worker
