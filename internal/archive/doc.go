// Package archive выгружает журнал RecordLog завершённых jobs во внешнее хранилище.
//
// Для каждого job пишутся два объекта:
//
//	<prefix>/tenant=<tenant_id>/job=<job_id>/record_logs.ndjson — по одной RecordLog на строку в порядке Seq
//	<prefix>/tenant=<tenant_id>/job=<job_id>/manifest.json      — снимок job и сводка выгрузки
//
// Хранилища: S3 (S3Uploader, в том числе S3-совместимые через Endpoint) и
// локальный каталог (LocalUploader) для разработки.
//
// Архивация запускается вручную (freight-cli job archive) или по событию
// job.finished из очереди events.archive (Archiver.HandleJobFinished).
// Повторная выгрузка того же job перезаписывает объекты.
package archive
