// Package transfer описывает контракт переноса записи в target system (Port)
// и его реализации.
//
// Структура:
//   - port.go        — Port, Target и реестр adapters по имени target system
//   - http_target.go — adapter для REST API (upsert по ID записи)
//   - config.go      — загрузка targets.yaml
//
// Клиенты конкретных CRM (Affinity, Attio) подключаются как Target.
package transfer
