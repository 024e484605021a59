package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/mq"
	"github.com/shaiso/Freight/internal/repo"
	"github.com/shaiso/Freight/internal/telemetry"
)

const (
	logsObject     = "record_logs.ndjson"
	manifestObject = "manifest.json"
)

// JobReader — чтение состояния job и его журнала (реализует orchestrator.Orchestrator).
type JobReader interface {
	GetJobState(ctx context.Context, tenantID, jobID uuid.UUID) (*domain.JobSnapshot, error)
	StreamRecordLogs(ctx context.Context, tenantID, jobID uuid.UUID, afterSeq int64) iter.Seq2[domain.RecordLog, error]
}

// Manifest — сводка выгрузки, сохраняемая рядом с журналом.
type Manifest struct {
	Job        domain.MigrationJob        `json:"job"`
	Batches    map[domain.BatchStatus]int `json:"batches"`
	Records    int                        `json:"records"`
	FirstSeq   int64                      `json:"first_seq"`
	LastSeq    int64                      `json:"last_seq"`
	LogsKey    string                     `json:"logs_key"`
	ArchivedAt time.Time                  `json:"archived_at"`
}

// Result — итог выгрузки.
type Result struct {
	Manifest         Manifest `json:"manifest"`
	LogsLocation     string   `json:"logs_location"`
	ManifestLocation string   `json:"manifest_location"`
}

// Archiver выгружает журнал RecordLog завершённого job.
type Archiver struct {
	jobs     JobReader
	uploader Uploader
	prefix   string
	now      func() time.Time
	logger   *slog.Logger
}

// Config — конфигурация Archiver.
type Config struct {
	Jobs     JobReader
	Uploader Uploader

	// Prefix — префикс ключей объектов.
	// По умолчанию: "record-logs".
	Prefix string

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт Archiver.
func New(cfg Config) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "record-logs"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Archiver{
		jobs:     cfg.Jobs,
		uploader: cfg.Uploader,
		prefix:   cfg.Prefix,
		now:      cfg.Now,
		logger:   cfg.Logger.With("component", "archive"),
	}
}

// KeyPrefix возвращает общий префикс объектов job.
func (a *Archiver) KeyPrefix(tenantID, jobID uuid.UUID) string {
	return path.Join(a.prefix, "tenant="+tenantID.String(), "job="+jobID.String())
}

// Archive выгружает журнал job и манифест.
//
// Ошибки:
//   - repo.ErrNotFound    — job не существует у tenant
//   - ErrJobNotFinished   — job не в финальном статусе
func (a *Archiver) Archive(ctx context.Context, tenantID, jobID uuid.UUID) (*Result, error) {
	snap, err := a.jobs.GetJobState(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if !snap.Job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status %s", ErrJobNotFinished, snap.Job.Status)
	}

	manifest := Manifest{
		Job:     snap.Job,
		Batches: snap.Batches,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for entry, err := range a.jobs.StreamRecordLogs(ctx, tenantID, jobID, 0) {
		if err != nil {
			a.observe("error")
			return nil, fmt.Errorf("read record logs: %w", err)
		}
		if manifest.Records == 0 {
			manifest.FirstSeq = entry.Seq
		}
		manifest.LastSeq = entry.Seq
		manifest.Records++

		if err := enc.Encode(entry); err != nil {
			a.observe("error")
			return nil, fmt.Errorf("encode record log %d: %w", entry.Seq, err)
		}
	}

	prefix := a.KeyPrefix(tenantID, jobID)
	manifest.LogsKey = path.Join(prefix, logsObject)
	manifest.ArchivedAt = a.now().UTC()

	logsLoc, err := a.uploader.Upload(ctx, manifest.LogsKey, buf.Bytes(), "application/x-ndjson")
	if err != nil {
		a.observe("error")
		return nil, fmt.Errorf("upload record logs: %w", err)
	}

	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		a.observe("error")
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestLoc, err := a.uploader.Upload(ctx, path.Join(prefix, manifestObject), body, "application/json")
	if err != nil {
		a.observe("error")
		return nil, fmt.Errorf("upload manifest: %w", err)
	}

	a.observe("ok")
	telemetry.WithJob(a.logger, tenantID, jobID).Info("record logs archived",
		"status", snap.Job.Status,
		"records", manifest.Records,
		"location", logsLoc,
	)

	return &Result{
		Manifest:         manifest,
		LogsLocation:     logsLoc,
		ManifestLocation: manifestLoc,
	}, nil
}

// HandleJobFinished — mq.Handler для очереди events.archive.
// Исчезнувший или снова запущенный job не считается ошибкой доставки.
func (a *Archiver) HandleJobFinished(ctx context.Context, d *mq.Delivery) error {
	if d.Message.Type != mq.MessageTypeJobFinished {
		a.logger.Debug("skipping event", "type", d.Message.Type)
		return nil
	}

	payload, err := mq.ParsePayload[mq.JobEventPayload](&d.Message)
	if err != nil {
		return err
	}

	if payload.TenantID == uuid.Nil || payload.JobID == uuid.Nil {
		return fmt.Errorf("job finished event without tenant_id or job_id")
	}

	_, err = a.Archive(ctx, payload.TenantID, payload.JobID)
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, ErrJobNotFinished):
		a.logger.Warn("job finished event skipped", "job_id", payload.JobID, "error", err)
		return nil
	default:
		return err
	}
}

func (a *Archiver) observe(outcome string) {
	telemetry.ArchivesWritten.WithLabelValues(outcome).Inc()
}
