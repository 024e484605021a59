package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/repo"
)

// BackendFunc лениво создаёт Backend.
type BackendFunc func(cmd *cobra.Command) (*Backend, error)

// NewJobCmd создаёт группу команд для управления migration jobs.
func NewJobCmd(backendFn BackendFunc, outputFn func() *Output) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage migration jobs",
	}
	cmd.PersistentFlags().StringVar(&tenant, "tenant", os.Getenv("FREIGHT_TENANT_ID"), "Tenant ID (default $FREIGHT_TENANT_ID)")

	tenantFn := func() (uuid.UUID, error) {
		if tenant == "" {
			return uuid.Nil, errors.New("--tenant is required")
		}
		return parseID("tenant", tenant)
	}

	cmd.AddCommand(
		newJobSubmitCmd(backendFn, outputFn, tenantFn),
		newJobListCmd(backendFn, outputFn, tenantFn),
		newJobShowCmd(backendFn, outputFn, tenantFn),
		newJobBatchesCmd(backendFn, outputFn, tenantFn),
		newJobRetryCmd(backendFn, outputFn, tenantFn),
		newJobCancelCmd(backendFn, outputFn, tenantFn),
		newJobLogsCmd(backendFn, outputFn, tenantFn),
		newJobArchiveCmd(backendFn, outputFn, tenantFn),
	)

	return cmd
}

func newJobSubmitCmd(backendFn BackendFunc, outputFn func() *Output, tenantFn func() (uuid.UUID, error)) *cobra.Command {
	var source, target, file, idempotencyKey string
	var batchSize int

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a migration job",
		Long: `Submit a migration job.

Records are read from --file (or stdin with --file -) as a JSON array of
{"id": ..., "payload": {...}} objects or as NDJSON, one object per line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenantFn()
			if err != nil {
				return err
			}

			records, err := readRecordsFile(cmd, file)
			if err != nil {
				return err
			}

			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}
			out := outputFn()

			jobID, err := backend.Jobs.Submit(cmd.Context(), domain.JobSpec{
				TenantID:       tenantID,
				SourceSystem:   source,
				TargetSystem:   target,
				BatchSize:      batchSize,
				Records:        records,
				IdempotencyKey: idempotencyKey,
			})
			if err != nil {
				return err
			}

			snap, err := backend.Jobs.GetJobState(cmd.Context(), tenantID, jobID)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job submitted: %s", jobID))
			printJobs(out, []domain.MigrationJob{snap.Job}, snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Source system (e.g. affinity)")
	cmd.Flags().StringVar(&target, "target", "", "Target system (e.g. attio)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Records file (JSON array or NDJSON), - for stdin")
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "Records per batch (100-10000)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Return the existing job when resubmitted with the same key")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newJobListCmd(backendFn BackendFunc, outputFn func() *Output, tenantFn func() (uuid.UUID, error)) *cobra.Command {
	var status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenantFn()
			if err != nil {
				return err
			}
			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}

			jobs, err := backend.Jobs.ListJobs(cmd.Context(), tenantID, repo.JobFilter{
				Status: domain.JobStatus(status),
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return err
			}

			printJobs(outputFn(), jobs, nil)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, completed_with_errors, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newJobShowCmd(backendFn BackendFunc, outputFn func() *Output, tenantFn func() (uuid.UUID, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show job state and batch counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, jobID, err := jobArgs(tenantFn, args)
			if err != nil {
				return err
			}
			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}

			snap, err := backend.Jobs.GetJobState(cmd.Context(), tenantID, jobID)
			if err != nil {
				return err
			}

			out := outputFn()
			if out.JSONMode() {
				out.JSON(snap)
				return nil
			}
			printJobs(out, []domain.MigrationJob{snap.Job}, snap)
			if snap.Job.Error != "" {
				out.Line("")
				out.Line("Error: " + snap.Job.Error)
			}
			out.Line("")
			printBatchCounts(out, snap)
			return nil
		},
	}
}

func newJobBatchesCmd(backendFn BackendFunc, outputFn func() *Output, tenantFn func() (uuid.UUID, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "batches JOB_ID",
		Short: "List batches of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, jobID, err := jobArgs(tenantFn, args)
			if err != nil {
				return err
			}
			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}

			batches, err := backend.Jobs.ListBatches(cmd.Context(), tenantID, jobID)
			if err != nil {
				return err
			}

			headers := []string{"SEQ", "ID", "STATUS", "RECORDS", "SUCCEEDED", "FAILED", "ATTEMPT", "NEXT_RETRY", "LAST_ERROR"}
			rows := make([][]string, len(batches))
			for i, b := range batches {
				rows[i] = []string{
					strconv.Itoa(b.SequenceNumber),
					b.ID.String(),
					string(b.Status),
					strconv.Itoa(len(b.Records)),
					strconv.Itoa(len(b.SucceededIDs)),
					strconv.Itoa(len(b.FailedIDs)),
					strconv.Itoa(b.AttemptCount),
					formatTime(b.NextRetryAt),
					truncate(b.LastError, 60),
				}
			}

			outputFn().Print(headers, rows, batches)
			return nil
		},
	}
}

func newJobRetryCmd(backendFn BackendFunc, outputFn func() *Output, tenantFn func() (uuid.UUID, error)) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Re-queue failed batches of a finished job",
		Long: `Re-queue failed batches of a job in status failed or completed_with_errors.

By default only batches that exhausted their retry budget (failed_final) are
re-queued. With --all, records that failed permanently are retried as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, jobID, err := jobArgs(tenantFn, args)
			if err != nil {
				return err
			}
			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}

			n, err := backend.Jobs.RetryJob(cmd.Context(), tenantID, jobID, !all)
			if err != nil {
				return err
			}

			out := outputFn()
			if out.JSONMode() {
				out.JSON(map[string]any{"job_id": jobID, "batches_queued": n})
				return nil
			}
			out.Success(fmt.Sprintf("Job %s: %d batches queued for retry", jobID, n))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Also retry permanently failed records")

	return cmd
}

func newJobCancelCmd(backendFn BackendFunc, outputFn func() *Output, tenantFn func() (uuid.UUID, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, jobID, err := jobArgs(tenantFn, args)
			if err != nil {
				return err
			}
			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}

			if err := backend.Jobs.CancelJob(cmd.Context(), tenantID, jobID); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Job cancelled: %s", jobID))
			return nil
		},
	}
}

func newJobLogsCmd(backendFn BackendFunc, outputFn func() *Output, tenantFn func() (uuid.UUID, error)) *cobra.Command {
	var after int64
	var limit int
	var status string

	cmd := &cobra.Command{
		Use:   "logs JOB_ID",
		Short: "Show per-record audit log of a job",
		Long: `Show per-record audit log of a job in sequence order.

Use --after with the last SEQ printed to continue from where a previous
call stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, jobID, err := jobArgs(tenantFn, args)
			if err != nil {
				return err
			}
			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}

			var logs []domain.RecordLog
			for entry, err := range backend.Jobs.StreamRecordLogs(cmd.Context(), tenantID, jobID, after) {
				if err != nil {
					return err
				}
				if status != "" && string(entry.Status) != status {
					continue
				}
				logs = append(logs, entry)
				if limit > 0 && len(logs) >= limit {
					break
				}
			}

			headers := []string{"SEQ", "RECORD", "STATUS", "KIND", "RETRY", "ERROR", "CREATED"}
			rows := make([][]string, len(logs))
			for i, l := range logs {
				rows[i] = []string{
					strconv.FormatInt(l.Seq, 10),
					l.RecordID,
					string(l.Status),
					truncate(string(l.ErrorKind), 16),
					strconv.Itoa(l.RetryCount),
					truncate(l.ErrorMessage, 60),
					formatTime(&l.CreatedAt),
				}
			}

			outputFn().Print(headers, rows, logs)
			return nil
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "Only entries with SEQ greater than this")
	cmd.Flags().IntVar(&limit, "limit", 1000, "Maximum number of entries (0 for all)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by record status (success, failed, retrying, skipped)")

	return cmd
}

func newJobArchiveCmd(backendFn BackendFunc, outputFn func() *Output, tenantFn func() (uuid.UUID, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "archive JOB_ID",
		Short: "Export the audit log of a finished job to the archive store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, jobID, err := jobArgs(tenantFn, args)
			if err != nil {
				return err
			}
			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}
			if backend.Archiver == nil {
				return ErrArchiveDisabled
			}

			res, err := backend.Archiver.Archive(cmd.Context(), tenantID, jobID)
			if err != nil {
				return err
			}

			out := outputFn()
			if out.JSONMode() {
				out.JSON(res)
				return nil
			}
			out.Success(fmt.Sprintf("Archived %d record log entries of job %s", res.Manifest.Records, jobID))
			out.Line(res.LogsLocation)
			out.Line(res.ManifestLocation)
			return nil
		},
	}
}

// --- helpers ---

func printJobs(out *Output, jobs []domain.MigrationJob, snap *domain.JobSnapshot) {
	if out.JSONMode() {
		if snap != nil {
			out.JSON(snap)
		} else {
			out.JSON(jobs)
		}
		return
	}

	headers := []string{"ID", "STATUS", "SOURCE", "TARGET", "TOTAL", "PROCESSED", "FAILED", "CREATED", "COMPLETED"}
	rows := make([][]string, len(jobs))
	for i, j := range jobs {
		rows[i] = []string{
			j.ID.String(),
			string(j.Status),
			j.SourceSystem,
			j.TargetSystem,
			strconv.Itoa(j.TotalRecords),
			strconv.Itoa(j.ProcessedRecords),
			strconv.Itoa(j.FailedRecords),
			formatTime(&j.CreatedAt),
			formatTime(j.CompletedAt),
		}
	}
	out.Table(headers, rows)
}

func printBatchCounts(out *Output, snap *domain.JobSnapshot) {
	statuses := []domain.BatchStatus{
		domain.BatchStatusPending,
		domain.BatchStatusProcessing,
		domain.BatchStatusRetrying,
		domain.BatchStatusSucceeded,
		domain.BatchStatusFailed,
		domain.BatchStatusFailedFinal,
	}
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		rows = append(rows, []string{string(s), strconv.Itoa(snap.Batches[s])})
	}
	out.Table([]string{"BATCH_STATUS", "COUNT"}, rows)
}

func jobArgs(tenantFn func() (uuid.UUID, error), args []string) (uuid.UUID, uuid.UUID, error) {
	tenantID, err := tenantFn()
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	jobID, err := parseID("job", args[0])
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return tenantID, jobID, nil
}

func parseID(kind, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", kind, s, err)
	}
	return id, nil
}

func readRecordsFile(cmd *cobra.Command, path string) ([]domain.Record, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open records file: %w", err)
		}
		defer f.Close()
		r = f
	}
	return ReadRecords(r)
}
