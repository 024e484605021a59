package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/shaiso/Freight/internal/mq"
)

// ConnFunc лениво создаёт подключение к RabbitMQ.
type ConnFunc func(cmd *cobra.Command) (*mq.Connection, error)

// NewEventsCmd создаёт группу команд для событий жизненного цикла jobs.
func NewEventsCmd(connFn ConnFunc, outputFn func() *Output, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Job lifecycle events",
	}

	cmd.AddCommand(newEventsWatchCmd(connFn, outputFn, logger))

	return cmd
}

func newEventsWatchCmd(connFn ConnFunc, outputFn func() *Output, logger *slog.Logger) *cobra.Command {
	var patterns []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print lifecycle events as they are published",
		Long: `Print lifecycle events as they are published.

Patterns are RabbitMQ topic routing keys: job.* matches job.submitted,
job.finished, job.cancelled and job.retried; # matches every event.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connFn(cmd)
			if err != nil {
				return err
			}
			if err := mq.SetupTopology(cmd.Context(), conn); err != nil {
				return err
			}

			keys := make([]mq.RoutingKey, len(patterns))
			for i, p := range patterns {
				keys[i] = mq.RoutingKey(p)
			}

			out := outputFn()
			consumer := mq.NewConsumer(conn, logger, mq.ConsumerConfig{
				Declare: func(ch *amqp.Channel) (string, error) {
					return mq.DeclareWatchQueue(ch, keys...)
				},
				Handler: func(_ context.Context, d *mq.Delivery) error {
					printEvent(out, &d.Message)
					return nil
				},
				Prefetch: 50,
			})

			out.Success(fmt.Sprintf("Watching events %v (Ctrl+C to stop)", patterns))
			err = consumer.Start(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&patterns, "pattern", []string{"#"}, "Routing key pattern (repeatable)")

	return cmd
}

// printEvent выводит событие одной строкой или JSON-объектом.
func printEvent(out *Output, msg *mq.Message) {
	if out.JSONMode() {
		out.JSON(msg)
		return
	}

	ts := msg.Timestamp.Local().Format("15:04:05.000")

	switch msg.Type {
	case mq.MessageTypeBatchCompleted:
		p, err := mq.ParsePayload[mq.BatchCompletedPayload](msg)
		if err != nil {
			out.Line(fmt.Sprintf("%s  %-16s  <invalid payload: %v>", ts, msg.Type, err))
			return
		}
		line := fmt.Sprintf("%s  %-16s  job=%s batch=%d status=%s attempt=%d ok=%d failed=%d skipped=%d",
			ts, msg.Type, p.JobID, p.Sequence, p.Status, p.Attempt, p.Succeeded, p.Failed, p.Skipped)
		if p.NextRetryAt != nil {
			line += " retry_at=" + p.NextRetryAt.Local().Format("15:04:05")
		}
		if p.Discarded {
			line += " discarded"
		}
		out.Line(line)

	default:
		p, err := mq.ParsePayload[mq.JobEventPayload](msg)
		if err != nil {
			out.Line(fmt.Sprintf("%s  %-16s  <invalid payload: %v>", ts, msg.Type, err))
			return
		}
		line := fmt.Sprintf("%s  %-16s  job=%s status=%s target=%s processed=%d/%d failed=%d",
			ts, msg.Type, p.JobID, p.Status, p.Target, p.ProcessedRecords, p.TotalRecords, p.FailedRecords)
		if p.Batches > 0 {
			line += fmt.Sprintf(" batches=%d", p.Batches)
		}
		out.Line(line)
	}
}
