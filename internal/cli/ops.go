package cli

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"
)

// NewOpsCmd создаёт группу команд для ops-сервера freight-worker.
func NewOpsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Inspect a running freight-worker",
	}

	cmd.AddCommand(
		newOpsHealthCmd(clientFn, outputFn),
		newOpsReadyCmd(clientFn, outputFn),
		newOpsBreakersCmd(clientFn, outputFn),
		newOpsQueueCmd(clientFn, outputFn),
		newOpsWorkersCmd(clientFn, outputFn),
	)

	return cmd
}

func newOpsHealthCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the worker process is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := clientFn().Health()
			if err != nil {
				return err
			}
			outputFn().Print([]string{"STATUS", "UPTIME"}, [][]string{{h.Status, h.Uptime}}, h)
			return nil
		},
	}
}

func newOpsReadyCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check worker dependencies (PostgreSQL, Redis, RabbitMQ)",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := clientFn().Ready()
			if err != nil {
				return err
			}

			rows := make([][]string, len(r.Checks))
			for i, c := range r.Checks {
				status := "ok"
				if !c.OK {
					status = "fail"
					if c.Optional {
						status = "fail (optional)"
					}
				}
				rows[i] = []string{c.Name, status, c.Duration, truncate(c.Error, 60)}
			}
			outputFn().Print([]string{"CHECK", "STATUS", "DURATION", "ERROR"}, rows, r)

			if !r.Ready {
				return errors.New("worker is not ready")
			}
			return nil
		},
	}
}

func newOpsBreakersCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var openOnly bool

	cmd := &cobra.Command{
		Use:   "breakers",
		Short: "List circuit breakers per tenant and target",
		RunE: func(cmd *cobra.Command, args []string) error {
			breakers, err := clientFn().Breakers()
			if err != nil {
				return err
			}

			if openOnly {
				filtered := breakers[:0]
				for _, b := range breakers {
					if b.State != "closed" {
						filtered = append(filtered, b)
					}
				}
				breakers = filtered
			}

			rows := make([][]string, len(breakers))
			for i, b := range breakers {
				rows[i] = []string{b.TenantID, b.Target, b.State, strconv.Itoa(b.Failures)}
			}
			outputFn().Print([]string{"TENANT_ID", "TARGET", "STATE", "FAILURES"}, rows, breakers)
			return nil
		},
	}

	cmd.Flags().BoolVar(&openOnly, "open", false, "Only open and half-open breakers")

	return cmd
}

func newOpsQueueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show batch queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := clientFn().QueueDepth()
			if err != nil {
				return err
			}

			rows := [][]string{
				{"ready:high_priority", strconv.FormatInt(d.Ready["high_priority"], 10)},
				{"ready:default", strconv.FormatInt(d.Ready["default"], 10)},
				{"scheduled", strconv.FormatInt(d.Scheduled, 10)},
				{"inflight", strconv.FormatInt(d.Inflight, 10)},
			}
			outputFn().Print([]string{"STATE", "ITEMS"}, rows, d)
			return nil
		},
	}
}

func newOpsWorkersCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Show worker pool utilisation",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := clientFn().Workers()
			if err != nil {
				return err
			}
			outputFn().Print(
				[]string{"ID", "BUSY", "STOPPED"},
				[][]string{{w.ID, strconv.Itoa(w.Busy), strconv.FormatBool(w.Stopped)}},
				w,
			)
			return nil
		},
	}
}
