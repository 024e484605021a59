// Freight CLI — инструмент командной строки для управления migration jobs.
//
// Команды job и tenant работают напрямую с PostgreSQL и Redis (DATABASE_URL,
// REDIS_ADDR), events — с RabbitMQ, ops — с ops HTTP запущенного freight-worker.
//
// Использование:
//
//	freight [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	job     Управление migration jobs
//	tenant  Управление tenants
//	events  События жизненного цикла jobs
//	ops     Состояние freight-worker
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/Freight/internal/cli"
	"github.com/shaiso/Freight/internal/config"
	"github.com/shaiso/Freight/internal/mq"
	"github.com/shaiso/Freight/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	cfg := config.Load()
	logger := slog.New(telemetry.NewHandler("text", slog.LevelWarn))

	rootCmd := &cobra.Command{
		Use:           "freight",
		Short:         "Freight CLI — batch migration jobs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8082", "freight-worker ops URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	// Подключения создаются при первом обращении и закрываются после выполнения команды
	var backend *cli.Backend
	backendFn := func(cmd *cobra.Command) (*cli.Backend, error) {
		if backend != nil {
			return backend, nil
		}
		b, err := cli.Connect(cmd.Context(), cfg, logger)
		if err != nil {
			return nil, err
		}
		backend = b
		return backend, nil
	}

	var conn *mq.Connection
	connFn := func(cmd *cobra.Command) (*mq.Connection, error) {
		if conn != nil {
			return conn, nil
		}
		// CLI подписывается на события и без настроенного воркерного URL
		url := cfg.RabbitMQURL
		if url == "" {
			url = mq.DefaultURL()
		}
		c, err := mq.NewConnection(url, "freight-cli", logger)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		conn = c
		return conn, nil
	}

	rootCmd.AddCommand(
		cli.NewJobCmd(backendFn, outputFn),
		cli.NewTenantCmd(backendFn, outputFn),
		cli.NewEventsCmd(connFn, outputFn, logger),
		cli.NewOpsCmd(clientFn, outputFn),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if backend != nil {
		backend.Close()
	}
	if conn != nil {
		conn.Close()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
